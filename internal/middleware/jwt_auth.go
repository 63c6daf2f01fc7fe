package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/logging"
)

// ErrOrgForbidden is returned when a token does not grant access to an org.
var ErrOrgForbidden = errors.New("token does not grant access to org")

// Claims identify the caller. Orgs limits which Salesforce orgs the caller may read;
// an empty list grants every org.
type Claims struct {
	Orgs []string `json:"orgs,omitempty"`
	jwt.RegisteredClaims
}

// AllowsOrg reports whether the claims cover orgID.
func (c *Claims) AllowsOrg(orgID string) bool {
	return len(c.Orgs) == 0 || slices.Contains(c.Orgs, orgID)
}

// JWTAuthConfig holds JWT authentication configuration
type JWTAuthConfig struct {
	// Enabled determines if JWT authentication is enforced
	Enabled bool

	// Secret is the HMAC key tokens are signed with
	Secret string

	// Issuer is stamped on generated tokens and required on validated ones when set
	Issuer string

	// SkipPaths are exact paths, or prefixes ending in "*", that need no token
	SkipPaths []string
}

// JWTAuthMiddleware validates bearer tokens on API and websocket requests.
type JWTAuthMiddleware struct {
	config *JWTAuthConfig
	log    *zap.Logger
	mu     sync.RWMutex
	now    func() time.Time
}

type claimsContextKey struct{}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config *JWTAuthConfig, log *zap.Logger) *JWTAuthMiddleware {
	return &JWTAuthMiddleware{config: config, log: logging.OrNop(log), now: time.Now}
}

// GenerateToken signs a token for subject, valid for ttl.
func (m *JWTAuthMiddleware) GenerateToken(subject string, orgs []string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	secret, issuer := m.config.Secret, m.config.Issuer
	m.mu.RUnlock()

	now := m.now()
	claims := Claims{
		Orgs: orgs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken validates a JWT token and returns the claims
func (m *JWTAuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	m.mu.RLock()
	secret, issuer := m.config.Secret, m.config.Issuer
	m.mu.RUnlock()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// Wrap wraps an http.Handler with JWT authentication
func (m *JWTAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.IsEnabled() || m.shouldSkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			m.unauthorized(w, "Missing authentication token")
			return
		}

		claims, err := m.ValidateToken(tokenString)
		if err != nil {
			m.log.Info("rejected token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Error(err))
			m.unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *JWTAuthMiddleware) shouldSkipAuth(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, skip := range m.config.SkipPaths {
		if prefix, ok := strings.CutSuffix(skip, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == skip {
			return true
		}
	}
	return false
}

// extractToken reads a bearer header, falling back to the access_token query
// parameter that browser websocket clients have to use.
func extractToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

func (m *JWTAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="configpilot"`)
	api.RespondErrorWithCode(w, http.StatusUnauthorized, "unauthorized", message)
}

// SetEnabled enables or disables authentication
func (m *JWTAuthMiddleware) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Enabled = enabled
}

// IsEnabled returns whether authentication is enabled
func (m *JWTAuthMiddleware) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Enabled
}

// ClaimsFromContext returns the authenticated claims, or nil when auth is off.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}

// CheckOrg fails with ErrOrgForbidden when authenticated claims exclude orgID.
func CheckOrg(ctx context.Context, orgID string) error {
	if claims := ClaimsFromContext(ctx); claims != nil && !claims.AllowsOrg(orgID) {
		return ErrOrgForbidden
	}
	return nil
}
