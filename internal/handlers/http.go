package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/logging"
)

// Version is reported by /health and set at build time.
var Version = "dev"

// HTTPHandler serves the unauthenticated operational endpoints.
type HTTPHandler struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler. db may be nil.
func NewHTTPHandler(db *gorm.DB, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{db: db, log: logging.OrNop(log)}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
}

// handleHealth reports liveness plus database reachability.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response := map[string]string{
		"status":   "ok",
		"version":  Version,
		"database": "ok",
	}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.log.Warn("health check: database unreachable", zap.Error(err))
			response["status"] = "degraded"
			response["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	} else {
		response["database"] = "not configured"
	}

	api.RespondJSON(w, status, response)
}

func (h *HTTPHandler) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
