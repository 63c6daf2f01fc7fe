package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configpilot/configpilot/internal/services"
)

var configEnv = []string{
	"HTTP_PORT", "CORS_ALLOWED_ORIGINS", "DATABASE_URL", "LOG_LEVEL",
	"RECALC_ENABLED", "RECALC_INTERVAL_SECONDS", "RECALC_CYCLE_TIMEOUT_SECONDS",
	"RECALC_MAX_RETRIES", "RECALC_CONCURRENCY", "ANALYTICS_CACHE_TTL_SECONDS",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_TIMEOUT_SECONDS",
	"JWT_SECRET", "JWT_ISSUER", "JWT_EXPIRY_HOURS",
	"SLACK_BOT_TOKEN", "SLACK_CONFLICT_CHANNEL", "METADATA_SNAPSHOT", "HEURISTICS_FILE",
}

// clearEnv blanks every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.Equal(t, 2, cfg.Recalculation.IntervalSeconds)
	assert.Equal(t, 60, cfg.Recalculation.CycleTimeoutSeconds)
	assert.Zero(t, cfg.Recalculation.MaxRetries)
	assert.Equal(t, 4, cfg.Recalculation.Concurrency)
	assert.True(t, cfg.Recalculation.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.AnalyticsCacheTTL)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.SlackEnabled())
	assert.False(t, cfg.LLMEnabled())
	assert.Nil(t, cfg.CORSAllowedOrigins)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "8088")
	t.Setenv("DATABASE_URL", "sqlite:/tmp/configpilot.db")
	t.Setenv("RECALC_INTERVAL_SECONDS", "5")
	t.Setenv("RECALC_MAX_RETRIES", "2")
	t.Setenv("RECALC_ENABLED", "false")
	t.Setenv("ANALYTICS_CACHE_TTL_SECONDS", "30")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")
	t.Setenv("SLACK_CONFLICT_CHANNEL", "#config-review")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.HTTPPort)
	assert.Equal(t, "sqlite:/tmp/configpilot.db", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.Recalculation.IntervalSeconds)
	assert.Equal(t, 2, cfg.Recalculation.MaxRetries)
	assert.False(t, cfg.Recalculation.Enabled)
	assert.Equal(t, 30*time.Second, cfg.AnalyticsCacheTTL)
	assert.True(t, cfg.LLMEnabled())
	assert.True(t, cfg.AuthEnabled())
	assert.True(t, cfg.SlackEnabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "not-a-port")
	t.Setenv("RECALC_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.True(t, cfg.Recalculation.Enabled)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"port", map[string]string{"HTTP_PORT": "70000"}, "HTTP_PORT"},
		{"interval", map[string]string{"RECALC_INTERVAL_SECONDS": "0"}, "RECALC_INTERVAL_SECONDS"},
		{"concurrency", map[string]string{"RECALC_CONCURRENCY": "0"}, "RECALC_CONCURRENCY"},
		{"retries", map[string]string{"RECALC_MAX_RETRIES": "-1"}, "must not be negative"},
		{"slack half configured", map[string]string{"SLACK_BOT_TOKEN": "xoxb-1"}, "set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadConflictRules(t *testing.T) {
	base := services.DefaultConflictRules()

	rules, err := LoadConflictRules("", base)
	require.NoError(t, err)
	assert.Equal(t, base, rules)

	path := filepath.Join(t.TempDir(), "heuristics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("standard_objects: [Account, Invoice]\nmax_name_length: 30\n"), 0o600))
	rules, err = LoadConflictRules(path, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"Account", "Invoice"}, rules.StandardObjects)
	assert.Equal(t, base.StandardFields, rules.StandardFields, "keys missing from the file keep base values")
	assert.Equal(t, 30, rules.MaxNameLength)
}

func TestLoadConflictRules_Errors(t *testing.T) {
	base := services.DefaultConflictRules()
	dir := t.TempDir()

	_, err := LoadConflictRules(filepath.Join(dir, "missing.yaml"), base)
	assert.ErrorContains(t, err, "failed to read")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("standard_objects: {not: [a list"), 0o600))
	_, err = LoadConflictRules(bad, base)
	assert.ErrorContains(t, err, "failed to parse")

	zero := filepath.Join(dir, "zero.yaml")
	require.NoError(t, os.WriteFile(zero, []byte("max_name_length: 0\n"), 0o600))
	got, err := LoadConflictRules(zero, base)
	assert.ErrorContains(t, err, "must be positive")
	assert.Equal(t, base, got)
}
