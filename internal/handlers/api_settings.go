package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/database"
)

// handleGetRecalculationSettings handles GET /api/settings/recalculation
func (h *APIHandler) handleGetRecalculationSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetOrCreateRecalculationSettings(h.deps.Store.DB().WithContext(r.Context()), h.deps.SettingsDefaults)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to get recalculation settings")
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleUpdateRecalculationSettings handles PUT /api/settings/recalculation
// The coordinator picks changes up on its next tick.
func (h *APIHandler) handleUpdateRecalculationSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateRecalculationSettingsRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}

	db := h.deps.Store.DB().WithContext(r.Context())
	settings, err := database.GetOrCreateRecalculationSettings(db, h.deps.SettingsDefaults)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to get recalculation settings")
		return
	}

	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.IntervalSeconds != nil {
		settings.IntervalSeconds = *req.IntervalSeconds
	}
	if req.CycleTimeoutSeconds != nil {
		settings.CycleTimeoutSeconds = *req.CycleTimeoutSeconds
	}
	if req.MaxRetries != nil {
		settings.MaxRetries = *req.MaxRetries
	}
	if req.Concurrency != nil {
		settings.Concurrency = *req.Concurrency
	}

	if err := database.UpdateRecalculationSettings(db, settings); err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to update recalculation settings")
		return
	}
	h.log.Info("recalculation settings updated",
		zap.Bool("enabled", settings.Enabled),
		zap.Int("interval_seconds", settings.IntervalSeconds),
		zap.Int("max_retries", settings.MaxRetries),
		zap.Int("concurrency", settings.Concurrency))

	api.RespondJSON(w, http.StatusOK, settings)
}
