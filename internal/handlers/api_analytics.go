package handlers

import (
	"net/http"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/services"
)

func statsQuery(w http.ResponseWriter, r *http.Request) (services.StatsQuery, bool) {
	from, to, err := api.ParseTimeRange(r)
	if err != nil {
		api.RespondErrorWithCode(w, http.StatusBadRequest, "invalid_range", err.Error())
		return services.StatsQuery{}, false
	}
	return services.StatsQuery{From: from, To: to}, true
}

// handleStats handles GET /api/analytics/stats?from=&to=
func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	q, ok := statsQuery(w, r)
	if !ok {
		return
	}
	stats, err := h.deps.Analytics.GetRecommendationStats(r.Context(), q)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, stats)
}

// handleDashboard handles GET /api/analytics/dashboard?from=&to=
func (h *APIHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q, ok := statsQuery(w, r)
	if !ok {
		return
	}
	metrics, err := h.deps.Analytics.GetDashboardMetrics(r.Context(), q)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, metrics)
}

// handleComparePatterns handles POST /api/analytics/compare
func (h *APIHandler) handleComparePatterns(w http.ResponseWriter, r *http.Request) {
	var req api.ComparePatternsRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}
	api.RespondJSON(w, http.StatusOK, services.ComparePatternSets(req.Predicted, req.Actual))
}

// handleInvalidateAnalytics handles DELETE /api/analytics/cache
func (h *APIHandler) handleInvalidateAnalytics(w http.ResponseWriter, r *http.Request) {
	h.deps.Analytics.Invalidate()
	api.RespondNoContent(w)
}
