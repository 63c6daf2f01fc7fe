package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/jobs"
	"github.com/configpilot/configpilot/internal/middleware"
	"github.com/configpilot/configpilot/internal/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// handleAnalyzePatterns handles POST /api/orgs/{org}/patterns/analyze
func (h *APIHandler) handleAnalyzePatterns(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	if !h.authorizeOrg(w, r, orgID) {
		return
	}
	var req api.AnalyzePatternsRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}

	patterns, err := h.deps.Patterns.AnalyzeOrgPatterns(r.Context(), orgID, req.TicketID)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	if h.deps.Broadcaster != nil {
		h.deps.Broadcaster.BroadcastPatternUpdate(orgID, req.TicketID, patterns)
	}

	api.RespondJSON(w, http.StatusOK, api.PatternAnalysisResponse{
		TicketID:          req.TicketID,
		OrgID:             orgID,
		Patterns:          patterns,
		PatternScore:      patterns.PatternScore(),
		OverallConfidence: patterns.OverallConfidence(),
	})
}

// handleGetPatterns handles GET /api/tickets/{ticket}/patterns
func (h *APIHandler) handleGetPatterns(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	patterns, err := h.deps.Patterns.LatestPatterns(r.Context(), ticketID)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	if patterns == nil {
		api.RespondErrorWithCode(w, http.StatusNotFound, "patterns_not_found", "No pattern analysis for ticket "+ticketID)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.PatternAnalysisResponse{
		TicketID:          ticketID,
		Patterns:          patterns,
		PatternScore:      patterns.PatternScore(),
		OverallConfidence: patterns.OverallConfidence(),
	})
}

// handleCheckConflicts handles POST /api/orgs/{org}/conflicts/check
func (h *APIHandler) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	if !h.authorizeOrg(w, r, orgID) {
		return
	}
	var req api.CheckConflictsRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}

	recs, err := h.deps.Conflicts.CheckConflicts(r.Context(), orgID, req.ProposedChanges)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": recs,
		"count":     len(recs),
	})
}

// handleGetRecommendations handles GET /api/tickets/{ticket}/recommendations?orgId=
// Serves the cached or stored set and generates one when none exists.
func (h *APIHandler) handleGetRecommendations(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		api.RespondValidationError(w, map[string]string{"orgId": "is required"})
		return
	}
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, orgID) {
		return
	}
	h.recommendations(w, r, jobs.GetRequest{TicketID: ticketID, OrgID: orgID})
}

// handleGenerateRecommendations handles POST /api/tickets/{ticket}/recommendations
// Runs a cycle synchronously for the proposed changes.
func (h *APIHandler) handleGenerateRecommendations(w http.ResponseWriter, r *http.Request) {
	var req api.RecommendationsRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, req.OrgID) {
		return
	}
	h.recommendations(w, r, jobs.GetRequest{
		TicketID:        ticketID,
		OrgID:           req.OrgID,
		ProposedChanges: req.ProposedChanges,
		TriggerType:     req.TriggerType,
	})
}

func (h *APIHandler) recommendations(w http.ResponseWriter, r *http.Request, req jobs.GetRequest) {
	result, err := h.deps.Recalculator.GetRecommendations(r.Context(), req)
	if err != nil {
		h.log.Warn("recommendations request failed",
			zap.String("ticket_id", req.TicketID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, result)
}

// handleQueueRecalculation handles POST /api/tickets/{ticket}/recalculate
// The request is debounced: only the latest context per ticket is processed.
func (h *APIHandler) handleQueueRecalculation(w http.ResponseWriter, r *http.Request) {
	var req api.RecommendationsRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, req.OrgID) {
		return
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = models.TriggerContextChange
	}
	err := h.deps.Recalculator.Queue(models.RecalculationContext{
		TicketID:        ticketID,
		OrgID:           req.OrgID,
		ProposedChanges: req.ProposedChanges,
		TriggerType:     trigger,
	})
	if err != nil {
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	api.RespondJSON(w, http.StatusAccepted, api.QueueResponse{
		TicketID: ticketID,
		State:    h.deps.Recalculator.State(ticketID),
	})
}

// handleTicketState handles GET /api/tickets/{ticket}/state
func (h *APIHandler) handleTicketState(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	api.RespondJSON(w, http.StatusOK, api.QueueResponse{
		TicketID: ticketID,
		State:    h.deps.Recalculator.State(ticketID),
	})
}

// handleHistory handles GET /api/tickets/{ticket}/history?limit=
func (h *APIHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	limit := api.QueryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	history, err := h.deps.Store.ListHistory(r.Context(), ticketID, limit)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	if history == nil {
		history = []models.RecalculationHistoryEntry{}
	}
	api.RespondJSON(w, http.StatusOK, history)
}

// handleCloseTicket handles POST /api/tickets/{ticket}/close
// Drops the ticket's queued work, in-flight proposal and cached sets. Stored history
// and feedback are kept.
func (h *APIHandler) handleCloseTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	h.deps.Recalculator.Forget(ticketID)
	if h.deps.Broadcaster != nil {
		h.deps.Broadcaster.Forget(ticketID)
	}
	h.log.Info("ticket closed", zap.String("ticket_id", ticketID))
	api.RespondNoContent(w)
}
