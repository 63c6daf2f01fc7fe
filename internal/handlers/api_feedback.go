package handlers

import (
	"net/http"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/models"
)

// handleSubmitFeedback handles POST /api/tickets/{ticket}/feedback
func (h *APIHandler) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	var req api.FeedbackRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.deps.Feedback.SubmitFeedback(r.Context(), ticketID, req.ItemID, models.Feedback{
		Status:       req.Status,
		Reason:       req.Reason,
		ModifiedData: req.ModifiedData,
	})
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, outcome)
}

// handleImprove handles POST /api/tickets/{ticket}/improve
func (h *APIHandler) handleImprove(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	var req api.ImproveRequest
	if !api.DecodeAndValidate(w, r, &req) {
		return
	}
	improved, err := h.deps.Feedback.ImproveRecommendations(r.Context(), ticketID, req.Recommendations)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"recommendations": improved})
}

// handleWeights handles GET /api/tickets/{ticket}/weights
func (h *APIHandler) handleWeights(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticket")
	if !h.authorizeTicket(w, r, ticketID, "") {
		return
	}
	weights, err := h.deps.Feedback.PatternWeights(r.Context(), ticketID)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	if weights == nil {
		weights = map[models.RecommendationType]float64{}
	}
	api.RespondJSON(w, http.StatusOK, weights)
}

// handleLearning handles GET /api/learning/{type}
func (h *APIHandler) handleLearning(w http.ResponseWriter, r *http.Request) {
	recType := models.RecommendationType(r.PathValue("type"))
	if !recType.Valid() {
		api.RespondValidationError(w, map[string]string{"type": "must be a recommendation type"})
		return
	}

	learning, err := h.deps.Feedback.GetLearningData(r.Context(), recType)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	trend, err := h.deps.Feedback.AnalyzeTrend(r.Context(), recType)
	if err != nil {
		h.errors.Respond(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.LearningResponse{Learning: learning, Trend: trend})
}
