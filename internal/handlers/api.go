package handlers

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/api"
	"github.com/configpilot/configpilot/internal/broadcast"
	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/jobs"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/middleware"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/services"
)

// APIDeps are the services exposed over HTTP. Broadcaster and SettingsDefaults are
// optional.
type APIDeps struct {
	Patterns         *services.PatternService
	Conflicts        *services.ConflictService
	Feedback         *services.FeedbackService
	Analytics        *services.AnalyticsService
	Recalculator     *jobs.Recalculator
	Store            *database.Store
	Broadcaster      *broadcast.Hub
	SettingsDefaults *database.RecalculationSettings
	Log              *zap.Logger
}

// APIHandler handles the REST API consumed by the ticketing UI and automation.
type APIHandler struct {
	deps   APIDeps
	errors *api.ErrorMapper
	log    *zap.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(deps APIDeps) *APIHandler {
	log := logging.OrNop(deps.Log)
	if deps.SettingsDefaults == nil {
		deps.SettingsDefaults = database.NewDefaultRecalculationSettings()
	}
	return &APIHandler{
		deps: deps,
		log:  log,
		errors: api.NewErrorMapper(log,
			api.ErrorMapping{Err: models.ErrRecommendationNotFound, Status: http.StatusNotFound, Code: "recommendation_not_found"},
			api.ErrorMapping{Err: models.ErrMetadataUnavailable, Status: http.StatusBadGateway, Code: "metadata_unavailable"},
			api.ErrorMapping{Err: models.ErrCollaboratorFailure, Status: http.StatusBadGateway, Code: "collaborator_failure"},
			api.ErrorMapping{Err: models.ErrInvalidFeedback, Status: http.StatusUnprocessableEntity, Code: "validation_error"},
			api.ErrorMapping{Err: jobs.ErrTicketBusy, Status: http.StatusConflict, Code: "ticket_busy"},
			api.ErrorMapping{Err: models.ErrTicketOrgMismatch, Status: http.StatusForbidden, Code: "ticket_org_mismatch"},
			api.ErrorMapping{Err: middleware.ErrOrgForbidden, Status: http.StatusForbidden, Code: "forbidden"},
			api.ErrorMapping{Err: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Code: "timeout"},
		),
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Pattern analysis
	mux.HandleFunc("POST /api/orgs/{org}/patterns/analyze", h.handleAnalyzePatterns)
	mux.HandleFunc("GET /api/tickets/{ticket}/patterns", h.handleGetPatterns)

	// Conflicts
	mux.HandleFunc("POST /api/orgs/{org}/conflicts/check", h.handleCheckConflicts)

	// Recommendations and recalculation
	mux.HandleFunc("GET /api/tickets/{ticket}/recommendations", h.handleGetRecommendations)
	mux.HandleFunc("POST /api/tickets/{ticket}/recommendations", h.handleGenerateRecommendations)
	mux.HandleFunc("POST /api/tickets/{ticket}/recalculate", h.handleQueueRecalculation)
	mux.HandleFunc("GET /api/tickets/{ticket}/state", h.handleTicketState)
	mux.HandleFunc("GET /api/tickets/{ticket}/history", h.handleHistory)
	mux.HandleFunc("POST /api/tickets/{ticket}/close", h.handleCloseTicket)

	// Feedback and learning
	mux.HandleFunc("POST /api/tickets/{ticket}/feedback", h.handleSubmitFeedback)
	mux.HandleFunc("POST /api/tickets/{ticket}/improve", h.handleImprove)
	mux.HandleFunc("GET /api/tickets/{ticket}/weights", h.handleWeights)
	mux.HandleFunc("GET /api/learning/{type}", h.handleLearning)

	// Analytics
	mux.HandleFunc("GET /api/analytics/stats", h.handleStats)
	mux.HandleFunc("GET /api/analytics/dashboard", h.handleDashboard)
	mux.HandleFunc("POST /api/analytics/compare", h.handleComparePatterns)
	mux.HandleFunc("DELETE /api/analytics/cache", h.handleInvalidateAnalytics)

	// Coordinator settings
	mux.HandleFunc("GET /api/settings/recalculation", h.handleGetRecalculationSettings)
	mux.HandleFunc("PUT /api/settings/recalculation", h.handleUpdateRecalculationSettings)
}

// authorizeOrg rejects requests whose token does not cover orgID.
func (h *APIHandler) authorizeOrg(w http.ResponseWriter, r *http.Request, orgID string) bool {
	if err := middleware.CheckOrg(r.Context(), orgID); err != nil {
		h.errors.Respond(w, err)
		return false
	}
	return true
}

// authorizeTicket resolves the org of a ticket and rejects requests whose token does
// not cover it, or that name a different org. claimedOrg may be empty. Tickets the
// service has never seen are checked against claimedOrg alone.
func (h *APIHandler) authorizeTicket(w http.ResponseWriter, r *http.Request, ticketID, claimedOrg string) bool {
	owner, known, err := h.deps.Recalculator.OwnerOf(r.Context(), ticketID)
	if err != nil {
		h.errors.Respond(w, err)
		return false
	}
	if !known {
		return claimedOrg == "" || h.authorizeOrg(w, r, claimedOrg)
	}
	if claimedOrg != "" && claimedOrg != owner {
		h.errors.Respond(w, fmt.Errorf("%w: ticket %s", models.ErrTicketOrgMismatch, ticketID))
		return false
	}
	return h.authorizeOrg(w, r, owner)
}
