package api

import (
	"github.com/configpilot/configpilot/internal/models"
)

// ========== Patterns ==========

// AnalyzePatternsRequest is the body of POST /api/orgs/{org}/patterns/analyze.
type AnalyzePatternsRequest struct {
	TicketID string `json:"ticketId" validate:"required,max=64"`
}

// PatternAnalysisResponse wraps one analysis with its derived scores.
type PatternAnalysisResponse struct {
	TicketID          string              `json:"ticketId"`
	OrgID             string              `json:"orgId"`
	Patterns          *models.OrgPatterns `json:"patterns"`
	PatternScore      float64             `json:"patternScore"`
	OverallConfidence float64             `json:"overallConfidence"`
}

// ========== Recommendations ==========

// RecommendationsRequest is the body of POST /api/tickets/{ticket}/recommendations
// and POST /api/tickets/{ticket}/recalculate.
type RecommendationsRequest struct {
	OrgID           string                  `json:"orgId" validate:"required,max=64"`
	ProposedChanges *models.ProposedChanges `json:"proposedChanges"`
	TriggerType     models.TriggerType      `json:"triggerType" validate:"omitempty,oneof=manual auto context_change"`
}

// QueueResponse acknowledges a queued recalculation.
type QueueResponse struct {
	TicketID string             `json:"ticketId"`
	State    models.TicketState `json:"state"`
}

// ========== Conflicts ==========

// CheckConflictsRequest is the body of POST /api/orgs/{org}/conflicts/check.
type CheckConflictsRequest struct {
	ProposedChanges *models.ProposedChanges `json:"proposedChanges" validate:"required"`
}

// ========== Feedback ==========

// FeedbackRequest is the body of POST /api/tickets/{ticket}/feedback.
type FeedbackRequest struct {
	ItemID       string                 `json:"itemId" validate:"required"`
	Status       models.FeedbackStatus  `json:"status" validate:"required,oneof=APPROVED REJECTED MODIFIED"`
	Reason       string                 `json:"reason" validate:"max=2000"`
	ModifiedData map[string]interface{} `json:"modifiedData" validate:"required_if=Status MODIFIED"`
}

// ImproveRequest is the body of POST /api/tickets/{ticket}/improve.
type ImproveRequest struct {
	Recommendations []models.Recommendation `json:"recommendations" validate:"required,dive"`
}

// LearningResponse combines learning data and the current trend for one type.
type LearningResponse struct {
	Learning models.LearningData  `json:"learning"`
	Trend    models.TrendAnalysis `json:"trend"`
}

// ========== Analytics ==========

// ComparePatternsRequest is the body of POST /api/analytics/compare.
type ComparePatternsRequest struct {
	Predicted *models.OrgPatterns `json:"predicted" validate:"required"`
	Actual    *models.OrgPatterns `json:"actual" validate:"required"`
}

// ========== Settings ==========

// UpdateRecalculationSettingsRequest is the body of PUT /api/settings/recalculation.
// Nil fields are left unchanged.
type UpdateRecalculationSettingsRequest struct {
	Enabled             *bool `json:"enabled"`
	IntervalSeconds     *int  `json:"interval_seconds" validate:"omitempty,gte=1,lte=3600"`
	CycleTimeoutSeconds *int  `json:"cycle_timeout_seconds" validate:"omitempty,gte=0,lte=3600"`
	MaxRetries          *int  `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
	Concurrency         *int  `json:"concurrency" validate:"omitempty,gte=1,lte=64"`
}
