package services

import (
	"context"
	"time"

	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/models"
)

// AnalysisRepository persists pattern analyses.
type AnalysisRepository interface {
	SaveAnalysis(ctx context.Context, analysis *models.PatternAnalysis) error
	LatestAnalysis(ctx context.Context, ticketID string) (*models.PatternAnalysis, error)
}

// WeightRepository stores learned per-type weights of a ticket.
type WeightRepository interface {
	SetPatternWeight(ctx context.Context, ticketID string, recType models.RecommendationType, weight float64) error
	GetPatternWeights(ctx context.Context, ticketID string) (map[models.RecommendationType]float64, error)
}

// FeedbackRepository is what the learning loop needs from storage.
type FeedbackRepository interface {
	WeightRepository
	GetRecommendations(ctx context.Context, ticketID string) ([]models.Recommendation, bool, error)
	CreateFeedback(ctx context.Context, record *models.FeedbackRecord) error
	ListFeedback(ctx context.Context, filter database.FeedbackFilter) ([]models.FeedbackRecord, error)
}

// AnalyticsRepository is read-only access to feedback and recalculation history.
type AnalyticsRepository interface {
	ListFeedback(ctx context.Context, filter database.FeedbackFilter) ([]models.FeedbackRecord, error)
	HistoryBetween(ctx context.Context, from, to *time.Time) ([]models.RecalculationHistoryEntry, error)
}

var (
	_ AnalysisRepository  = (*database.Store)(nil)
	_ FeedbackRepository  = (*database.Store)(nil)
	_ AnalyticsRepository = (*database.Store)(nil)
)
