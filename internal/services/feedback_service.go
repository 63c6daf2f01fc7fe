package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/cache"
	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/models"
)

// Learning loop constants.
const (
	TrendWindow             = 30 * 24 * time.Hour
	TrendSampleLimit        = 100
	TrendSignificance       = 0.2
	MinLearningSamples      = 5
	LowAcceptanceThreshold  = 0.3
	HighAcceptanceThreshold = 0.8
	CommonEditShare         = 0.3

	LowConfidenceMarker  = "[Low confidence] "
	HighConfidenceMarker = "[High confidence] "

	learningCacheTTL = 5 * time.Minute
)

// NextWeight applies the feedback weight rule to a recommendation's confidence.
func NextWeight(status models.FeedbackStatus, confidence float64) float64 {
	switch status {
	case models.FeedbackApproved:
		return math.Min(1, confidence+0.1)
	case models.FeedbackRejected:
		return math.Max(0, confidence-0.2)
	case models.FeedbackModified:
		return math.Max(0.3, confidence-0.05)
	default:
		return models.Clamp(confidence, 0, 1)
	}
}

// StrategyAdjuster reacts to a significant acceptance trend of a recommendation type.
type StrategyAdjuster interface {
	Adjust(ctx context.Context, ticketID string, trend models.TrendAnalysis) error
}

// DampeningAdjuster scales the stored weight of a declining type by Factor.
type DampeningAdjuster struct {
	Weights WeightRepository
	Factor  float64
	// Default is the weight assumed when the ticket has none stored yet.
	Default float64
}

// NewDampeningAdjuster dampens declining types by 10%.
func NewDampeningAdjuster(weights WeightRepository) *DampeningAdjuster {
	return &DampeningAdjuster{Weights: weights, Factor: 0.9, Default: 0.5}
}

func (a *DampeningAdjuster) Adjust(ctx context.Context, ticketID string, trend models.TrendAnalysis) error {
	if trend.Trend != models.TrendDeclining {
		return nil
	}
	weights, err := a.Weights.GetPatternWeights(ctx, ticketID)
	if err != nil {
		return err
	}
	current, ok := weights[trend.RecommendationType]
	if !ok {
		current = a.Default
	}
	return a.Weights.SetPatternWeight(ctx, ticketID, trend.RecommendationType, models.Clamp(current*a.Factor, 0, 1))
}

// FeedbackOutcome reports what one feedback action changed.
type FeedbackOutcome struct {
	Record models.FeedbackRecord `json:"record"`
	Weight float64               `json:"weight"`
	Trend  models.TrendAnalysis  `json:"trend"`
}

// FeedbackService records feedback and derives learning data from it.
type FeedbackService struct {
	repo     FeedbackRepository
	adjuster StrategyAdjuster
	learning *cache.Cache[models.LearningData]
	log      *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	onRecord []func(models.FeedbackRecord)
}

// NewFeedbackService creates the learning loop. adjuster may be nil.
func NewFeedbackService(repo FeedbackRepository, adjuster StrategyAdjuster, log *zap.Logger) *FeedbackService {
	return &FeedbackService{
		repo:     repo,
		adjuster: adjuster,
		learning: cache.New[models.LearningData](learningCacheTTL),
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// WithClock overrides the time source used for record timestamps and trend windows.
func (s *FeedbackService) WithClock(now func() time.Time) *FeedbackService {
	s.now = now
	s.learning.WithClock(now)
	return s
}

// OnRecorded registers a callback run after every stored feedback record.
func (s *FeedbackService) OnRecorded(fn func(models.FeedbackRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecord = append(s.onRecord, fn)
}

// SubmitFeedback looks itemID up in the ticket's stored recommendation set and
// processes the feedback. Unknown ids fail with ErrRecommendationNotFound.
func (s *FeedbackService) SubmitFeedback(ctx context.Context, ticketID, itemID string, feedback models.Feedback) (*FeedbackOutcome, error) {
	recs, found, err := s.repo.GetRecommendations(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recommendations: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: ticket %s has no recommendations", models.ErrRecommendationNotFound, ticketID)
	}
	rec, ok := models.FindRecommendation(recs, itemID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on ticket %s", models.ErrRecommendationNotFound, itemID, ticketID)
	}
	return s.ProcessFeedback(ctx, ticketID, rec, feedback)
}

// ProcessFeedback appends a feedback record, updates the type's weight for the ticket
// and runs trend analysis. Once the record is stored the call only fails if trend
// analysis does.
func (s *FeedbackService) ProcessFeedback(ctx context.Context, ticketID string, rec models.Recommendation, feedback models.Feedback) (*FeedbackOutcome, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return nil, fmt.Errorf("%w: empty recommendation id", models.ErrRecommendationNotFound)
	}
	if err := feedback.Validate(); err != nil {
		return nil, err
	}

	record := models.FeedbackRecord{
		TicketID:     ticketID,
		ItemID:       rec.ID,
		ItemType:     rec.Type,
		Status:       feedback.Status,
		Reason:       feedback.Reason,
		Original:     rec.Description,
		ModifiedData: feedback.ModifiedData,
		Confidence:   rec.Confidence,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateFeedback(ctx, &record); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}
	s.learning.Delete(string(rec.Type))

	// The record is stored. Failing now would make a retry record it twice.
	weight := NextWeight(feedback.Status, rec.Confidence)
	if err := s.repo.SetPatternWeight(ctx, ticketID, rec.Type, weight); err != nil {
		s.log.Warn("failed to update pattern weight",
			zap.String("ticket_id", ticketID),
			zap.String("recommendation_type", string(rec.Type)),
			zap.Error(err))
	}

	s.mu.RLock()
	hooks := append([]func(models.FeedbackRecord){}, s.onRecord...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(record)
	}

	trend, err := s.AnalyzeTrend(ctx, rec.Type)
	if err != nil {
		return nil, err
	}
	if trend.SignificantChange {
		s.log.Info("acceptance trend shifted",
			zap.String("ticket_id", ticketID),
			zap.String("recommendation_type", string(rec.Type)),
			zap.String("trend", string(trend.Trend)),
			zap.Float64("delta", trend.Delta))
		if s.adjuster != nil {
			if err := s.adjuster.Adjust(ctx, ticketID, trend); err != nil {
				s.log.Warn("strategy adjustment failed", zap.String("ticket_id", ticketID), zap.Error(err))
			}
		}
	}

	s.log.Debug("recorded feedback",
		zap.String("ticket_id", ticketID),
		zap.String("item_id", rec.ID),
		zap.String("status", string(feedback.Status)),
		zap.Float64("weight", weight))

	return &FeedbackOutcome{Record: record, Weight: weight, Trend: trend}, nil
}

// AnalyzeTrend compares acceptance between the older and newer halves of the most
// recent feedback of recType inside the trend window.
func (s *FeedbackService) AnalyzeTrend(ctx context.Context, recType models.RecommendationType) (models.TrendAnalysis, error) {
	since := s.now().Add(-TrendWindow)
	records, err := s.repo.ListFeedback(ctx, database.FeedbackFilter{
		ItemType: recType,
		Since:    &since,
		Limit:    TrendSampleLimit,
	})
	if err != nil {
		return models.TrendAnalysis{}, fmt.Errorf("failed to load feedback history: %w", err)
	}

	out := models.TrendAnalysis{RecommendationType: recType, SampleSize: len(records), Trend: models.TrendStable}
	if len(records) < 2 {
		return out, nil
	}
	half := len(records) / 2
	out.FirstHalfRate = acceptanceRate(records[:half])
	out.SecondHalfRate = acceptanceRate(records[half:])
	out.Delta = out.SecondHalfRate - out.FirstHalfRate
	if math.Abs(out.Delta) > TrendSignificance {
		out.SignificantChange = true
		out.Trend = models.TrendImproving
		if out.Delta < 0 {
			out.Trend = models.TrendDeclining
		}
	}
	return out, nil
}

func acceptanceRate(records []models.FeedbackRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	accepted := 0
	for _, r := range records {
		if r.Status == models.FeedbackApproved {
			accepted++
		}
	}
	return float64(accepted) / float64(len(records))
}

// GetLearningData returns cached learning data of recType across all tickets.
func (s *FeedbackService) GetLearningData(ctx context.Context, recType models.RecommendationType) (models.LearningData, error) {
	data, _, err := s.learning.GetOrCompute(string(recType), func() (models.LearningData, error) {
		records, err := s.repo.ListFeedback(ctx, database.FeedbackFilter{ItemType: recType})
		if err != nil {
			return models.LearningData{}, fmt.Errorf("failed to load feedback for %s: %w", recType, err)
		}
		ld := models.LearningData{
			PatternID:      recType,
			FeedbackCount:  len(records),
			AcceptanceRate: acceptanceRate(records),
			Modifications:  []models.Modification{},
		}
		for _, r := range records {
			if r.Status != models.FeedbackModified {
				continue
			}
			modified, ok := ModifiedValue(r.ModifiedData)
			if !ok {
				continue
			}
			ld.Modifications = append(ld.Modifications, models.Modification{
				Original: r.Original,
				Modified: modified,
				Reason:   r.Reason,
			})
		}
		return ld, nil
	})
	return data, err
}

// ImproveRecommendations biases recommendations by the learning data of their type.
// Types with fewer than MinLearningSamples records and conflict recommendations are
// returned unchanged.
func (s *FeedbackService) ImproveRecommendations(ctx context.Context, ticketID string, recs []models.Recommendation) ([]models.Recommendation, error) {
	out := make([]models.Recommendation, 0, len(recs))
	learning := make(map[models.RecommendationType]models.LearningData)
	for _, rec := range recs {
		if rec.Type == models.RecommendationTypeConflict {
			out = append(out, rec.Clone())
			continue
		}
		ld, ok := learning[rec.Type]
		if !ok {
			var err error
			ld, err = s.GetLearningData(ctx, rec.Type)
			if err != nil {
				return nil, err
			}
			learning[rec.Type] = ld
		}
		out = append(out, improveRecommendation(rec, ld))
	}
	s.log.Debug("improved recommendations", zap.String("ticket_id", ticketID), zap.Int("count", len(out)))
	return out, nil
}

func improveRecommendation(rec models.Recommendation, ld models.LearningData) models.Recommendation {
	out := rec.Clone()
	if ld.FeedbackCount < MinLearningSamples {
		return out
	}

	switch {
	case ld.AcceptanceRate < LowAcceptanceThreshold:
		out.Category = models.CategorySuggestion
		out.Description = withMarker(out.Description, LowConfidenceMarker)
	case ld.AcceptanceRate >= HighAcceptanceThreshold:
		if out.Category == models.CategorySuggestion {
			out.Category = models.CategoryWarning
		}
		out.Description = withMarker(out.Description, HighConfidenceMarker)
	}
	out.Confidence = models.Clamp(rec.Confidence+(ld.AcceptanceRate-0.5)*0.3, 0.1, 0.95)

	if edit, count, ok := commonEdit(ld.Modifications); ok {
		out.Description += fmt.Sprintf(" Reviewers often change this to %q (%d of %d edits).", edit, count, len(ld.Modifications))
	}
	return out
}

func withMarker(description, marker string) string {
	description = strings.TrimPrefix(strings.TrimPrefix(description, LowConfidenceMarker), HighConfidenceMarker)
	return marker + description
}

// commonEdit returns the modified value accounting for at least CommonEditShare of
// all modifications.
func commonEdit(mods []models.Modification) (string, int, bool) {
	if len(mods) == 0 {
		return "", 0, false
	}
	counts := make(map[string]int)
	for _, m := range mods {
		counts[m.Modified]++
	}
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if counts[values[i]] != counts[values[j]] {
			return counts[values[i]] > counts[values[j]]
		}
		return values[i] < values[j]
	})
	best := values[0]
	if float64(counts[best])/float64(len(mods)) < CommonEditShare {
		return "", 0, false
	}
	return best, counts[best], true
}

// ModifiedValue extracts the edited value from a modification snapshot. It prefers the
// "value", "description" and "title" keys and falls back to the whole snapshot as JSON.
func ModifiedValue(data map[string]interface{}) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	for _, key := range []string{"value", "description", "title"} {
		if v, ok := data[key]; ok {
			if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
				return str, true
			}
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// PatternWeights returns the learned weights of a ticket.
func (s *FeedbackService) PatternWeights(ctx context.Context, ticketID string) (map[models.RecommendationType]float64, error) {
	return s.repo.GetPatternWeights(ctx, ticketID)
}

// StartJanitor periodically reclaims expired learning data until Close.
func (s *FeedbackService) StartJanitor(interval time.Duration) {
	s.learning.StartJanitor(interval)
}

// Close stops background cache maintenance.
func (s *FeedbackService) Close() {
	s.learning.Stop()
}
