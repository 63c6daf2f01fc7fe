package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/cache"
	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/models"
)

const (
	// DefaultAnalyticsTTL is how long computed metrics are served from cache.
	DefaultAnalyticsTTL = 5 * time.Minute
	// TopModifications bounds the most frequent original->modified pairs.
	TopModifications = 10

	statsKeyPrefix     = "stats|"
	dashboardKeyPrefix = "dashboard|"
)

// StatsQuery restricts aggregation to an optional date range.
type StatsQuery struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (q StatsQuery) key() string {
	return formatBound(q.From) + "|" + formatBound(q.To)
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// TypeAccuracy is the accepted fraction of one recommendation type.
type TypeAccuracy struct {
	Total    int     `json:"total"`
	Accepted int     `json:"accepted"`
	Accuracy float64 `json:"accuracy"`
}

// ModificationCount is one original->modified pair and how often reviewers made it.
type ModificationCount struct {
	Original string `json:"original"`
	Modified string `json:"modified"`
	Count    int    `json:"count"`
}

// RecommendationStats aggregates feedback over a query range.
type RecommendationStats struct {
	TotalFeedback       int                                         `json:"totalFeedback"`
	AcceptanceRate      float64                                     `json:"acceptanceRate"`
	RejectionRate       float64                                     `json:"rejectionRate"`
	ModificationRate    float64                                     `json:"modificationRate"`
	PatternAccuracy     map[models.RecommendationType]TypeAccuracy `json:"patternAccuracy"`
	CommonModifications []ModificationCount                         `json:"commonModifications"`
	SkippedRecords      int                                         `json:"skippedRecords"`
	GeneratedAt         time.Time                                   `json:"generatedAt"`
}

// PatternComparison scores a predicted pattern set against an observed one.
type PatternComparison struct {
	Predicted int     `json:"predicted"`
	Actual    int     `json:"actual"`
	Matches   int     `json:"matches"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Accuracy  float64 `json:"accuracy"`
}

// DashboardMetrics combines feedback stats with recalculation history.
type DashboardMetrics struct {
	Stats             RecommendationStats         `json:"stats"`
	Recalculations    int                         `json:"recalculations"`
	MeanConfidence    float64                     `json:"meanConfidence"`
	TriggerBreakdown  map[models.TriggerType]int `json:"triggerBreakdown"`
	AddedTotal        int                         `json:"addedTotal"`
	RemovedTotal      int                         `json:"removedTotal"`
	ModifiedTotal     int                         `json:"modifiedTotal"`
	TicketsRecomputed int                         `json:"ticketsRecomputed"`
}

// AnalyticsService computes advisory metrics over feedback and recalculation history.
type AnalyticsService struct {
	repo      AnalyticsRepository
	stats     *cache.Cache[RecommendationStats]
	dashboard *cache.Cache[DashboardMetrics]
	log       *zap.Logger
	now       func() time.Time
}

// NewAnalyticsService creates the aggregator. A non-positive ttl uses DefaultAnalyticsTTL.
func NewAnalyticsService(repo AnalyticsRepository, ttl time.Duration, log *zap.Logger) *AnalyticsService {
	if ttl <= 0 {
		ttl = DefaultAnalyticsTTL
	}
	return &AnalyticsService{
		repo:      repo,
		stats:     cache.New[RecommendationStats](ttl),
		dashboard: cache.New[DashboardMetrics](ttl),
		log:       logging.OrNop(log),
		now:       time.Now,
	}
}

// WithClock overrides the time source of the service and its caches.
func (s *AnalyticsService) WithClock(now func() time.Time) *AnalyticsService {
	s.now = now
	s.stats.WithClock(now)
	s.dashboard.WithClock(now)
	return s
}

// GetRecommendationStats returns feedback statistics for the query range.
func (s *AnalyticsService) GetRecommendationStats(ctx context.Context, q StatsQuery) (RecommendationStats, error) {
	stats, hit, err := s.stats.GetOrCompute(statsKeyPrefix+q.key(), func() (RecommendationStats, error) {
		records, err := s.repo.ListFeedback(ctx, database.FeedbackFilter{Since: q.From, Until: q.To})
		if err != nil {
			return RecommendationStats{}, fmt.Errorf("failed to load feedback: %w", err)
		}
		stats := AggregateFeedback(records)
		stats.GeneratedAt = s.now()
		if stats.SkippedRecords > 0 {
			s.log.Warn("skipped malformed feedback records", zap.Int("skipped", stats.SkippedRecords))
		}
		return stats, nil
	})
	if err != nil {
		return RecommendationStats{}, err
	}
	s.log.Debug("recommendation stats", zap.Bool("cache_hit", hit), zap.Int("total", stats.TotalFeedback))
	return stats, nil
}

// AggregateFeedback computes stats over records. Records with an unknown status or
// type are skipped; modifications whose edited value cannot be read still count
// towards the rates but not towards CommonModifications.
func AggregateFeedback(records []models.FeedbackRecord) RecommendationStats {
	stats := RecommendationStats{
		PatternAccuracy:     make(map[models.RecommendationType]TypeAccuracy),
		CommonModifications: []ModificationCount{},
	}
	var approved, rejected, modified int
	pairs := make(map[[2]string]int)

	for _, r := range records {
		if !r.Status.Valid() || !r.ItemType.Valid() {
			stats.SkippedRecords++
			continue
		}
		stats.TotalFeedback++
		acc := stats.PatternAccuracy[r.ItemType]
		acc.Total++

		switch r.Status {
		case models.FeedbackApproved:
			approved++
			acc.Accepted++
		case models.FeedbackRejected:
			rejected++
		case models.FeedbackModified:
			modified++
			if value, ok := ModifiedValue(r.ModifiedData); ok {
				pairs[[2]string{r.Original, value}]++
			}
		}
		stats.PatternAccuracy[r.ItemType] = acc
	}

	if stats.TotalFeedback > 0 {
		total := float64(stats.TotalFeedback)
		stats.AcceptanceRate = float64(approved) / total
		stats.RejectionRate = float64(rejected) / total
		stats.ModificationRate = float64(modified) / total
	}
	for t, acc := range stats.PatternAccuracy {
		acc.Accuracy = float64(acc.Accepted) / float64(acc.Total)
		stats.PatternAccuracy[t] = acc
	}

	for pair, n := range pairs {
		stats.CommonModifications = append(stats.CommonModifications, ModificationCount{
			Original: pair[0], Modified: pair[1], Count: n,
		})
	}
	sort.Slice(stats.CommonModifications, func(i, j int) bool {
		a, b := stats.CommonModifications[i], stats.CommonModifications[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Original != b.Original {
			return a.Original < b.Original
		}
		return a.Modified < b.Modified
	})
	if len(stats.CommonModifications) > TopModifications {
		stats.CommonModifications = stats.CommonModifications[:TopModifications]
	}
	return stats
}

// ComparePatterns matches predicted signatures one-to-one against actual ones.
func ComparePatterns(predicted, actual []models.PatternSignature) PatternComparison {
	out := PatternComparison{Predicted: len(predicted), Actual: len(actual)}
	used := make([]bool, len(actual))
	for _, p := range predicted {
		for i, a := range actual {
			if !used[i] && p.Matches(a) {
				used[i] = true
				out.Matches++
				break
			}
		}
	}
	if out.Predicted > 0 {
		out.Precision = float64(out.Matches) / float64(out.Predicted)
	}
	if out.Actual > 0 {
		out.Recall = float64(out.Matches) / float64(out.Actual)
	}
	if out.Predicted+out.Actual > 0 {
		out.Accuracy = 2 * float64(out.Matches) / float64(out.Predicted+out.Actual)
	}
	return out
}

// ComparePatternSets compares two analyses of the same org.
func ComparePatternSets(predicted, actual *models.OrgPatterns) PatternComparison {
	return ComparePatterns(predicted.Signatures(), actual.Signatures())
}

// GetDashboardMetrics returns feedback stats plus recalculation totals for the range.
func (s *AnalyticsService) GetDashboardMetrics(ctx context.Context, q StatsQuery) (DashboardMetrics, error) {
	metrics, _, err := s.dashboard.GetOrCompute(dashboardKeyPrefix+q.key(), func() (DashboardMetrics, error) {
		stats, err := s.GetRecommendationStats(ctx, q)
		if err != nil {
			return DashboardMetrics{}, err
		}
		history, err := s.repo.HistoryBetween(ctx, q.From, q.To)
		if err != nil {
			return DashboardMetrics{}, fmt.Errorf("failed to load recalculation history: %w", err)
		}

		m := DashboardMetrics{
			Stats:            stats,
			Recalculations:   len(history),
			TriggerBreakdown: make(map[models.TriggerType]int),
		}
		tickets := make(map[string]struct{})
		var confidenceSum float64
		for _, h := range history {
			m.TriggerBreakdown[h.TriggerType]++
			m.AddedTotal += h.AddedCount
			m.RemovedTotal += h.RemovedCount
			m.ModifiedTotal += h.ModifiedCount
			confidenceSum += h.OverallConfidence
			tickets[h.TicketID] = struct{}{}
		}
		if len(history) > 0 {
			m.MeanConfidence = confidenceSum / float64(len(history))
		}
		m.TicketsRecomputed = len(tickets)
		return m, nil
	})
	return metrics, err
}

// FeedbackRecorded evicts metrics derived from feedback. Register it with
// FeedbackService.OnRecorded.
func (s *AnalyticsService) FeedbackRecorded(record models.FeedbackRecord) {
	s.stats.DeleteByPrefix(statsKeyPrefix)
	s.dashboard.DeleteByPrefix(dashboardKeyPrefix)
	s.log.Debug("analytics evicted after feedback", zap.String("ticket_id", record.TicketID))
}

// RecommendationsUpdated evicts metrics derived from recalculation history.
func (s *AnalyticsService) RecommendationsUpdated(result *models.RecalculationResult) {
	s.dashboard.DeleteByPrefix(dashboardKeyPrefix)
	if result != nil {
		s.log.Debug("analytics evicted after recalculation", zap.String("ticket_id", result.TicketID))
	}
}

// Invalidate drops every cached metric.
func (s *AnalyticsService) Invalidate() {
	s.stats.Clear()
	s.dashboard.Clear()
}

// StartJanitor periodically reclaims expired metrics until Close.
func (s *AnalyticsService) StartJanitor(interval time.Duration) {
	s.stats.StartJanitor(interval)
	s.dashboard.StartJanitor(interval)
}

// Close stops background cache maintenance.
func (s *AnalyticsService) Close() {
	s.stats.Stop()
	s.dashboard.Stop()
}
