package services

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/testhelpers"
)

func newAnalyticsFixture(t *testing.T) (*database.Store, *testhelpers.Clock, *AnalyticsService) {
	t.Helper()
	store := testhelpers.NewTestStore(t)
	clock := testhelpers.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	svc := NewAnalyticsService(store, time.Minute, nil).WithClock(clock.Now)
	t.Cleanup(svc.Close)
	return store, clock, svc
}

func TestAggregateFeedback(t *testing.T) {
	b := func() *testhelpers.FeedbackRecordBuilder { return testhelpers.NewFeedbackRecordBuilder() }
	records := []models.FeedbackRecord{
		b().Build(),
		b().Build(),
		b().WithStatus(models.FeedbackRejected).Build(),
		b().WithItem("ft-1", models.RecommendationTypeFieldType).Modified("Amount", "Amount__c").Build(),
		b().WithItem("ft-2", models.RecommendationTypeFieldType).Modified("Amount", "Amount__c").Build(),
		b().WithItem("ft-3", models.RecommendationTypeFieldType).Modified("Due", "Due_Date__c").Build(),
		b().WithStatus("LOST").Build(),
	}

	stats := AggregateFeedback(records)
	assert.Equal(t, 6, stats.TotalFeedback)
	assert.Equal(t, 1, stats.SkippedRecords)
	assert.InDelta(t, 2.0/6, stats.AcceptanceRate, 1e-9)
	assert.InDelta(t, 1.0/6, stats.RejectionRate, 1e-9)
	assert.InDelta(t, 3.0/6, stats.ModificationRate, 1e-9)

	want := map[models.RecommendationType]TypeAccuracy{
		models.RecommendationTypeNaming:    {Total: 3, Accepted: 2, Accuracy: 2.0 / 3},
		models.RecommendationTypeFieldType: {Total: 3, Accepted: 0, Accuracy: 0},
	}
	if diff := cmp.Diff(want, stats.PatternAccuracy); diff != "" {
		t.Errorf("pattern accuracy mismatch (-want +got):\n%s", diff)
	}

	wantPairs := []ModificationCount{
		{Original: "Amount", Modified: "Amount__c", Count: 2},
		{Original: "Due", Modified: "Due_Date__c", Count: 1},
	}
	if diff := cmp.Diff(wantPairs, stats.CommonModifications); diff != "" {
		t.Errorf("modifications mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateFeedback_RatesSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []models.FeedbackStatus{models.FeedbackApproved, models.FeedbackRejected, models.FeedbackModified}
	for run := 0; run < 100; run++ {
		n := 1 + rng.Intn(40)
		records := make([]models.FeedbackRecord, n)
		for i := range records {
			records[i] = testhelpers.NewFeedbackRecordBuilder().WithStatus(statuses[rng.Intn(3)]).Build()
			records[i].ModifiedData = map[string]interface{}{"value": fmt.Sprint(i)}
		}
		stats := AggregateFeedback(records)
		sum := stats.AcceptanceRate + stats.RejectionRate + stats.ModificationRate
		assert.InDelta(t, 1.0, sum, 1e-9, "run %d", run)
	}
}

func TestAggregateFeedback_TopModificationsBounded(t *testing.T) {
	var records []models.FeedbackRecord
	for i := 0; i < 15; i++ {
		for j := 0; j <= i; j++ {
			records = append(records, testhelpers.NewFeedbackRecordBuilder().
				Modified(fmt.Sprintf("orig-%02d", i), "mod").Build())
		}
	}
	stats := AggregateFeedback(records)
	require.Len(t, stats.CommonModifications, TopModifications)
	assert.Equal(t, "orig-14", stats.CommonModifications[0].Original)
	assert.Equal(t, 15, stats.CommonModifications[0].Count)
}

func TestAggregateFeedback_Empty(t *testing.T) {
	stats := AggregateFeedback(nil)
	assert.Zero(t, stats.TotalFeedback)
	assert.Zero(t, stats.AcceptanceRate)
	assert.NotNil(t, stats.CommonModifications)
}

func TestComparePatterns(t *testing.T) {
	predicted := []models.PatternSignature{
		{Pattern: "snake_case__c"},
		{Name: "monetary", Type: "currency"},
		{Pattern: "flow"},
	}
	actual := []models.PatternSignature{
		{Pattern: "snake_case__c"},
		{Pattern: "monetary:currency", Name: "monetary", Type: "currency"},
		{Pattern: "apex_trigger"},
		{Pattern: "required_field"},
	}

	got := ComparePatterns(predicted, actual)
	assert.Equal(t, 2, got.Matches)
	assert.InDelta(t, 2.0/3, got.Precision, 1e-9)
	assert.InDelta(t, 0.5, got.Recall, 1e-9)
	assert.InDelta(t, 4.0/7, got.Accuracy, 1e-9)

	none := ComparePatterns(nil, nil)
	assert.Zero(t, none.Accuracy)
}

func TestComparePatterns_MatchesOneToOne(t *testing.T) {
	predicted := []models.PatternSignature{{Pattern: "flow"}, {Pattern: "flow"}}
	actual := []models.PatternSignature{{Pattern: "flow"}}

	got := ComparePatterns(predicted, actual)
	assert.Equal(t, 1, got.Matches)
	assert.Equal(t, 1.0, got.Recall)
	assert.Equal(t, 0.5, got.Precision)
}

func TestComparePatternSets_Identical(t *testing.T) {
	p := samplePatterns()
	got := ComparePatternSets(p, p)
	assert.Equal(t, 1.0, got.Accuracy)
}

func TestAnalyticsService_StatsCachedAndEvicted(t *testing.T) {
	store, clock, svc := newAnalyticsFixture(t)
	ctx := context.Background()

	first := testhelpers.NewFeedbackRecordBuilder().At(clock.Now()).Build()
	require.NoError(t, store.CreateFeedback(ctx, &first))

	stats, err := svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFeedback)

	second := testhelpers.NewFeedbackRecordBuilder().WithStatus(models.FeedbackRejected).At(clock.Now()).Build()
	require.NoError(t, store.CreateFeedback(ctx, &second))

	stats, err = svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFeedback, "served from cache")

	svc.FeedbackRecorded(second)
	stats, err = svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFeedback)
}

// gatedFeedbackRepo pauses ListFeedback after it has read from the store, until released.
type gatedFeedbackRepo struct {
	*database.Store
	read    chan struct{}
	release chan struct{}
}

func (r *gatedFeedbackRepo) ListFeedback(ctx context.Context, filter database.FeedbackFilter) ([]models.FeedbackRecord, error) {
	records, err := r.Store.ListFeedback(ctx, filter)
	if r.read != nil {
		close(r.read)
		r.read = nil
		<-r.release
	}
	return records, err
}

func TestAnalyticsService_StatsNotPoisonedByEvictionDuringCompute(t *testing.T) {
	store := testhelpers.NewTestStore(t)
	clock := testhelpers.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	repo := &gatedFeedbackRepo{Store: store, read: make(chan struct{}), release: make(chan struct{})}
	read := repo.read
	svc := NewAnalyticsService(repo, time.Minute, nil).WithClock(clock.Now)
	t.Cleanup(svc.Close)
	ctx := context.Background()

	first := testhelpers.NewFeedbackRecordBuilder().At(clock.Now()).Build()
	require.NoError(t, store.CreateFeedback(ctx, &first))

	type result struct {
		stats RecommendationStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := svc.GetRecommendationStats(ctx, StatsQuery{})
		done <- result{stats, err}
	}()
	<-read

	second := testhelpers.NewFeedbackRecordBuilder().WithStatus(models.FeedbackRejected).At(clock.Now()).Build()
	require.NoError(t, store.CreateFeedback(ctx, &second))
	svc.FeedbackRecorded(second)
	close(repo.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.stats.TotalFeedback, "the in-flight read predates the second record")

	stats, err := svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFeedback)
}

func TestAnalyticsService_StatsExpire(t *testing.T) {
	store, clock, svc := newAnalyticsFixture(t)
	ctx := context.Background()

	_, err := svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)

	rec := testhelpers.NewFeedbackRecordBuilder().At(clock.Now()).Build()
	require.NoError(t, store.CreateFeedback(ctx, &rec))
	clock.Advance(2 * time.Minute)

	stats, err := svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFeedback)
}

func TestAnalyticsService_StatsRange(t *testing.T) {
	store, clock, svc := newAnalyticsFixture(t)
	ctx := context.Background()
	base := clock.Now()

	for i := 0; i < 4; i++ {
		r := testhelpers.NewFeedbackRecordBuilder().At(base.Add(time.Duration(i) * time.Hour)).Build()
		require.NoError(t, store.CreateFeedback(ctx, &r))
	}
	from := base.Add(time.Hour)
	to := base.Add(2 * time.Hour)

	stats, err := svc.GetRecommendationStats(ctx, StatsQuery{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFeedback)

	all, err := svc.GetRecommendationStats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.TotalFeedback, "ranges are cached separately")
}

func TestAnalyticsService_DashboardMetrics(t *testing.T) {
	store, clock, svc := newAnalyticsFixture(t)
	ctx := context.Background()

	save := func(ticket string, trigger models.TriggerType, overall float64, added int) {
		result := &models.RecalculationResult{
			TicketID:        ticket,
			OrgID:           "org",
			TriggerType:     trigger,
			Recommendations: []models.Recommendation{testhelpers.NewRecommendationBuilder().Build()},
			Confidence:      models.ConfidenceSummary{Overall: overall},
		}
		require.NoError(t, store.SaveRecalculation(ctx, result, models.RecalculationHistoryEntry{
			TicketID:          ticket,
			TriggerType:       trigger,
			AddedCount:        added,
			OverallConfidence: overall,
			CreatedAt:         clock.Now(),
		}))
		svc.RecommendationsUpdated(result)
		clock.Advance(time.Second)
	}

	save("T-1", models.TriggerManual, 0.6, 3)
	save("T-1", models.TriggerAuto, 0.8, 1)

	m, err := svc.GetDashboardMetrics(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Recalculations)
	assert.Equal(t, 1, m.TicketsRecomputed)
	assert.InDelta(t, 0.7, m.MeanConfidence, 1e-9)
	assert.Equal(t, 4, m.AddedTotal)
	assert.Equal(t, map[models.TriggerType]int{models.TriggerManual: 1, models.TriggerAuto: 1}, m.TriggerBreakdown)

	save("T-2", models.TriggerContextChange, 0.4, 0)
	m, err = svc.GetDashboardMetrics(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Recalculations, "new recommendation set evicts the dashboard")
	assert.Equal(t, 2, m.TicketsRecomputed)
}

func TestAnalyticsService_Invalidate(t *testing.T) {
	store, clock, svc := newAnalyticsFixture(t)
	ctx := context.Background()

	_, err := svc.GetDashboardMetrics(ctx, StatsQuery{})
	require.NoError(t, err)

	rec := testhelpers.NewFeedbackRecordBuilder().At(clock.Now()).Build()
	require.NoError(t, store.CreateFeedback(ctx, &rec))
	svc.Invalidate()

	m, err := svc.GetDashboardMetrics(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats.TotalFeedback)
}
