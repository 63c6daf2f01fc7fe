package database

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/configpilot/configpilot/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := AutoMigrate(db, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return NewStore(db)
}

func TestStore_LatestAnalysis_None(t *testing.T) {
	store := setupTestStore(t)

	analysis, err := store.LatestAnalysis(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis != nil {
		t.Errorf("expected nil analysis, got %+v", analysis)
	}
}

func TestStore_SaveAnalysis_LatestWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	first := &models.PatternAnalysis{
		TicketID: "T-1", OrgID: "org",
		Patterns:   models.OrgPatterns{NamingPatterns: []models.NamingPattern{{Pattern: "snake_case__c", Frequency: 1, Confidence: 0.3}}},
		AnalyzedAt: base,
	}
	second := &models.PatternAnalysis{
		TicketID: "T-1", OrgID: "org",
		Patterns:          models.OrgPatterns{NamingPatterns: []models.NamingPattern{{Pattern: "PascalCase__c", Frequency: 4, Confidence: 0.7}}},
		PatternScore:      0.2,
		OverallConfidence: 0.7,
		AnalyzedAt:        base.Add(time.Minute),
	}
	for _, a := range []*models.PatternAnalysis{first, second} {
		if err := store.SaveAnalysis(ctx, a); err != nil {
			t.Fatalf("SaveAnalysis: %v", err)
		}
	}

	got, err := store.LatestAnalysis(ctx, "T-1")
	if err != nil {
		t.Fatalf("LatestAnalysis: %v", err)
	}
	if got == nil || len(got.Patterns.NamingPatterns) != 1 {
		t.Fatalf("unexpected analysis: %+v", got)
	}
	if got.Patterns.NamingPatterns[0].Pattern != "PascalCase__c" {
		t.Errorf("expected latest analysis, got pattern %q", got.Patterns.NamingPatterns[0].Pattern)
	}
	if got.OverallConfidence != 0.7 {
		t.Errorf("expected overall confidence 0.7, got %v", got.OverallConfidence)
	}
}

func TestStore_SaveRecalculation_ReplacesSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	save := func(ids ...string) {
		recs := make([]models.Recommendation, 0, len(ids))
		for _, id := range ids {
			recs = append(recs, models.Recommendation{ID: id, Type: models.RecommendationTypeNaming, Confidence: 0.5})
		}
		result := &models.RecalculationResult{
			TicketID:        "T-1",
			OrgID:           "org",
			Recommendations: recs,
			Confidence:      models.ConfidenceSummary{Overall: 0.6, Factors: []string{"f"}},
		}
		entry := models.RecalculationHistoryEntry{TicketID: "T-1", TriggerType: models.TriggerManual, AddedCount: len(ids)}
		if err := store.SaveRecalculation(ctx, result, entry); err != nil {
			t.Fatalf("SaveRecalculation: %v", err)
		}
	}

	save("a", "b")
	save("c")

	recs, ok, err := store.GetRecommendations(ctx, "T-1")
	if err != nil || !ok {
		t.Fatalf("GetRecommendations: ok=%v err=%v", ok, err)
	}
	if len(recs) != 1 || recs[0].ID != "c" {
		t.Errorf("expected set to be replaced with [c], got %+v", recs)
	}

	history, err := store.ListHistory(ctx, "T-1", 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}

	conf, err := store.GetConfidence(ctx, "T-1")
	if err != nil {
		t.Fatalf("GetConfidence: %v", err)
	}
	if conf.Overall != 0.6 || len(conf.Factors) != 1 {
		t.Errorf("unexpected confidence %+v", conf)
	}
}

func TestStore_GetRecommendations_Missing(t *testing.T) {
	store := setupTestStore(t)

	recs, ok, err := store.GetRecommendations(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || recs != nil {
		t.Errorf("expected no set, got ok=%v recs=%v", ok, recs)
	}
}

func TestStore_TicketOrg(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.TicketOrg(ctx, "T-1"); err != nil || ok {
		t.Fatalf("expected unknown ticket, got ok=%v err=%v", ok, err)
	}

	if err := store.SaveAnalysis(ctx, &models.PatternAnalysis{TicketID: "T-1", OrgID: "org-a"}); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	org, ok, err := store.TicketOrg(ctx, "T-1")
	if err != nil || !ok || org != "org-a" {
		t.Fatalf("expected org-a from analysis, got %q ok=%v err=%v", org, ok, err)
	}

	result := &models.RecalculationResult{TicketID: "T-1", OrgID: "org-b"}
	if err := store.SaveRecalculation(ctx, result, models.RecalculationHistoryEntry{TicketID: "T-1", TriggerType: models.TriggerManual}); err != nil {
		t.Fatalf("SaveRecalculation: %v", err)
	}
	org, ok, err = store.TicketOrg(ctx, "T-1")
	if err != nil || !ok || org != "org-b" {
		t.Errorf("expected the stored set's org to win, got %q ok=%v err=%v", org, ok, err)
	}
}

func TestStore_ListFeedback_FiltersAndOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := &models.FeedbackRecord{
			TicketID:  "T-1",
			ItemID:    "naming-x",
			ItemType:  models.RecommendationTypeNaming,
			Status:    models.FeedbackApproved,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if i == 4 {
			rec.Status = models.FeedbackModified
			rec.ModifiedData = map[string]interface{}{"value": "Account_Tier__c"}
		}
		if err := store.CreateFeedback(ctx, rec); err != nil {
			t.Fatalf("CreateFeedback: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("expected generated id")
		}
	}
	other := &models.FeedbackRecord{TicketID: "T-2", ItemID: "conflict-x", ItemType: models.RecommendationTypeConflict, Status: models.FeedbackRejected, CreatedAt: base}
	if err := store.CreateFeedback(ctx, other); err != nil {
		t.Fatalf("CreateFeedback: %v", err)
	}

	naming, err := store.ListFeedback(ctx, FeedbackFilter{ItemType: models.RecommendationTypeNaming})
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(naming) != 5 {
		t.Fatalf("expected 5 naming records, got %d", len(naming))
	}
	if !naming[0].CreatedAt.Before(naming[4].CreatedAt) {
		t.Error("expected arrival order")
	}
	if naming[4].ModifiedData["value"] != "Account_Tier__c" {
		t.Errorf("modified data not round-tripped: %+v", naming[4].ModifiedData)
	}

	newest, err := store.ListFeedback(ctx, FeedbackFilter{ItemType: models.RecommendationTypeNaming, Limit: 2})
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(newest) != 2 || !newest[1].CreatedAt.Equal(base.Add(4*time.Hour)) {
		t.Errorf("expected newest two in arrival order, got %+v", newest)
	}

	since := base.Add(2 * time.Hour)
	ranged, err := store.ListFeedback(ctx, FeedbackFilter{Since: &since})
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(ranged) != 3 {
		t.Errorf("expected 3 records since %v, got %d", since, len(ranged))
	}
}

func TestStore_PatternWeights_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SetPatternWeight(ctx, "T-1", models.RecommendationTypeNaming, 0.6); err != nil {
		t.Fatalf("SetPatternWeight: %v", err)
	}
	if err := store.SetPatternWeight(ctx, "T-1", models.RecommendationTypeNaming, 0.8); err != nil {
		t.Fatalf("SetPatternWeight: %v", err)
	}
	if err := store.SetPatternWeight(ctx, "T-1", models.RecommendationTypeConflict, 0.2); err != nil {
		t.Fatalf("SetPatternWeight: %v", err)
	}

	weights, err := store.GetPatternWeights(ctx, "T-1")
	if err != nil {
		t.Fatalf("GetPatternWeights: %v", err)
	}
	if len(weights) != 2 {
		t.Fatalf("expected 2 weights, got %v", weights)
	}
	if weights[models.RecommendationTypeNaming] != 0.8 {
		t.Errorf("expected upserted weight 0.8, got %v", weights[models.RecommendationTypeNaming])
	}
}

func TestGetOrCreateRecalculationSettings(t *testing.T) {
	store := setupTestStore(t)

	settings, err := GetOrCreateRecalculationSettings(store.DB(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !settings.Enabled || settings.IntervalSeconds != 2 {
		t.Errorf("unexpected defaults: %+v", settings)
	}

	settings.IntervalSeconds = 5
	if err := UpdateRecalculationSettings(store.DB(), settings); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := GetOrCreateRecalculationSettings(store.DB(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.IntervalSeconds != 5 || again.Interval() != 5*time.Second {
		t.Errorf("expected persisted interval 5s, got %+v", again)
	}
}

func TestOpen_SQLitePrefix(t *testing.T) {
	db, err := Open(SQLitePrefix+":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(db)
	if err := AutoMigrate(db, nil); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
}
