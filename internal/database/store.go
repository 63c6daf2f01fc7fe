package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/configpilot/configpilot/internal/models"
)

// Store persists analyses, recommendation sets, feedback and recalculation history.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for settings access.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveAnalysis appends a pattern analysis record for the ticket.
func (s *Store) SaveAnalysis(ctx context.Context, analysis *models.PatternAnalysis) error {
	row := &PatternAnalysis{
		TicketID:          analysis.TicketID,
		OrgID:             analysis.OrgID,
		Patterns:          NewJSONColumn(analysis.Patterns),
		PatternScore:      analysis.PatternScore,
		OverallConfidence: analysis.OverallConfidence,
	}
	if !analysis.AnalyzedAt.IsZero() {
		row.CreatedAt = analysis.AnalyzedAt
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// LatestAnalysis returns the most recent analysis for the ticket, or nil when none exists.
func (s *Store) LatestAnalysis(ctx context.Context, ticketID string) (*models.PatternAnalysis, error) {
	var row PatternAnalysis
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetRecommendations returns the persisted recommendation set for a ticket. The bool is
// false when no set has ever been stored.
func (s *Store) GetRecommendations(ctx context.Context, ticketID string) ([]models.Recommendation, bool, error) {
	var row RecommendationSet
	err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.Recommendations.Data, true, nil
}

// TicketOrg returns the org a ticket belongs to: the org of its stored set, or of its
// latest pattern analysis. The bool is false for a ticket with neither.
func (s *Store) TicketOrg(ctx context.Context, ticketID string) (string, bool, error) {
	var set RecommendationSet
	err := s.db.WithContext(ctx).Select("org_id").Where("ticket_id = ?", ticketID).First(&set).Error
	if err == nil && set.OrgID != "" {
		return set.OrgID, true, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, err
	}

	var analysis PatternAnalysis
	err = s.db.WithContext(ctx).
		Select("org_id").
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC, id DESC").
		First(&analysis).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return analysis.OrgID, analysis.OrgID != "", nil
}

// GetConfidence returns the confidence summary stored with the ticket's set.
func (s *Store) GetConfidence(ctx context.Context, ticketID string) (models.ConfidenceSummary, error) {
	var row RecommendationSet
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&row).Error; err != nil {
		return models.ConfidenceSummary{}, err
	}
	return models.ConfidenceSummary{Overall: row.OverallConfidence, Factors: row.Factors.Data}, nil
}

// SaveRecalculation replaces the ticket's recommendation set and appends a history
// entry in one transaction, so a failure never leaves a half-written set behind.
func (s *Store) SaveRecalculation(ctx context.Context, result *models.RecalculationResult, entry models.RecalculationHistoryEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recs := result.Recommendations
		if recs == nil {
			recs = []models.Recommendation{}
		}
		set := &RecommendationSet{
			TicketID:          result.TicketID,
			OrgID:             result.OrgID,
			Recommendations:   NewJSONColumn(recs),
			OverallConfidence: result.Confidence.Overall,
			Factors:           NewJSONColumn(result.Confidence.Factors),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"org_id", "recommendations", "overall_confidence", "factors", "updated_at"}),
		}).Create(set).Error; err != nil {
			return err
		}

		history := &RecalculationHistory{
			TicketID:          entry.TicketID,
			TriggerType:       string(entry.TriggerType),
			AddedCount:        entry.AddedCount,
			RemovedCount:      entry.RemovedCount,
			ModifiedCount:     entry.ModifiedCount,
			OverallConfidence: entry.OverallConfidence,
		}
		if !entry.CreatedAt.IsZero() {
			history.CreatedAt = entry.CreatedAt
		}
		return tx.Create(history).Error
	})
}

// ListHistory returns the most recent history entries of a ticket, newest first.
func (s *Store) ListHistory(ctx context.Context, ticketID string, limit int) ([]models.RecalculationHistoryEntry, error) {
	var rows []RecalculationHistory
	q := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.RecalculationHistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyToModel(r))
	}
	return out, nil
}

// HistoryBetween returns history entries across all tickets inside the optional range.
func (s *Store) HistoryBetween(ctx context.Context, from, to *time.Time) ([]models.RecalculationHistoryEntry, error) {
	var rows []RecalculationHistory
	q := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if from != nil {
		q = q.Where("created_at >= ?", *from)
	}
	if to != nil {
		q = q.Where("created_at <= ?", *to)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.RecalculationHistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyToModel(r))
	}
	return out, nil
}

func historyToModel(r RecalculationHistory) models.RecalculationHistoryEntry {
	return models.RecalculationHistoryEntry{
		TicketID:          r.TicketID,
		TriggerType:       models.TriggerType(r.TriggerType),
		AddedCount:        r.AddedCount,
		RemovedCount:      r.RemovedCount,
		ModifiedCount:     r.ModifiedCount,
		OverallConfidence: r.OverallConfidence,
		CreatedAt:         r.CreatedAt,
	}
}

// CreateFeedback appends a feedback record. An id is generated when missing.
func (s *Store) CreateFeedback(ctx context.Context, record *models.FeedbackRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	row := &ApprovalItem{
		ID:           record.ID,
		TicketID:     record.TicketID,
		ItemID:       record.ItemID,
		ItemType:     string(record.ItemType),
		Status:       record.Status,
		Reason:       record.Reason,
		Original:     record.Original,
		ModifiedData: JSONB(record.ModifiedData),
		Confidence:   record.Confidence,
	}
	if !record.CreatedAt.IsZero() {
		row.CreatedAt = record.CreatedAt
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	record.CreatedAt = row.CreatedAt
	return nil
}

// FeedbackFilter narrows ListFeedback. Zero values mean "no restriction".
type FeedbackFilter struct {
	TicketID string
	ItemType models.RecommendationType
	Since    *time.Time
	Until    *time.Time
	// Limit keeps only the newest Limit records.
	Limit int
}

// ListFeedback returns matching records in arrival order (oldest first).
func (s *Store) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]models.FeedbackRecord, error) {
	q := s.db.WithContext(ctx).Model(&ApprovalItem{})
	if filter.TicketID != "" {
		q = q.Where("ticket_id = ?", filter.TicketID)
	}
	if filter.ItemType != "" {
		q = q.Where("item_type = ?", string(filter.ItemType))
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		q = q.Where("created_at <= ?", *filter.Until)
	}

	var rows []ApprovalItem
	if filter.Limit > 0 {
		if err := q.Order("created_at DESC").Limit(filter.Limit).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	} else if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]models.FeedbackRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// SetPatternWeight upserts the learned weight of a recommendation type for a ticket.
func (s *Store) SetPatternWeight(ctx context.Context, ticketID string, recType models.RecommendationType, weight float64) error {
	row := &PatternWeight{
		TicketID:           ticketID,
		RecommendationType: string(recType),
		Weight:             weight,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticket_id"}, {Name: "recommendation_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"weight", "updated_at"}),
	}).Create(row).Error
}

// GetPatternWeights returns every learned weight of a ticket keyed by type.
func (s *Store) GetPatternWeights(ctx context.Context, ticketID string) (map[models.RecommendationType]float64, error) {
	var rows []PatternWeight
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[models.RecommendationType]float64, len(rows))
	for _, r := range rows {
		out[models.RecommendationType(r.RecommendationType)] = r.Weight
	}
	return out, nil
}
