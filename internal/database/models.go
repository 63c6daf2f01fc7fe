package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/configpilot/configpilot/internal/models"
)

// JSONB is a free-form JSON object column.
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONColumn stores any JSON-serialisable value in a text column.
type JSONColumn[T any] struct {
	Data T
}

// NewJSONColumn wraps v.
func NewJSONColumn[T any](v T) JSONColumn[T] {
	return JSONColumn[T]{Data: v}
}

// Scan implements the sql.Scanner interface
func (c *JSONColumn[T]) Scan(value interface{}) error {
	if value == nil {
		var zero T
		c.Data = zero
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, &c.Data)
}

// Value implements the driver.Valuer interface
func (c JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}

// PatternAnalysis is one persisted analysis run, keyed by ticket.
type PatternAnalysis struct {
	ID                uint                           `gorm:"primaryKey" json:"id"`
	TicketID          string                         `gorm:"index;not null" json:"ticket_id"`
	OrgID             string                         `gorm:"index;not null" json:"org_id"`
	Patterns          JSONColumn[models.OrgPatterns] `gorm:"type:text" json:"patterns"`
	PatternScore      float64                        `json:"pattern_score"`
	OverallConfidence float64                        `json:"overall_confidence"`
	CreatedAt         time.Time                      `gorm:"index" json:"created_at"`
}

func (PatternAnalysis) TableName() string {
	return "pattern_analyses"
}

// RecommendationSet is the current recommendation set of a ticket. It is replaced as a
// whole on each successful cycle.
type RecommendationSet struct {
	ID                uint                                `gorm:"primaryKey" json:"id"`
	TicketID          string                              `gorm:"uniqueIndex;not null" json:"ticket_id"`
	OrgID             string                              `gorm:"index" json:"org_id"`
	Recommendations   JSONColumn[[]models.Recommendation] `gorm:"type:text" json:"recommendations"`
	OverallConfidence float64                             `json:"overall_confidence"`
	Factors           JSONColumn[[]string]                `gorm:"type:text" json:"factors"`
	CreatedAt         time.Time                           `json:"created_at"`
	UpdatedAt         time.Time                           `json:"updated_at"`
}

func (RecommendationSet) TableName() string {
	return "recommendation_sets"
}

// ApprovalItem is one append-only feedback action on a recommendation.
type ApprovalItem struct {
	ID           string                `gorm:"primaryKey;size:36" json:"id"`
	TicketID     string                `gorm:"index;not null" json:"ticket_id"`
	ItemID       string                `gorm:"index;not null" json:"item_id"`
	ItemType     string                `gorm:"index;size:32;not null" json:"item_type"`
	Status       models.FeedbackStatus `gorm:"type:varchar(16);not null" json:"status"`
	Reason       string                `gorm:"type:text" json:"reason"`
	Original     string                `gorm:"type:text" json:"original"`
	ModifiedData JSONB                 `gorm:"type:jsonb" json:"modified_data"`
	Confidence   float64               `json:"confidence"`
	CreatedAt    time.Time             `gorm:"index" json:"created_at"`
}

func (ApprovalItem) TableName() string {
	return "approval_items"
}

// RecalculationHistory records the outcome of one recalculation cycle.
type RecalculationHistory struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	TicketID          string    `gorm:"index;not null" json:"ticket_id"`
	TriggerType       string    `gorm:"size:32" json:"trigger_type"`
	AddedCount        int       `json:"added_count"`
	RemovedCount      int       `json:"removed_count"`
	ModifiedCount     int       `json:"modified_count"`
	OverallConfidence float64   `json:"overall_confidence"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

func (RecalculationHistory) TableName() string {
	return "recalculation_histories"
}

// PatternWeight is the learned weight of one recommendation type for a ticket.
type PatternWeight struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	TicketID           string    `gorm:"uniqueIndex:idx_pattern_weight_ticket_type;not null" json:"ticket_id"`
	RecommendationType string    `gorm:"uniqueIndex:idx_pattern_weight_ticket_type;size:32;not null" json:"recommendation_type"`
	Weight             float64   `json:"weight"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (PatternWeight) TableName() string {
	return "pattern_weights"
}

func (a *ApprovalItem) toModel() models.FeedbackRecord {
	return models.FeedbackRecord{
		ID:           a.ID,
		TicketID:     a.TicketID,
		ItemID:       a.ItemID,
		ItemType:     models.RecommendationType(a.ItemType),
		Status:       a.Status,
		Reason:       a.Reason,
		Original:     a.Original,
		ModifiedData: map[string]interface{}(a.ModifiedData),
		Confidence:   a.Confidence,
		CreatedAt:    a.CreatedAt,
	}
}

func (a *PatternAnalysis) toModel() *models.PatternAnalysis {
	return &models.PatternAnalysis{
		TicketID:          a.TicketID,
		OrgID:             a.OrgID,
		Patterns:          a.Patterns.Data,
		PatternScore:      a.PatternScore,
		OverallConfidence: a.OverallConfidence,
		AnalyzedAt:        a.CreatedAt,
	}
}
