package models

import (
	"strings"
	"time"
)

// ChangeAction is what a proposed change does to a metadata component.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionModify ChangeAction = "modify"
	ActionDelete ChangeAction = "delete"
)

// ObjectChange proposes creating, modifying or deleting a custom object.
type ObjectChange struct {
	Action  ChangeAction `json:"action" validate:"oneof=create modify delete"`
	APIName string       `json:"apiName" validate:"required,max=80"`
	Label   string       `json:"label,omitempty"`
}

// FieldChange proposes a field change. PreviousType is set when an existing field's
// type is being modified.
type FieldChange struct {
	Action       ChangeAction `json:"action" validate:"oneof=create modify delete"`
	Object       string       `json:"object" validate:"required"`
	APIName      string       `json:"apiName" validate:"required,max=80"`
	Label        string       `json:"label,omitempty"`
	Type         string       `json:"type,omitempty"`
	PreviousType string       `json:"previousType,omitempty"`
}

// RelationshipChange proposes a lookup or master-detail from ChildObject to ParentObject.
type RelationshipChange struct {
	Action       ChangeAction     `json:"action" validate:"oneof=create modify delete"`
	ChildObject  string           `json:"childObject" validate:"required"`
	ParentObject string           `json:"parentObject" validate:"required"`
	FieldName    string           `json:"fieldName"`
	Kind         RelationshipKind `json:"kind" validate:"omitempty,oneof=lookup master_detail"`
}

// ValidationRuleChange proposes a validation rule.
type ValidationRuleChange struct {
	Action  ChangeAction `json:"action" validate:"oneof=create modify delete"`
	Object  string       `json:"object" validate:"required"`
	Name    string       `json:"name" validate:"required"`
	Formula string       `json:"formula,omitempty"`
}

// ProposedChanges is the change set of a ticket.
type ProposedChanges struct {
	Objects         []ObjectChange         `json:"objects,omitempty" validate:"dive"`
	Fields          []FieldChange          `json:"fields,omitempty" validate:"dive"`
	Relationships   []RelationshipChange   `json:"relationships,omitempty" validate:"dive"`
	ValidationRules []ValidationRuleChange `json:"validationRules,omitempty" validate:"dive"`
}

// IsEmpty reports whether the change set proposes nothing.
func (p *ProposedChanges) IsEmpty() bool {
	return p == nil || len(p.Objects)+len(p.Fields)+len(p.Relationships)+len(p.ValidationRules) == 0
}

// IsSignificant reports whether the change set warrants a fresh pattern analysis:
// any object creation, any field type modification or any relationship addition.
func (p *ProposedChanges) IsSignificant() bool {
	if p == nil {
		return false
	}
	for _, o := range p.Objects {
		if o.Action == ActionCreate {
			return true
		}
	}
	for _, f := range p.Fields {
		if f.Action == ActionModify && f.Type != "" && !strings.EqualFold(f.Type, f.PreviousType) {
			return true
		}
	}
	for _, r := range p.Relationships {
		if r.Action == ActionCreate {
			return true
		}
	}
	return false
}

// TriggerType records what caused a recalculation.
type TriggerType string

const (
	TriggerManual        TriggerType = "manual"
	TriggerAuto          TriggerType = "auto"
	TriggerContextChange TriggerType = "context_change"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAuto, TriggerContextChange:
		return true
	}
	return false
}

// RecalculationContext is one queued request to recompute a ticket's recommendations.
type RecalculationContext struct {
	TicketID                string           `json:"ticketId"`
	OrgID                   string           `json:"orgId"`
	ProposedChanges         *ProposedChanges `json:"proposedChanges,omitempty"`
	TriggerType             TriggerType      `json:"triggerType"`
	PreviousRecommendations []Recommendation `json:"previousRecommendations,omitempty"`
	QueuedAt                time.Time        `json:"queuedAt"`
	Attempt                 int              `json:"attempt,omitempty"`
}

// RecommendationChanges is the diff between two recommendation sets.
type RecommendationChanges struct {
	Added    []Recommendation `json:"added"`
	Removed  []Recommendation `json:"removed"`
	Modified []Recommendation `json:"modified"`
}

// IsEmpty reports whether nothing changed.
func (c RecommendationChanges) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// ConfidenceSummary is the aggregate confidence of a recalculation and its explanation.
type ConfidenceSummary struct {
	Overall float64  `json:"overall"`
	Factors []string `json:"factors"`
}

// RecalculationResult is produced once per cycle, persisted, then broadcast.
type RecalculationResult struct {
	TicketID          string                `json:"ticketId"`
	OrgID             string                `json:"orgId"`
	TriggerType       TriggerType           `json:"triggerType"`
	Recommendations   []Recommendation      `json:"recommendations"`
	Changes           RecommendationChanges `json:"changes"`
	Confidence        ConfidenceSummary     `json:"confidence"`
	Conflicts         []Conflict            `json:"conflicts,omitempty"`
	Patterns          *OrgPatterns          `json:"patterns,omitempty"`
	PatternsRefreshed bool                  `json:"patternsRefreshed"`
	FromCache         bool                  `json:"fromCache"`
	CompletedAt       time.Time             `json:"completedAt"`
}

// RecalculationHistoryEntry records the outcome of one cycle.
type RecalculationHistoryEntry struct {
	TicketID          string      `json:"ticketId"`
	TriggerType       TriggerType `json:"triggerType"`
	AddedCount        int         `json:"addedCount"`
	RemovedCount      int         `json:"removedCount"`
	ModifiedCount     int         `json:"modifiedCount"`
	OverallConfidence float64     `json:"overallConfidence"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// TicketState is the coordinator state of one ticket.
type TicketState string

const (
	TicketIdle       TicketState = "idle"
	TicketQueued     TicketState = "queued"
	TicketProcessing TicketState = "processing"
)
