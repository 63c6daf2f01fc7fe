// Package testhelpers provides additional data builders for testing
package testhelpers

import (
	"time"

	"github.com/configpilot/configpilot/internal/metadata"
	"github.com/configpilot/configpilot/internal/models"
)

// ========================================
// Recommendation Builder
// ========================================

// RecommendationBuilder builds Recommendation instances for testing
type RecommendationBuilder struct {
	rec models.Recommendation
}

// NewRecommendationBuilder creates a new recommendation builder with defaults
func NewRecommendationBuilder() *RecommendationBuilder {
	return &RecommendationBuilder{
		rec: models.Recommendation{
			ID:          "naming-customer-email",
			Type:        models.RecommendationTypeNaming,
			Category:    models.CategorySuggestion,
			Title:       "Use snake_case for custom fields",
			Description: "Rename Customer_Email to follow the org convention",
			Rationale:   "Most custom fields in the org use snake_case",
			Confidence:  0.7,
			Impact:      models.ImpactLow,
		},
	}
}

// WithID sets the recommendation ID
func (b *RecommendationBuilder) WithID(id string) *RecommendationBuilder {
	b.rec.ID = id
	return b
}

// WithType sets the recommendation type
func (b *RecommendationBuilder) WithType(t models.RecommendationType) *RecommendationBuilder {
	b.rec.Type = t
	return b
}

// WithCategory sets the category
func (b *RecommendationBuilder) WithCategory(c models.Category) *RecommendationBuilder {
	b.rec.Category = c
	return b
}

// WithDescription sets the description
func (b *RecommendationBuilder) WithDescription(desc string) *RecommendationBuilder {
	b.rec.Description = desc
	return b
}

// WithConfidence sets the confidence without clamping
func (b *RecommendationBuilder) WithConfidence(c float64) *RecommendationBuilder {
	b.rec.Confidence = c
	return b
}

// WithImpact sets the impact
func (b *RecommendationBuilder) WithImpact(i models.Impact) *RecommendationBuilder {
	b.rec.Impact = i
	return b
}

// Build returns the constructed recommendation
func (b *RecommendationBuilder) Build() models.Recommendation {
	return b.rec.Clone()
}

// ========================================
// Feedback Record Builder
// ========================================

// FeedbackRecordBuilder builds FeedbackRecord instances for testing
type FeedbackRecordBuilder struct {
	record models.FeedbackRecord
}

// NewFeedbackRecordBuilder creates an APPROVED naming feedback record
func NewFeedbackRecordBuilder() *FeedbackRecordBuilder {
	return &FeedbackRecordBuilder{
		record: models.FeedbackRecord{
			TicketID:   "T-1",
			ItemID:     "naming-customer-email",
			ItemType:   models.RecommendationTypeNaming,
			Status:     models.FeedbackApproved,
			Confidence: 0.7,
			CreatedAt:  time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

// WithTicket sets the ticket id
func (b *FeedbackRecordBuilder) WithTicket(ticketID string) *FeedbackRecordBuilder {
	b.record.TicketID = ticketID
	return b
}

// WithItem sets the recommendation id and type
func (b *FeedbackRecordBuilder) WithItem(id string, t models.RecommendationType) *FeedbackRecordBuilder {
	b.record.ItemID = id
	b.record.ItemType = t
	return b
}

// WithStatus sets the status
func (b *FeedbackRecordBuilder) WithStatus(s models.FeedbackStatus) *FeedbackRecordBuilder {
	b.record.Status = s
	return b
}

// Modified marks the record MODIFIED with an original -> modified value edit
func (b *FeedbackRecordBuilder) Modified(original, modified string) *FeedbackRecordBuilder {
	b.record.Status = models.FeedbackModified
	b.record.Original = original
	b.record.ModifiedData = map[string]interface{}{"value": modified}
	return b
}

// At sets the creation time
func (b *FeedbackRecordBuilder) At(t time.Time) *FeedbackRecordBuilder {
	b.record.CreatedAt = t
	return b
}

// Build returns the constructed record
func (b *FeedbackRecordBuilder) Build() models.FeedbackRecord {
	return b.record
}

// ========================================
// Object Describe Builder
// ========================================

// ObjectBuilder builds metadata.ObjectDescribe instances for testing
type ObjectBuilder struct {
	obj metadata.ObjectDescribe
}

// NewObjectBuilder creates a custom object with no fields
func NewObjectBuilder(name string) *ObjectBuilder {
	return &ObjectBuilder{obj: metadata.ObjectDescribe{Name: name, Label: name, Custom: true}}
}

// Standard marks the object as a standard (non-custom) object
func (b *ObjectBuilder) Standard() *ObjectBuilder {
	b.obj.Custom = false
	return b
}

// WithField adds a custom field
func (b *ObjectBuilder) WithField(name, fieldType string) *ObjectBuilder {
	b.obj.Fields = append(b.obj.Fields, metadata.FieldDescribe{Name: name, Type: fieldType, Custom: true})
	return b
}

// WithLookup adds a lookup field to parent
func (b *ObjectBuilder) WithLookup(name, parent string) *ObjectBuilder {
	b.obj.Fields = append(b.obj.Fields, metadata.FieldDescribe{
		Name: name, Type: "reference", Custom: true, ReferenceTo: []string{parent},
	})
	return b
}

// WithMasterDetail adds a master-detail field to parent
func (b *ObjectBuilder) WithMasterDetail(name, parent string) *ObjectBuilder {
	b.obj.Fields = append(b.obj.Fields, metadata.FieldDescribe{
		Name: name, Type: "reference", Custom: true, ReferenceTo: []string{parent}, CascadeDelete: true,
	})
	return b
}

// WithValidationRule adds an active validation rule
func (b *ObjectBuilder) WithValidationRule(name, formula string) *ObjectBuilder {
	b.obj.ValidationRules = append(b.obj.ValidationRules, metadata.ValidationRule{Name: name, Formula: formula, Active: true})
	return b
}

// Build returns the constructed describe
func (b *ObjectBuilder) Build() metadata.ObjectDescribe {
	return b.obj
}

// ========================================
// Proposed Changes Builder
// ========================================

// ChangesBuilder builds ProposedChanges for testing
type ChangesBuilder struct {
	changes models.ProposedChanges
}

// NewChangesBuilder creates an empty change set
func NewChangesBuilder() *ChangesBuilder {
	return &ChangesBuilder{}
}

// CreateObject proposes a new custom object
func (b *ChangesBuilder) CreateObject(apiName string) *ChangesBuilder {
	b.changes.Objects = append(b.changes.Objects, models.ObjectChange{Action: models.ActionCreate, APIName: apiName, Label: apiName})
	return b
}

// DeleteObject proposes deleting an object
func (b *ChangesBuilder) DeleteObject(apiName string) *ChangesBuilder {
	b.changes.Objects = append(b.changes.Objects, models.ObjectChange{Action: models.ActionDelete, APIName: apiName})
	return b
}

// CreateField proposes a new field on object
func (b *ChangesBuilder) CreateField(object, apiName, fieldType string) *ChangesBuilder {
	b.changes.Fields = append(b.changes.Fields, models.FieldChange{
		Action: models.ActionCreate, Object: object, APIName: apiName, Type: fieldType,
	})
	return b
}

// ModifyFieldType proposes changing an existing field's type
func (b *ChangesBuilder) ModifyFieldType(object, apiName, from, to string) *ChangesBuilder {
	b.changes.Fields = append(b.changes.Fields, models.FieldChange{
		Action: models.ActionModify, Object: object, APIName: apiName, Type: to, PreviousType: from,
	})
	return b
}

// CreateRelationship proposes a relationship from child to parent
func (b *ChangesBuilder) CreateRelationship(child, parent, field string, kind models.RelationshipKind) *ChangesBuilder {
	b.changes.Relationships = append(b.changes.Relationships, models.RelationshipChange{
		Action: models.ActionCreate, ChildObject: child, ParentObject: parent, FieldName: field, Kind: kind,
	})
	return b
}

// CreateValidationRule proposes a validation rule
func (b *ChangesBuilder) CreateValidationRule(object, name, formula string) *ChangesBuilder {
	b.changes.ValidationRules = append(b.changes.ValidationRules, models.ValidationRuleChange{
		Action: models.ActionCreate, Object: object, Name: name, Formula: formula,
	})
	return b
}

// Build returns a pointer to the constructed change set
func (b *ChangesBuilder) Build() *models.ProposedChanges {
	out := b.changes
	return &out
}
