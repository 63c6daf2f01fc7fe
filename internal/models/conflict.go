package models

import (
	"fmt"
	"strings"
)

// Severity ranks how badly a conflict blocks a proposed change.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ConflictType classifies a conflict.
type ConflictType string

const (
	ConflictDuplicate  ConflictType = "duplicate"
	ConflictDependency ConflictType = "dependency"
	ConflictCircular   ConflictType = "circular"
	ConflictNaming     ConflictType = "naming"
	ConflictReserved   ConflictType = "reserved"
)

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictDuplicate, ConflictDependency, ConflictCircular, ConflictNaming, ConflictReserved:
		return true
	}
	return false
}

// ConflictConfidence is fixed: conflict detection is rule based, not probabilistic.
const ConflictConfidence = 0.95

// Conflict is a detected incompatibility between a proposed change and existing
// metadata or another proposal. Conflicts are transient and become recommendations.
type Conflict struct {
	Severity           Severity     `json:"severity"`
	Type               ConflictType `json:"type"`
	AffectedComponents []string     `json:"affectedComponents"`
	Message            string       `json:"message"`
	Details            string       `json:"details,omitempty"`
	Resolution         string       `json:"resolution"`
}

// Validate rejects conflicts that cannot be acted upon.
func (c Conflict) Validate() error {
	if !c.Severity.Valid() {
		return fmt.Errorf("%w: invalid severity %q", ErrMalformedConflict, c.Severity)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: invalid type %q", ErrMalformedConflict, c.Type)
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: empty message", ErrMalformedConflict)
	}
	if strings.TrimSpace(c.Resolution) == "" {
		return fmt.Errorf("%w: %s conflict on %v has no resolution", ErrMalformedConflict, c.Type, c.AffectedComponents)
	}
	return nil
}

// ID is stable for the same conflict across cycles.
func (c Conflict) ID() string {
	return RecommendationID(RecommendationTypeConflict, append([]string{string(c.Type)}, c.AffectedComponents...)...)
}

// CategoryForSeverity maps critical->error, high->warning and everything else to suggestion.
func CategoryForSeverity(s Severity) Category {
	switch s {
	case SeverityCritical:
		return CategoryError
	case SeverityHigh:
		return CategoryWarning
	default:
		return CategorySuggestion
	}
}

// ImpactForSeverity maps severity to impact.
func ImpactForSeverity(s Severity) Impact {
	switch s {
	case SeverityCritical, SeverityHigh:
		return ImpactHigh
	case SeverityMedium:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// ToRecommendation converts the conflict into a conflict-typed recommendation.
func (c Conflict) ToRecommendation() Recommendation {
	rationale := c.Details
	if rationale == "" {
		rationale = fmt.Sprintf("%s conflict detected by rule-based analysis", c.Type)
	}
	return Recommendation{
		ID:          c.ID(),
		Type:        RecommendationTypeConflict,
		Category:    CategoryForSeverity(c.Severity),
		Title:       c.Message,
		Description: c.Resolution,
		Rationale:   rationale,
		Confidence:  ConflictConfidence,
		Impact:      ImpactForSeverity(c.Severity),
		Examples:    append([]string(nil), c.AffectedComponents...),
	}
}

// ConflictsToRecommendations converts a slice of conflicts.
func ConflictsToRecommendations(conflicts []Conflict) []Recommendation {
	out := make([]Recommendation, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, c.ToRecommendation())
	}
	return out
}
