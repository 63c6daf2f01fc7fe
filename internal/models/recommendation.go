package models

import (
	"strings"
	"unicode"
)

// RecommendationType identifies which pattern family produced a recommendation.
type RecommendationType string

const (
	RecommendationTypeNaming       RecommendationType = "naming"
	RecommendationTypeFieldType    RecommendationType = "fieldType"
	RecommendationTypeRelationship RecommendationType = "relationship"
	RecommendationTypeValidation   RecommendationType = "validation"
	RecommendationTypeAutomation   RecommendationType = "automation"
	RecommendationTypeConflict     RecommendationType = "conflict"
)

// ValidRecommendationTypes returns every known recommendation type.
func ValidRecommendationTypes() []RecommendationType {
	return []RecommendationType{
		RecommendationTypeNaming,
		RecommendationTypeFieldType,
		RecommendationTypeRelationship,
		RecommendationTypeValidation,
		RecommendationTypeAutomation,
		RecommendationTypeConflict,
	}
}

// Valid reports whether t is one of the known recommendation types
func (t RecommendationType) Valid() bool {
	for _, known := range ValidRecommendationTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Category is the presentation level of a recommendation.
type Category string

const (
	CategorySuggestion Category = "suggestion"
	CategoryWarning    Category = "warning"
	CategoryError      Category = "error"
)

func (c Category) Valid() bool {
	switch c {
	case CategorySuggestion, CategoryWarning, CategoryError:
		return true
	}
	return false
}

// Impact estimates the blast radius of acting (or not acting) on a recommendation.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// Recommendation is a scored, categorized suggestion produced for a ticket.
// Values are treated as immutable; adjustments return a modified copy.
type Recommendation struct {
	ID             string             `json:"id" validate:"required"`
	Type           RecommendationType `json:"type"`
	Category       Category           `json:"category"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	Rationale      string             `json:"rationale"`
	Confidence     float64            `json:"confidence" validate:"gte=0,lte=1"`
	Impact         Impact             `json:"impact,omitempty"`
	Examples       []string           `json:"examples,omitempty"`
	RelatedChanges []Recommendation   `json:"relatedChanges,omitempty"`
}

// WithConfidence returns a copy of r with its confidence clamped to [0,1].
func (r Recommendation) WithConfidence(confidence float64) Recommendation {
	r.Confidence = Clamp(confidence, 0, 1)
	return r
}

// Clone returns a deep copy so callers can adjust fields without aliasing slices.
func (r Recommendation) Clone() Recommendation {
	out := r
	if r.Examples != nil {
		out.Examples = append([]string(nil), r.Examples...)
	}
	if r.RelatedChanges != nil {
		out.RelatedChanges = make([]Recommendation, len(r.RelatedChanges))
		for i, rel := range r.RelatedChanges {
			out.RelatedChanges[i] = rel.Clone()
		}
	}
	return out
}

// MateriallyDiffers reports whether two recommendations with the same id differ in a
// way that should surface as a modification.
func (r Recommendation) MateriallyDiffers(other Recommendation) bool {
	return r.Confidence != other.Confidence ||
		r.Description != other.Description ||
		r.Impact != other.Impact
}

// CloneRecommendations deep-copies a recommendation slice.
func CloneRecommendations(recs []Recommendation) []Recommendation {
	if recs == nil {
		return nil
	}
	out := make([]Recommendation, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}

// FindRecommendation returns the recommendation with the given id.
func FindRecommendation(recs []Recommendation, id string) (Recommendation, bool) {
	for _, rec := range recs {
		if rec.ID == id {
			return rec, true
		}
	}
	return Recommendation{}, false
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RecommendationID builds a stable, semantic id from a type and subject parts, so the
// same finding keeps its id across recalculation cycles.
func RecommendationID(t RecommendationType, parts ...string) string {
	return string(t) + "-" + Slugify(strings.Join(parts, " "))
}

// Slugify lowercases input and collapses any non-alphanumeric run into a single dash.
func Slugify(input string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(input)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "item"
	}
	return out
}
