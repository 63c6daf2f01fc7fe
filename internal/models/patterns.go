package models

import "time"

// MaxPatternExamples bounds the example sample stored with each pattern entry.
const MaxPatternExamples = 5

// PatternCategory names one of the five pattern families of an org analysis.
type PatternCategory string

const (
	PatternCategoryNaming       PatternCategory = "naming"
	PatternCategoryFieldType    PatternCategory = "fieldType"
	PatternCategoryRelationship PatternCategory = "relationship"
	PatternCategoryValidation   PatternCategory = "validation"
	PatternCategoryAutomation   PatternCategory = "automation"
)

// RelationshipKind distinguishes lookup from master-detail relationships.
type RelationshipKind string

const (
	RelationshipLookup       RelationshipKind = "lookup"
	RelationshipMasterDetail RelationshipKind = "master_detail"
)

func (k RelationshipKind) Valid() bool {
	return k == RelationshipLookup || k == RelationshipMasterDetail
}

// PatternSignature identifies a pattern for set-overlap comparisons. Two signatures
// match when their Pattern strings are equal, or when Name and Type both are.
type PatternSignature struct {
	Pattern string `json:"pattern,omitempty"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Matches implements the pattern/name+type equality rule.
func (s PatternSignature) Matches(other PatternSignature) bool {
	if s.Pattern != "" && s.Pattern == other.Pattern {
		return true
	}
	return s.Name != "" && s.Type != "" && s.Name == other.Name && s.Type == other.Type
}

// NamingPattern groups custom field names by naming convention (e.g. snake_case__c).
type NamingPattern struct {
	Pattern    string   `json:"pattern"`
	Frequency  int      `json:"frequency"`
	Confidence float64  `json:"confidence"`
	Examples   []string `json:"examples,omitempty"`
}

// FieldTypePattern maps a semantic bucket of field names to the field type used for it.
type FieldTypePattern struct {
	Semantic   string   `json:"semantic"`
	FieldType  string   `json:"fieldType"`
	Frequency  int      `json:"frequency"`
	Confidence float64  `json:"confidence"`
	Examples   []string `json:"examples,omitempty"`
}

// RelationshipPattern aggregates child->parent relationships of one kind.
type RelationshipPattern struct {
	ParentObject string           `json:"parentObject"`
	ChildObject  string           `json:"childObject"`
	Kind         RelationshipKind `json:"kind"`
	Frequency    int              `json:"frequency"`
	Confidence   float64          `json:"confidence"`
	Examples     []string         `json:"examples,omitempty"`
}

// ValidationPattern groups validation rules by the formula family they use.
type ValidationPattern struct {
	RuleType   string   `json:"ruleType"`
	Frequency  int      `json:"frequency"`
	Confidence float64  `json:"confidence"`
	Examples   []string `json:"examples,omitempty"`
}

// AutomationPattern tallies one automation mechanism (flow, trigger, process builder).
type AutomationPattern struct {
	Kind       string  `json:"kind"`
	Frequency  int     `json:"frequency"`
	Confidence float64 `json:"confidence"`
}

// OrgPatterns is the full result of one pattern analysis. It is regenerated per run
// and always replaced wholesale.
type OrgPatterns struct {
	NamingPatterns       []NamingPattern       `json:"namingPatterns"`
	FieldTypePatterns    []FieldTypePattern    `json:"fieldTypePatterns"`
	RelationshipPatterns []RelationshipPattern `json:"relationshipPatterns"`
	ValidationPatterns   []ValidationPattern   `json:"validationPatterns"`
	AutomationPatterns   []AutomationPattern   `json:"automationPatterns"`
}

// NonEmptyCategories counts how many of the five families have at least one entry.
func (p *OrgPatterns) NonEmptyCategories() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, size := range []int{
		len(p.NamingPatterns),
		len(p.FieldTypePatterns),
		len(p.RelationshipPatterns),
		len(p.ValidationPatterns),
		len(p.AutomationPatterns),
	} {
		if size > 0 {
			n++
		}
	}
	return n
}

// PatternScore is the fraction of the five families that are non-empty.
func (p *OrgPatterns) PatternScore() float64 {
	return float64(p.NonEmptyCategories()) / 5.0
}

// OverallConfidence is the mean naming-pattern confidence, or 0.5 with no naming data.
func (p *OrgPatterns) OverallConfidence() float64 {
	if p == nil || len(p.NamingPatterns) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, np := range p.NamingPatterns {
		sum += np.Confidence
	}
	return sum / float64(len(p.NamingPatterns))
}

// Signatures flattens every entry into comparable signatures.
func (p *OrgPatterns) Signatures() []PatternSignature {
	if p == nil {
		return nil
	}
	out := make([]PatternSignature, 0,
		len(p.NamingPatterns)+len(p.FieldTypePatterns)+len(p.RelationshipPatterns)+
			len(p.ValidationPatterns)+len(p.AutomationPatterns))
	for _, np := range p.NamingPatterns {
		out = append(out, PatternSignature{Pattern: np.Pattern, Name: np.Pattern, Type: string(PatternCategoryNaming)})
	}
	for _, fp := range p.FieldTypePatterns {
		out = append(out, PatternSignature{Pattern: fp.Semantic + ":" + fp.FieldType, Name: fp.Semantic, Type: fp.FieldType})
	}
	for _, rp := range p.RelationshipPatterns {
		out = append(out, PatternSignature{
			Pattern: rp.ChildObject + "->" + rp.ParentObject + ":" + string(rp.Kind),
			Name:    rp.ChildObject + "->" + rp.ParentObject,
			Type:    string(rp.Kind),
		})
	}
	for _, vp := range p.ValidationPatterns {
		out = append(out, PatternSignature{Pattern: vp.RuleType, Name: vp.RuleType, Type: string(PatternCategoryValidation)})
	}
	for _, ap := range p.AutomationPatterns {
		out = append(out, PatternSignature{Pattern: ap.Kind, Name: ap.Kind, Type: string(PatternCategoryAutomation)})
	}
	return out
}

// FrequencyConfidence maps a pattern frequency to a deliberately coarse confidence.
func FrequencyConfidence(frequency int) float64 {
	switch {
	case frequency >= 10:
		return 0.95
	case frequency >= 5:
		return 0.85
	case frequency >= 3:
		return 0.70
	case frequency >= 2:
		return 0.50
	default:
		return 0.30
	}
}

// PatternAnalysis is the persisted record of one analysis run for a ticket.
type PatternAnalysis struct {
	TicketID          string      `json:"ticketId"`
	OrgID             string      `json:"orgId"`
	Patterns          OrgPatterns `json:"patterns"`
	PatternScore      float64     `json:"patternScore"`
	OverallConfidence float64     `json:"overallConfidence"`
	AnalyzedAt        time.Time   `json:"analyzedAt"`
}
