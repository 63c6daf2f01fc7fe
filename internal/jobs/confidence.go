package jobs

import (
	"fmt"
	"sort"

	"github.com/configpilot/configpilot/internal/models"
)

// Complexity weights per proposed component.
const (
	objectComplexity     = 3.0
	fieldComplexity      = 1.0
	relationComplexity   = 2.0
	validationComplexity = 1.5
	complexityCeiling    = 20.0
)

// AggregateConfidence combines pattern consistency, recommendation confidence, the
// conflict penalty and change complexity into one score with an explanation per factor.
func AggregateConfidence(patterns *models.OrgPatterns, recs []models.Recommendation, conflicts []models.Conflict, changes *models.ProposedChanges) models.ConfidenceSummary {
	var weighted, weights float64
	factors := make([]string, 0, 4)

	consistency, buckets := patternConsistency(patterns)
	cw := consistencyWeight(consistency)
	weighted += consistency * cw
	weights += cw
	factors = append(factors, fmt.Sprintf("pattern consistency %.2f across %d buckets (weight %.1f)", consistency, buckets, cw))

	meanRec := 0.5
	if len(recs) > 0 {
		sum := 0.0
		for _, r := range recs {
			sum += r.Confidence
		}
		meanRec = sum / float64(len(recs))
		factors = append(factors, fmt.Sprintf("mean recommendation confidence %.2f over %d recommendations", meanRec, len(recs)))
	} else {
		factors = append(factors, "no recommendations, neutral confidence 0.50")
	}
	weighted += meanRec
	weights++

	serious := 0
	for _, c := range conflicts {
		if c.Severity == models.SeverityCritical || c.Severity == models.SeverityHigh {
			serious++
		}
	}
	penalty := conflictPenalty(serious)
	weighted += penalty
	weights++
	factors = append(factors, fmt.Sprintf("%d critical or high conflicts (contribution %.1f)", serious, penalty))

	complexity := changeComplexity(changes)
	simplicity := 1 - complexity
	weighted += simplicity * 0.5
	weights += 0.5
	factors = append(factors, fmt.Sprintf("change complexity %.2f (contribution %.2f, weight 0.5)", complexity, simplicity))

	return models.ConfidenceSummary{
		Overall: models.Clamp(weighted/weights, 0, 1),
		Factors: factors,
	}
}

func patternConsistency(p *models.OrgPatterns) (float64, int) {
	if p == nil {
		return 0.5, 0
	}
	n := len(p.NamingPatterns) + len(p.FieldTypePatterns)
	if n == 0 {
		return 0.5, 0
	}
	sum := 0.0
	for _, np := range p.NamingPatterns {
		sum += np.Confidence
	}
	for _, fp := range p.FieldTypePatterns {
		sum += fp.Confidence
	}
	return sum / float64(n), n
}

func consistencyWeight(c float64) float64 {
	switch {
	case c > 0.8:
		return 2
	case c > 0.5:
		return 1
	default:
		return 0.5
	}
}

func conflictPenalty(serious int) float64 {
	switch {
	case serious == 0:
		return 1.0
	case serious <= 2:
		return 0.5
	default:
		return 0.2
	}
}

// changeComplexity normalizes the weighted size of a change set to [0,1].
func changeComplexity(changes *models.ProposedChanges) float64 {
	if changes.IsEmpty() {
		return 0
	}
	raw := float64(len(changes.Objects))*objectComplexity +
		float64(len(changes.Fields))*fieldComplexity +
		float64(len(changes.Relationships))*relationComplexity +
		float64(len(changes.ValidationRules))*validationComplexity
	return models.Clamp(raw/complexityCeiling, 0, 1)
}

// DiffRecommendations compares two sets by id. Modified entries carry the new values.
func DiffRecommendations(previous, current []models.Recommendation) models.RecommendationChanges {
	out := models.RecommendationChanges{
		Added:    []models.Recommendation{},
		Removed:  []models.Recommendation{},
		Modified: []models.Recommendation{},
	}
	before := make(map[string]models.Recommendation, len(previous))
	for _, r := range previous {
		before[r.ID] = r
	}
	seen := make(map[string]bool, len(current))
	for _, r := range current {
		seen[r.ID] = true
		old, ok := before[r.ID]
		switch {
		case !ok:
			out.Added = append(out.Added, r.Clone())
		case old.MateriallyDiffers(r):
			out.Modified = append(out.Modified, r.Clone())
		}
	}
	for _, r := range previous {
		if !seen[r.ID] {
			out.Removed = append(out.Removed, r.Clone())
		}
	}
	sort.SliceStable(out.Removed, func(i, j int) bool { return out.Removed[i].ID < out.Removed[j].ID })
	return out
}
