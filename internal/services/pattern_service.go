package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/metadata"
	"github.com/configpilot/configpilot/internal/models"
)

// describeConcurrency bounds parallel describeObject calls during one analysis.
const describeConcurrency = 8

// PatternService derives OrgPatterns from an org's metadata.
type PatternService struct {
	metadata metadata.Client
	repo     AnalysisRepository
	log      *zap.Logger
	now      func() time.Time
}

// NewPatternService creates a pattern analyzer. repo may be nil, in which case
// analyses are not persisted.
func NewPatternService(client metadata.Client, repo AnalysisRepository, log *zap.Logger) *PatternService {
	return &PatternService{
		metadata: client,
		repo:     repo,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// AnalyzeOrgPatterns runs a full analysis of the org and persists it under ticketID.
// Any describe failure aborts with ErrMetadataUnavailable; automation detection is
// best-effort and degrades to zero counts.
func (s *PatternService) AnalyzeOrgPatterns(ctx context.Context, orgID, ticketID string) (*models.OrgPatterns, error) {
	global, err := s.metadata.DescribeGlobal(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: describe global for org %s: %v", models.ErrMetadataUnavailable, orgID, err)
	}

	var customObjects []string
	for _, obj := range global.SObjects {
		if obj.Custom || strings.HasSuffix(obj.Name, customSuffix) {
			customObjects = append(customObjects, obj.Name)
		}
	}

	describes := make([]*metadata.ObjectDescribe, len(customObjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for i, name := range customObjects {
		g.Go(func() error {
			desc, err := s.metadata.DescribeObject(gctx, orgID, name)
			if err != nil {
				return fmt.Errorf("%w: describe %s: %v", models.ErrMetadataUnavailable, name, err)
			}
			describes[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	patterns := buildPatterns(describes)
	patterns.AutomationPatterns = s.detectAutomation(ctx, orgID)

	if s.repo != nil {
		analysis := &models.PatternAnalysis{
			TicketID:          ticketID,
			OrgID:             orgID,
			Patterns:          *patterns,
			PatternScore:      patterns.PatternScore(),
			OverallConfidence: patterns.OverallConfidence(),
			AnalyzedAt:        s.now(),
		}
		if err := s.repo.SaveAnalysis(ctx, analysis); err != nil {
			return nil, fmt.Errorf("failed to persist pattern analysis: %w", err)
		}
	}

	s.log.Info("analyzed org patterns",
		zap.String("org_id", orgID),
		zap.String("ticket_id", ticketID),
		zap.Int("objects", len(describes)),
		zap.Int("naming_patterns", len(patterns.NamingPatterns)),
		zap.Int("field_type_patterns", len(patterns.FieldTypePatterns)),
		zap.Float64("pattern_score", patterns.PatternScore()))

	return patterns, nil
}

// LatestPatterns returns the most recently persisted patterns for ticketID, or nil.
func (s *PatternService) LatestPatterns(ctx context.Context, ticketID string) (*models.OrgPatterns, error) {
	if s.repo == nil {
		return nil, nil
	}
	analysis, err := s.repo.LatestAnalysis(ctx, ticketID)
	if err != nil || analysis == nil {
		return nil, err
	}
	patterns := analysis.Patterns
	return &patterns, nil
}

func (s *PatternService) detectAutomation(ctx context.Context, orgID string) []models.AutomationPattern {
	kinds := []struct {
		kind         string
		metadataType string
	}{
		{"flow", metadata.TypeFlow},
		{"apex_trigger", metadata.TypeApexTrigger},
		{"process_builder", metadata.TypeProcessBuilder},
	}

	var out []models.AutomationPattern
	for _, k := range kinds {
		items, err := s.metadata.ListMetadata(ctx, orgID, k.metadataType)
		if err != nil {
			s.log.Warn("automation detection failed, counting zero",
				zap.String("org_id", orgID),
				zap.String("metadata_type", k.metadataType),
				zap.Error(err))
			continue
		}
		if len(items) == 0 {
			continue
		}
		out = append(out, models.AutomationPattern{
			Kind:       k.kind,
			Frequency:  len(items),
			Confidence: models.FrequencyConfidence(len(items)),
		})
	}
	return out
}

// tally accumulates frequency and a bounded example sample per key.
type tally struct {
	order  []string
	counts map[string]int
	sample map[string][]string
}

func newTally() *tally {
	return &tally{counts: make(map[string]int), sample: make(map[string][]string)}
}

func (t *tally) add(key, example string) {
	if _, ok := t.counts[key]; !ok {
		t.order = append(t.order, key)
	}
	t.counts[key]++
	if example != "" && len(t.sample[key]) < models.MaxPatternExamples {
		t.sample[key] = append(t.sample[key], example)
	}
}

// sortedKeys orders keys by descending frequency, then key.
func (t *tally) sortedKeys() []string {
	keys := append([]string(nil), t.order...)
	sort.SliceStable(keys, func(i, j int) bool {
		if t.counts[keys[i]] != t.counts[keys[j]] {
			return t.counts[keys[i]] > t.counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// buildPatterns aggregates naming, field-type, relationship and validation patterns
// from object describes.
func buildPatterns(describes []*metadata.ObjectDescribe) *models.OrgPatterns {
	naming := newTally()
	fieldTypes := newTally()
	relationships := newTally()
	validations := newTally()
	relKeys := make(map[string]models.RelationshipPattern)

	for _, obj := range describes {
		if obj == nil {
			continue
		}
		for _, field := range obj.Fields {
			if !field.IsCustom() {
				continue
			}
			naming.add(namingBucket(field.Name), field.Name)
			fieldTypes.add(semanticBucket(field.Name)+"|"+strings.ToLower(field.Type), field.Name)

			if field.IsReference() {
				kind := models.RelationshipLookup
				if field.CascadeDelete {
					kind = models.RelationshipMasterDetail
				}
				parent := field.ReferenceTo[0]
				key := obj.Name + "->" + parent + "|" + string(kind)
				relationships.add(key, obj.Name+"."+field.Name)
				relKeys[key] = models.RelationshipPattern{ParentObject: parent, ChildObject: obj.Name, Kind: kind}
			}
		}
		for _, rule := range obj.ValidationRules {
			validations.add(validationFamily(rule.Formula), obj.Name+"."+rule.Name)
		}
	}

	patterns := &models.OrgPatterns{}
	for _, key := range naming.sortedKeys() {
		patterns.NamingPatterns = append(patterns.NamingPatterns, models.NamingPattern{
			Pattern:    key,
			Frequency:  naming.counts[key],
			Confidence: models.FrequencyConfidence(naming.counts[key]),
			Examples:   naming.sample[key],
		})
	}
	for _, key := range fieldTypes.sortedKeys() {
		semantic, fieldType, _ := strings.Cut(key, "|")
		patterns.FieldTypePatterns = append(patterns.FieldTypePatterns, models.FieldTypePattern{
			Semantic:   semantic,
			FieldType:  fieldType,
			Frequency:  fieldTypes.counts[key],
			Confidence: models.FrequencyConfidence(fieldTypes.counts[key]),
			Examples:   fieldTypes.sample[key],
		})
	}
	for _, key := range relationships.sortedKeys() {
		rp := relKeys[key]
		rp.Frequency = relationships.counts[key]
		rp.Confidence = models.FrequencyConfidence(rp.Frequency)
		rp.Examples = relationships.sample[key]
		patterns.RelationshipPatterns = append(patterns.RelationshipPatterns, rp)
	}
	for _, key := range validations.sortedKeys() {
		patterns.ValidationPatterns = append(patterns.ValidationPatterns, models.ValidationPattern{
			RuleType:   key,
			Frequency:  validations.counts[key],
			Confidence: models.FrequencyConfidence(validations.counts[key]),
			Examples:   validations.sample[key],
		})
	}
	return patterns
}
