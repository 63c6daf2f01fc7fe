package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/llm"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/utils"
)

const recommendationPrompt = `Review the proposed Salesforce configuration changes of ticket %s against the org's existing patterns.
Return recommendations for naming, field types, relationships, validation and automation.
Each item: {"id","type","category","title","description","rationale","confidence","impact","examples"}.
Allowed types: naming, fieldType, relationship, validation, automation.
Allowed categories: suggestion, warning, error.`

// GenerateRequest is the input of one recommendation run.
type GenerateRequest struct {
	TicketID        string
	OrgID           string
	ProposedChanges *models.ProposedChanges
	Patterns        *models.OrgPatterns
}

// RecommendationService combines pattern rules and generated reasoning into recommendations.
type RecommendationService struct {
	generator llm.Generator
	log       *zap.Logger
}

// NewRecommendationService creates the engine. generator may be nil for rule-only output.
func NewRecommendationService(generator llm.Generator, log *zap.Logger) *RecommendationService {
	return &RecommendationService{generator: generator, log: logging.OrNop(log)}
}

// GenerateRecommendations returns deduplicated, ordered recommendations. Malformed
// generator output contributes nothing; a generator error fails with ErrCollaboratorFailure.
func (s *RecommendationService) GenerateRecommendations(ctx context.Context, req GenerateRequest) ([]models.Recommendation, error) {
	candidates := make([]models.Recommendation, 0, 16)
	mappers := []func(GenerateRequest) []models.Recommendation{
		namingRecommendations,
		fieldTypeRecommendations,
		relationshipRecommendations,
		validationRecommendations,
		automationRecommendations,
	}
	for _, mapper := range mappers {
		candidates = append(candidates, mapper(req)...)
	}

	if s.generator != nil && !req.ProposedChanges.IsEmpty() {
		generated, err := s.generate(ctx, req)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, generated...)
	}

	out := dedupeRecommendations(candidates)
	sortRecommendations(out)
	return out, nil
}

func (s *RecommendationService) generate(ctx context.Context, req GenerateRequest) ([]models.Recommendation, error) {
	promptContext := map[string]interface{}{
		"ticketId":        req.TicketID,
		"orgId":           req.OrgID,
		"proposedChanges": req.ProposedChanges,
		"patterns":        req.Patterns,
	}
	raw, err := s.generator.Generate(ctx, fmt.Sprintf(recommendationPrompt, req.TicketID), promptContext)
	if errors.Is(err, llm.ErrNotConfigured) {
		s.log.Debug("text generator not configured, using pattern rules only", zap.String("ticket_id", req.TicketID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: generate recommendations: %v", models.ErrCollaboratorFailure, err)
	}

	recs, dropped := ParseGeneratedRecommendations(raw)
	if len(recs) == 0 && dropped == 0 && strings.TrimSpace(raw) != "" {
		s.log.Warn("generator output contained no recommendations",
			zap.String("ticket_id", req.TicketID),
			zap.String("output", utils.EscapeForLogging(raw, 300)))
	}
	if dropped > 0 {
		s.log.Warn("dropped malformed generated recommendations",
			zap.String("ticket_id", req.TicketID),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(recs)))
	}
	return recs, nil
}

type generatedRecommendation struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Rationale   string      `json:"rationale"`
	Confidence  json.Number `json:"confidence"`
	Impact      string      `json:"impact"`
	Examples    []string    `json:"examples"`
}

// ParseGeneratedRecommendations extracts recommendations from generator text. It
// accepts a bare JSON array, one wrapped in prose or code fences, or an object with a
// "recommendations" array. Items with unknown types or no title are dropped and
// counted; unparseable text yields nothing.
func ParseGeneratedRecommendations(raw string) ([]models.Recommendation, int) {
	items, ok := extractItems(raw)
	if !ok {
		return nil, 0
	}

	out := make([]models.Recommendation, 0, len(items))
	dropped := 0
	for _, item := range items {
		var g generatedRecommendation
		if err := json.Unmarshal(item, &g); err != nil {
			dropped++
			continue
		}
		rec, ok := g.toRecommendation()
		if !ok {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

func extractItems(raw string) ([]json.RawMessage, bool) {
	text := strings.TrimSpace(raw)
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err == nil {
		return items, true
	}
	var wrapped struct {
		Recommendations []json.RawMessage `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Recommendations != nil {
		return wrapped.Recommendations, true
	}
	start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, false
	}
	return items, true
}

func (g generatedRecommendation) toRecommendation() (models.Recommendation, bool) {
	recType := models.RecommendationType(strings.TrimSpace(g.Type))
	title := utils.CleanLine(g.Title, utils.MaxTitleLength)
	if !recType.Valid() || recType == models.RecommendationTypeConflict || title == "" {
		return models.Recommendation{}, false
	}

	category := models.Category(strings.ToLower(strings.TrimSpace(g.Category)))
	if !category.Valid() {
		category = models.CategorySuggestion
	}
	impact := models.Impact(strings.ToLower(strings.TrimSpace(g.Impact)))
	if !impact.Valid() {
		impact = ""
	}
	confidence := 0.5
	if g.Confidence != "" {
		if v, err := g.Confidence.Float64(); err == nil {
			confidence = v
		}
	}
	id := strings.TrimSpace(g.ID)
	if id == "" {
		id = models.RecommendationID(recType, title)
	}

	rec := models.Recommendation{
		ID:          id,
		Type:        recType,
		Category:    category,
		Title:       title,
		Description: utils.CleanText(g.Description, utils.MaxDescriptionLength),
		Rationale:   utils.CleanText(g.Rationale, utils.MaxDescriptionLength),
		Impact:      impact,
		Examples:    utils.CleanList(g.Examples, utils.MaxExamples, utils.MaxExampleLength),
	}
	return rec.WithConfidence(confidence), true
}

func dedupeRecommendations(items []models.Recommendation) []models.Recommendation {
	seen := make(map[string]models.Recommendation, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		if existing, ok := seen[id]; ok {
			seen[id] = mergeRecommendation(existing, item)
			continue
		}
		seen[id] = item
		order = append(order, id)
	}
	out := make([]models.Recommendation, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out
}

// mergeRecommendation keeps a and fills its blanks from b. Rule output comes first in
// the candidate list, so pattern-derived values win over generated ones.
func mergeRecommendation(a, b models.Recommendation) models.Recommendation {
	if strings.TrimSpace(a.Description) == "" {
		a.Description = b.Description
	}
	if strings.TrimSpace(a.Rationale) == "" {
		a.Rationale = b.Rationale
	}
	if a.Impact == "" {
		a.Impact = b.Impact
	}
	if len(a.Examples) == 0 {
		a.Examples = b.Examples
	}
	return a
}

func categoryRank(c models.Category) int {
	switch c {
	case models.CategoryError:
		return 3
	case models.CategoryWarning:
		return 2
	default:
		return 1
	}
}

func impactRank(i models.Impact) int {
	switch i {
	case models.ImpactHigh:
		return 3
	case models.ImpactMedium:
		return 2
	case models.ImpactLow:
		return 1
	default:
		return 0
	}
}

func sortRecommendations(items []models.Recommendation) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if categoryRank(a.Category) != categoryRank(b.Category) {
			return categoryRank(a.Category) > categoryRank(b.Category)
		}
		if impactRank(a.Impact) != impactRank(b.Impact) {
			return impactRank(a.Impact) > impactRank(b.Impact)
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
}

// dominantNaming returns the most frequent naming bucket when it is trustworthy.
func dominantNaming(p *models.OrgPatterns) (models.NamingPattern, bool) {
	if p == nil || len(p.NamingPatterns) == 0 {
		return models.NamingPattern{}, false
	}
	best := p.NamingPatterns[0]
	for _, np := range p.NamingPatterns[1:] {
		if np.Frequency > best.Frequency {
			best = np
		}
	}
	return best, best.Frequency >= 2 && best.Confidence >= 0.5
}

// convertName rewrites base into the given convention, e.g. "customerEmail" to
// "Customer_Email" for snake_case.
func convertName(base, convention string) string {
	tokens := nameTokens(base)
	if len(tokens) == 0 {
		return base
	}
	switch convention {
	case NamingSnakeCase:
		for i, t := range tokens {
			tokens[i] = titleWord(t)
		}
		return strings.Join(tokens, "_")
	case NamingPascalCase:
		for i, t := range tokens {
			tokens[i] = titleWord(t)
		}
		return strings.Join(tokens, "")
	case NamingLowercase:
		return strings.Join(tokens, "")
	default:
		return base
	}
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}

func namingRecommendations(req GenerateRequest) []models.Recommendation {
	dominant, ok := dominantNaming(req.Patterns)
	if !ok || req.ProposedChanges == nil {
		return nil
	}
	convention := strings.TrimSuffix(dominant.Pattern, customSuffix)

	var out []models.Recommendation
	check := func(component, apiName string) {
		if !strings.HasSuffix(apiName, customSuffix) || namingBucket(apiName) == dominant.Pattern {
			return
		}
		suggested := convertName(baseName(apiName), convention) + customSuffix
		if suggested == apiName {
			return
		}
		out = append(out, models.Recommendation{
			ID:          models.RecommendationID(models.RecommendationTypeNaming, component),
			Type:        models.RecommendationTypeNaming,
			Category:    models.CategorySuggestion,
			Title:       fmt.Sprintf("Use %s naming for %s", convention, component),
			Description: fmt.Sprintf("Rename %s to %s to match the org convention.", apiName, suggested),
			Rationale:   fmt.Sprintf("%d existing custom fields follow %s.", dominant.Frequency, dominant.Pattern),
			Confidence:  dominant.Confidence,
			Impact:      models.ImpactLow,
			Examples:    append([]string(nil), dominant.Examples...),
		})
	}
	for _, o := range req.ProposedChanges.Objects {
		if o.Action == models.ActionCreate {
			check(o.APIName, o.APIName)
		}
	}
	for _, f := range req.ProposedChanges.Fields {
		if f.Action == models.ActionCreate {
			check(fieldRef(f.Object, f.APIName), f.APIName)
		}
	}
	return out
}

func fieldTypeRecommendations(req GenerateRequest) []models.Recommendation {
	if req.Patterns == nil || req.ProposedChanges == nil {
		return nil
	}
	dominant := make(map[string]models.FieldTypePattern)
	for _, fp := range req.Patterns.FieldTypePatterns {
		if fp.Semantic == SemanticGeneral {
			continue
		}
		if cur, ok := dominant[fp.Semantic]; !ok || fp.Frequency > cur.Frequency {
			dominant[fp.Semantic] = fp
		}
	}

	var out []models.Recommendation
	for _, f := range req.ProposedChanges.Fields {
		if f.Action == models.ActionDelete || f.Type == "" {
			continue
		}
		semantic := semanticBucket(f.APIName)
		fp, ok := dominant[semantic]
		if !ok || fp.Frequency < 2 || strings.EqualFold(fp.FieldType, f.Type) {
			continue
		}
		component := fieldRef(f.Object, f.APIName)
		out = append(out, models.Recommendation{
			ID:          models.RecommendationID(models.RecommendationTypeFieldType, component),
			Type:        models.RecommendationTypeFieldType,
			Category:    models.CategorySuggestion,
			Title:       fmt.Sprintf("Consider type %s for %s", fp.FieldType, component),
			Description: fmt.Sprintf("%s is proposed as %s, but %s fields in this org are usually %s.", f.APIName, strings.ToLower(f.Type), semantic, fp.FieldType),
			Rationale:   fmt.Sprintf("%d %s fields use type %s.", fp.Frequency, semantic, fp.FieldType),
			Confidence:  fp.Confidence,
			Impact:      models.ImpactMedium,
			Examples:    append([]string(nil), fp.Examples...),
		})
	}
	return out
}

func relationshipRecommendations(req GenerateRequest) []models.Recommendation {
	if req.Patterns == nil || req.ProposedChanges == nil {
		return nil
	}
	var out []models.Recommendation
	for _, r := range req.ProposedChanges.Relationships {
		// A relationship without a kind has nothing to compare against.
		if r.Action != models.ActionCreate || !r.Kind.Valid() {
			continue
		}
		counts := make(map[models.RelationshipKind]int)
		var examples []string
		for _, rp := range req.Patterns.RelationshipPatterns {
			if strings.EqualFold(rp.ParentObject, r.ParentObject) {
				counts[rp.Kind] += rp.Frequency
				examples = append(examples, rp.Examples...)
			}
		}
		other := models.RelationshipLookup
		if r.Kind == models.RelationshipLookup {
			other = models.RelationshipMasterDetail
		}
		if counts[other] < 2 || counts[other] <= counts[r.Kind] {
			continue
		}
		if len(examples) > models.MaxPatternExamples {
			examples = examples[:models.MaxPatternExamples]
		}
		component := fieldRef(r.ChildObject, r.FieldName)
		out = append(out, models.Recommendation{
			ID:          models.RecommendationID(models.RecommendationTypeRelationship, component),
			Type:        models.RecommendationTypeRelationship,
			Category:    models.CategoryWarning,
			Title:       fmt.Sprintf("Relationships to %s are usually %s", r.ParentObject, other),
			Description: fmt.Sprintf("%s is proposed as %s; %d existing relationships to %s use %s.", component, r.Kind, counts[other], r.ParentObject, other),
			Rationale:   "Mixing relationship kinds to the same parent changes sharing and deletion behaviour.",
			Confidence:  models.FrequencyConfidence(counts[other]),
			Impact:      models.ImpactHigh,
			Examples:    examples,
		})
	}
	return out
}

func validationRecommendations(req GenerateRequest) []models.Recommendation {
	if req.Patterns == nil || req.ProposedChanges == nil {
		return nil
	}
	var required *models.ValidationPattern
	for i := range req.Patterns.ValidationPatterns {
		if req.Patterns.ValidationPatterns[i].RuleType == ValidationRequiredField {
			required = &req.Patterns.ValidationPatterns[i]
		}
	}
	if required == nil || required.Frequency < 3 {
		return nil
	}

	withRules := make(map[string]bool)
	for _, v := range req.ProposedChanges.ValidationRules {
		withRules[strings.ToLower(v.Object)] = true
	}
	var out []models.Recommendation
	for _, o := range req.ProposedChanges.Objects {
		if o.Action != models.ActionCreate || withRules[strings.ToLower(o.APIName)] {
			continue
		}
		out = append(out, models.Recommendation{
			ID:          models.RecommendationID(models.RecommendationTypeValidation, o.APIName),
			Type:        models.RecommendationTypeValidation,
			Category:    models.CategorySuggestion,
			Title:       fmt.Sprintf("Add required-field validation to %s", o.APIName),
			Description: fmt.Sprintf("%s has no validation rules; the org commonly guards key fields with ISBLANK checks.", o.APIName),
			Rationale:   fmt.Sprintf("%d required-field validation rules exist in the org.", required.Frequency),
			Confidence:  models.Clamp(required.Confidence*0.8, 0, 1),
			Impact:      models.ImpactMedium,
			Examples:    append([]string(nil), required.Examples...),
		})
	}
	return out
}

func automationRecommendations(req GenerateRequest) []models.Recommendation {
	if req.Patterns == nil || req.ProposedChanges == nil || len(req.Patterns.AutomationPatterns) == 0 {
		return nil
	}
	best := req.Patterns.AutomationPatterns[0]
	for _, ap := range req.Patterns.AutomationPatterns[1:] {
		if ap.Frequency > best.Frequency {
			best = ap
		}
	}
	if best.Frequency < 2 {
		return nil
	}

	var out []models.Recommendation
	for _, o := range req.ProposedChanges.Objects {
		if o.Action != models.ActionCreate {
			continue
		}
		out = append(out, models.Recommendation{
			ID:          models.RecommendationID(models.RecommendationTypeAutomation, o.APIName),
			Type:        models.RecommendationTypeAutomation,
			Category:    models.CategorySuggestion,
			Title:       fmt.Sprintf("Automate %s with %s", o.APIName, strings.ReplaceAll(best.Kind, "_", " ")),
			Description: fmt.Sprintf("Keep automation for %s consistent with the org's preferred mechanism (%s).", o.APIName, best.Kind),
			Rationale:   fmt.Sprintf("The org has %d %s automations.", best.Frequency, best.Kind),
			Confidence:  models.Clamp(best.Confidence*0.7, 0, 1),
			Impact:      models.ImpactLow,
		})
	}
	return out
}
