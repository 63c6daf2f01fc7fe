package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/metadata"
	"github.com/configpilot/configpilot/internal/models"
)

// ConflictRules holds the name lists the detector treats as reserved. The yaml tags
// match the heuristics file loaded by config.LoadConflictRules.
type ConflictRules struct {
	StandardObjects []string `yaml:"standard_objects"`
	StandardFields  []string `yaml:"standard_fields"`
	MaxNameLength   int      `yaml:"max_name_length"`
}

// DefaultConflictRules returns the built-in reserved names.
func DefaultConflictRules() ConflictRules {
	return ConflictRules{
		StandardObjects: []string{
			"Account", "Contact", "Lead", "Opportunity", "Case", "Campaign", "Contract",
			"Order", "Product2", "Pricebook2", "Quote", "Task", "Event", "User", "Asset",
			"Solution", "Idea", "Document", "Note", "Attachment", "Report", "Dashboard",
		},
		StandardFields: []string{
			"Id", "Name", "OwnerId", "CreatedDate", "CreatedById", "LastModifiedDate",
			"LastModifiedById", "SystemModstamp", "IsDeleted", "RecordTypeId", "CurrencyIsoCode",
		},
		MaxNameLength: 40,
	}
}

// InFlightChange is a change set proposed by another open ticket of the same org.
type InFlightChange struct {
	TicketID string
	Changes  *models.ProposedChanges
}

// ExistingMetadata is the org state proposals are checked against. Objects without a
// describe (standard objects only listed by the global describe) carry no fields.
type ExistingMetadata struct {
	Objects  map[string]metadata.ObjectDescribe
	InFlight []InFlightChange
}

// NewExistingMetadata indexes objects by lowercase API name.
func NewExistingMetadata(objects ...metadata.ObjectDescribe) *ExistingMetadata {
	e := &ExistingMetadata{Objects: make(map[string]metadata.ObjectDescribe, len(objects))}
	for _, obj := range objects {
		e.Objects[strings.ToLower(obj.Name)] = obj
	}
	return e
}

// Object looks an object up case-insensitively.
func (e *ExistingMetadata) Object(name string) (metadata.ObjectDescribe, bool) {
	if e == nil {
		return metadata.ObjectDescribe{}, false
	}
	obj, ok := e.Objects[strings.ToLower(name)]
	return obj, ok
}

// ConflictService compares proposed changes with existing metadata and other proposals.
type ConflictService struct {
	metadata metadata.Client
	rules    ConflictRules
	log      *zap.Logger

	standardObjects map[string]string
	standardFields  map[string]string
}

// NewConflictService creates a detector. client is used only when callers do not
// supply ExistingMetadata.
func NewConflictService(client metadata.Client, rules ConflictRules, log *zap.Logger) *ConflictService {
	if rules.MaxNameLength <= 0 {
		rules.MaxNameLength = DefaultConflictRules().MaxNameLength
	}
	s := &ConflictService{
		metadata:        client,
		rules:           rules,
		log:             logging.OrNop(log),
		standardObjects: make(map[string]string, len(rules.StandardObjects)),
		standardFields:  make(map[string]string, len(rules.StandardFields)),
	}
	for _, n := range rules.StandardObjects {
		s.standardObjects[strings.ToLower(n)] = n
	}
	for _, n := range rules.StandardFields {
		s.standardFields[strings.ToLower(n)] = n
	}
	return s
}

var apiNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(?:_[A-Za-z0-9]+)*$`)

// DetectConflicts returns every valid conflict in changes, most severe first. When
// existing is nil the org is described through the metadata client.
func (s *ConflictService) DetectConflicts(ctx context.Context, orgID string, changes *models.ProposedChanges, existing *ExistingMetadata) ([]models.Conflict, error) {
	if changes.IsEmpty() {
		return nil, nil
	}
	if existing == nil {
		loaded, err := s.LoadExisting(ctx, orgID, changes)
		if err != nil {
			return nil, err
		}
		existing = loaded
	}

	var found []models.Conflict
	found = append(found, s.duplicateConflicts(changes, existing)...)
	found = append(found, s.reservedConflicts(changes)...)
	found = append(found, s.namingConflicts(changes)...)
	found = append(found, s.dependencyConflicts(changes, existing)...)
	found = append(found, circularConflicts(changes, existing)...)

	seen := make(map[string]bool, len(found))
	out := make([]models.Conflict, 0, len(found))
	for _, c := range found {
		if err := c.Validate(); err != nil {
			s.log.Warn("dropping malformed conflict", zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		if seen[c.ID()] {
			continue
		}
		seen[c.ID()] = true
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

// CheckConflicts is DetectConflicts converted into conflict recommendations.
func (s *ConflictService) CheckConflicts(ctx context.Context, orgID string, changes *models.ProposedChanges) ([]models.Recommendation, error) {
	conflicts, err := s.DetectConflicts(ctx, orgID, changes, nil)
	if err != nil {
		return nil, err
	}
	return models.ConflictsToRecommendations(conflicts), nil
}

// LoadExisting describes every custom object plus any object the change set touches.
func (s *ConflictService) LoadExisting(ctx context.Context, orgID string, changes *models.ProposedChanges) (*ExistingMetadata, error) {
	if s.metadata == nil {
		return NewExistingMetadata(), nil
	}
	global, err := s.metadata.DescribeGlobal(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: describe global for org %s: %v", models.ErrMetadataUnavailable, orgID, err)
	}

	touched := touchedObjects(changes)
	existing := NewExistingMetadata()
	var toDescribe []string
	for _, obj := range global.SObjects {
		existing.Objects[strings.ToLower(obj.Name)] = metadata.ObjectDescribe{Name: obj.Name, Label: obj.Label, Custom: obj.Custom}
		if obj.Custom || touched[strings.ToLower(obj.Name)] {
			toDescribe = append(toDescribe, obj.Name)
		}
	}

	describes := make([]*metadata.ObjectDescribe, len(toDescribe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for i, name := range toDescribe {
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
	for _, desc := range describes {
		existing.Objects[strings.ToLower(desc.Name)] = *desc
	}
	return existing, nil
}

func touchedObjects(changes *models.ProposedChanges) map[string]bool {
	out := make(map[string]bool)
	for _, o := range changes.Objects {
		out[strings.ToLower(o.APIName)] = true
	}
	for _, f := range changes.Fields {
		out[strings.ToLower(f.Object)] = true
	}
	for _, r := range changes.Relationships {
		out[strings.ToLower(r.ChildObject)] = true
		out[strings.ToLower(r.ParentObject)] = true
	}
	for _, v := range changes.ValidationRules {
		out[strings.ToLower(v.Object)] = true
	}
	return out
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 0
	case models.SeverityHigh:
		return 1
	case models.SeverityMedium:
		return 2
	default:
		return 3
	}
}

func fieldRef(object, field string) string {
	return object + "." + field
}

func (s *ConflictService) duplicateConflicts(changes *models.ProposedChanges, existing *ExistingMetadata) []models.Conflict {
	var out []models.Conflict

	for _, o := range changes.Objects {
		if o.Action != models.ActionCreate {
			continue
		}
		if obj, ok := existing.Object(o.APIName); ok {
			out = append(out, models.Conflict{
				Severity:           models.SeverityCritical,
				Type:               models.ConflictDuplicate,
				AffectedComponents: []string{o.APIName},
				Message:            fmt.Sprintf("Object %s already exists in the org", o.APIName),
				Details:            fmt.Sprintf("The org already defines %s (%s); deploying a second definition fails.", obj.Name, obj.Label),
				Resolution:         fmt.Sprintf("Reuse the existing %s object or choose a different API name.", obj.Name),
			})
		}
	}

	proposedFields := make(map[string]int)
	for _, f := range changes.Fields {
		if f.Action != models.ActionCreate {
			continue
		}
		key := strings.ToLower(fieldRef(f.Object, f.APIName))
		proposedFields[key]++
		if proposedFields[key] == 2 {
			out = append(out, models.Conflict{
				Severity:           models.SeverityHigh,
				Type:               models.ConflictDuplicate,
				AffectedComponents: []string{fieldRef(f.Object, f.APIName)},
				Message:            fmt.Sprintf("Field %s is proposed more than once", fieldRef(f.Object, f.APIName)),
				Resolution:         "Merge the duplicate field definitions into one change.",
			})
		}
		if obj, ok := existing.Object(f.Object); ok && obj.HasField(f.APIName) {
			out = append(out, models.Conflict{
				Severity:           models.SeverityHigh,
				Type:               models.ConflictDuplicate,
				AffectedComponents: []string{fieldRef(f.Object, f.APIName)},
				Message:            fmt.Sprintf("Field %s already exists on %s", f.APIName, f.Object),
				Resolution:         fmt.Sprintf("Modify the existing %s field instead of creating it, or rename the new field.", f.APIName),
			})
		}
	}

	for _, other := range existing.InFlight {
		if other.Changes == nil {
			continue
		}
		for _, mine := range changes.Objects {
			if mine.Action != models.ActionCreate {
				continue
			}
			for _, theirs := range other.Changes.Objects {
				if theirs.Action == models.ActionCreate && strings.EqualFold(mine.APIName, theirs.APIName) {
					out = append(out, inFlightDuplicate(mine.APIName, other.TicketID))
				}
			}
		}
		for _, mine := range changes.Fields {
			if mine.Action != models.ActionCreate {
				continue
			}
			for _, theirs := range other.Changes.Fields {
				if theirs.Action == models.ActionCreate &&
					strings.EqualFold(fieldRef(mine.Object, mine.APIName), fieldRef(theirs.Object, theirs.APIName)) {
					out = append(out, inFlightDuplicate(fieldRef(mine.Object, mine.APIName), other.TicketID))
				}
			}
		}
	}
	return out
}

func inFlightDuplicate(component, ticketID string) models.Conflict {
	return models.Conflict{
		Severity:           models.SeverityHigh,
		Type:               models.ConflictDuplicate,
		AffectedComponents: []string{component, "ticket:" + ticketID},
		Message:            fmt.Sprintf("%s is also proposed by ticket %s", component, ticketID),
		Details:            "Two open tickets create the same component; whichever deploys second will fail.",
		Resolution:         fmt.Sprintf("Coordinate with ticket %s and keep a single definition of %s.", ticketID, component),
	}
}

func (s *ConflictService) reservedConflicts(changes *models.ProposedChanges) []models.Conflict {
	var out []models.Conflict
	for _, o := range changes.Objects {
		if o.Action != models.ActionCreate {
			continue
		}
		if std, ok := s.standardObjects[strings.ToLower(baseName(o.APIName))]; ok {
			out = append(out, models.Conflict{
				Severity:           models.SeverityHigh,
				Type:               models.ConflictReserved,
				AffectedComponents: []string{o.APIName},
				Message:            fmt.Sprintf("Object %s shadows the standard %s object", o.APIName, std),
				Details:            "Users and integrations will confuse the custom object with the standard one.",
				Resolution:         fmt.Sprintf("Extend the standard %s object or pick a more specific name.", std),
			})
		}
	}
	for _, f := range changes.Fields {
		if f.Action != models.ActionCreate {
			continue
		}
		base := strings.ToLower(baseName(f.APIName))
		if std, ok := s.standardObjects[base]; ok {
			out = append(out, models.Conflict{
				Severity:           models.SeverityMedium,
				Type:               models.ConflictReserved,
				AffectedComponents: []string{fieldRef(f.Object, f.APIName)},
				Message:            fmt.Sprintf("Field %s uses the standard object name %s", f.APIName, std),
				Details:            "Field names matching standard objects collide with relationship names in formulas and SOQL.",
				Resolution:         fmt.Sprintf("Rename the field, e.g. Related_%s__c.", std),
			})
			continue
		}
		if std, ok := s.standardFields[base]; ok {
			out = append(out, models.Conflict{
				Severity:           models.SeverityMedium,
				Type:               models.ConflictReserved,
				AffectedComponents: []string{fieldRef(f.Object, f.APIName)},
				Message:            fmt.Sprintf("Field %s collides with the standard field %s", f.APIName, std),
				Resolution:         fmt.Sprintf("Use the standard %s field or choose a more descriptive name.", std),
			})
		}
	}
	return out
}

func (s *ConflictService) namingConflicts(changes *models.ProposedChanges) []models.Conflict {
	var out []models.Conflict
	check := func(component, apiName string) {
		base := baseName(apiName)
		switch {
		case !strings.HasSuffix(apiName, customSuffix):
			out = append(out, models.Conflict{
				Severity:           models.SeverityMedium,
				Type:               models.ConflictNaming,
				AffectedComponents: []string{component},
				Message:            fmt.Sprintf("%s is missing the %s suffix", apiName, customSuffix),
				Resolution:         fmt.Sprintf("Use %s%s as the API name.", base, customSuffix),
			})
		case !apiNameRe.MatchString(base):
			out = append(out, models.Conflict{
				Severity:           models.SeverityMedium,
				Type:               models.ConflictNaming,
				AffectedComponents: []string{component},
				Message:            fmt.Sprintf("%s is not a valid API name", apiName),
				Details:            "API names must start with a letter, use only letters, digits and single underscores, and not end with an underscore.",
				Resolution:         fmt.Sprintf("Rename it to %s%s.", sanitizeAPIName(base), customSuffix),
			})
		case len(base) > s.rules.MaxNameLength:
			out = append(out, models.Conflict{
				Severity:           models.SeverityLow,
				Type:               models.ConflictNaming,
				AffectedComponents: []string{component},
				Message:            fmt.Sprintf("%s exceeds %d characters", apiName, s.rules.MaxNameLength),
				Resolution:         "Shorten the API name.",
			})
		}
	}
	for _, o := range changes.Objects {
		if o.Action == models.ActionCreate {
			check(o.APIName, o.APIName)
		}
	}
	for _, f := range changes.Fields {
		if f.Action == models.ActionCreate {
			check(fieldRef(f.Object, f.APIName), f.APIName)
		}
	}
	return out
}

func sanitizeAPIName(base string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range base {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isAlnum {
			if b.Len() == 0 && r >= '0' && r <= '9' {
				b.WriteString("X")
			}
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return "Custom_Field"
	}
	return out
}

func (s *ConflictService) dependencyConflicts(changes *models.ProposedChanges, existing *ExistingMetadata) []models.Conflict {
	created := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, o := range changes.Objects {
		switch o.Action {
		case models.ActionCreate:
			created[strings.ToLower(o.APIName)] = true
		case models.ActionDelete:
			deleted[strings.ToLower(o.APIName)] = true
		}
	}
	available := func(name string) bool {
		key := strings.ToLower(name)
		if deleted[key] {
			return false
		}
		if created[key] {
			return true
		}
		_, ok := existing.Object(name)
		return ok
	}
	missing := func(component, object, what string) models.Conflict {
		return models.Conflict{
			Severity:           models.SeverityHigh,
			Type:               models.ConflictDependency,
			AffectedComponents: []string{component, object},
			Message:            fmt.Sprintf("%s depends on %s, which does not exist", component, object),
			Details:            fmt.Sprintf("%s requires %s to be deployed first.", what, object),
			Resolution:         fmt.Sprintf("Add %s to this change set or remove the dependency.", object),
		}
	}

	var out []models.Conflict
	for _, f := range changes.Fields {
		if f.Action == models.ActionDelete || available(f.Object) {
			continue
		}
		out = append(out, missing(fieldRef(f.Object, f.APIName), f.Object, "The field"))
	}
	for _, r := range changes.Relationships {
		if r.Action != models.ActionCreate {
			continue
		}
		component := fieldRef(r.ChildObject, r.FieldName)
		if !available(r.ChildObject) {
			out = append(out, missing(component, r.ChildObject, "The relationship field"))
		}
		if !available(r.ParentObject) {
			out = append(out, missing(component, r.ParentObject, "The relationship"))
		}
	}
	for _, v := range changes.ValidationRules {
		if v.Action == models.ActionDelete || available(v.Object) {
			continue
		}
		out = append(out, missing(fieldRef(v.Object, v.Name), v.Object, "The validation rule"))
	}

	// Deleting an object that others still reference.
	for _, o := range changes.Objects {
		if o.Action != models.ActionDelete {
			continue
		}
		var dependents []string
		for _, obj := range existing.Objects {
			if strings.EqualFold(obj.Name, o.APIName) || deleted[strings.ToLower(obj.Name)] {
				continue
			}
			for _, f := range obj.Fields {
				if f.IsReference() && strings.EqualFold(f.ReferenceTo[0], o.APIName) {
					dependents = append(dependents, fieldRef(obj.Name, f.Name))
				}
			}
		}
		for _, r := range changes.Relationships {
			if r.Action == models.ActionCreate && strings.EqualFold(r.ParentObject, o.APIName) && !deleted[strings.ToLower(r.ChildObject)] {
				dependents = append(dependents, fieldRef(r.ChildObject, r.FieldName))
			}
		}
		if len(dependents) == 0 {
			continue
		}
		sort.Strings(dependents)
		out = append(out, models.Conflict{
			Severity:           models.SeverityHigh,
			Type:               models.ConflictDependency,
			AffectedComponents: append([]string{o.APIName}, dependents...),
			Message:            fmt.Sprintf("%s is still referenced by %d field(s)", o.APIName, len(dependents)),
			Details:            "Referenced by " + strings.Join(dependents, ", "),
			Resolution:         fmt.Sprintf("Remove or repoint the relationships to %s before deleting it.", o.APIName),
		})
	}
	return out
}

type relEdge struct {
	to       string
	kind     models.RelationshipKind
	proposed bool
}

// circularConflicts finds cycles in the child->parent graph that pass through at least
// one proposed relationship. Lookup self references (hierarchies) are allowed.
func circularConflicts(changes *models.ProposedChanges, existing *ExistingMetadata) []models.Conflict {
	graph := make(map[string][]relEdge)
	names := make(map[string]string)
	addEdge := func(from, to string, kind models.RelationshipKind, proposed bool) {
		f, t := strings.ToLower(from), strings.ToLower(to)
		names[f], names[t] = from, to
		graph[f] = append(graph[f], relEdge{to: t, kind: kind, proposed: proposed})
	}

	for _, obj := range existing.Objects {
		for _, f := range obj.Fields {
			if !f.IsReference() {
				continue
			}
			kind := models.RelationshipLookup
			if f.CascadeDelete {
				kind = models.RelationshipMasterDetail
			}
			addEdge(obj.Name, f.ReferenceTo[0], kind, false)
		}
	}
	for _, r := range changes.Relationships {
		if r.Action == models.ActionCreate {
			addEdge(r.ChildObject, r.ParentObject, r.Kind, true)
		}
	}

	var out []models.Conflict
	seen := make(map[string]bool)
	for _, r := range changes.Relationships {
		if r.Action != models.ActionCreate {
			continue
		}
		child, parent := strings.ToLower(r.ChildObject), strings.ToLower(r.ParentObject)
		if child == parent {
			if r.Kind != models.RelationshipMasterDetail {
				continue
			}
			out = append(out, models.Conflict{
				Severity:           models.SeverityCritical,
				Type:               models.ConflictCircular,
				AffectedComponents: []string{r.ChildObject, r.ChildObject},
				Message:            fmt.Sprintf("%s cannot be its own master", r.ChildObject),
				Resolution:         "Use a lookup relationship for self references.",
			})
			continue
		}

		path := shortestPath(graph, parent, child)
		if path == nil {
			continue
		}
		cycle := append([]string{child}, path...)
		key := canonicalCycle(cycle)
		if seen[key] {
			continue
		}
		seen[key] = true

		masterDetail := r.Kind == models.RelationshipMasterDetail
		for i := 0; i+1 < len(cycle); i++ {
			for _, e := range graph[cycle[i]] {
				if e.to == cycle[i+1] && e.kind == models.RelationshipMasterDetail {
					masterDetail = true
				}
			}
		}
		components := make([]string, len(cycle))
		for i, n := range cycle {
			components[i] = names[n]
		}
		severity := models.SeverityMedium
		resolution := "Break the cycle by removing one relationship or replacing it with a junction object."
		if masterDetail {
			severity = models.SeverityCritical
			resolution = "Master-detail relationships cannot form a cycle; convert one of them to a lookup."
		}
		out = append(out, models.Conflict{
			Severity:           severity,
			Type:               models.ConflictCircular,
			AffectedComponents: components,
			Message:            "Circular relationship: " + strings.Join(components, " -> "),
			Details:            fmt.Sprintf("Adding %s.%s closes a cycle of %d objects.", r.ChildObject, r.FieldName, len(cycle)-1),
			Resolution:         resolution,
		})
	}
	return out
}

// shortestPath returns the node sequence from -> ... -> to, or nil.
func shortestPath(graph map[string][]relEdge, from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == to {
			var path []string
			for cur := to; cur != ""; cur = prev[cur] {
				path = append([]string{cur}, path...)
				if cur == from {
					break
				}
			}
			return path
		}
		for _, e := range graph[n] {
			if _, ok := prev[e.to]; ok {
				continue
			}
			prev[e.to] = n
			queue = append(queue, e.to)
		}
	}
	return nil
}

// canonicalCycle rotates a closed cycle (first == last) to start at its smallest node.
func canonicalCycle(cycle []string) string {
	nodes := cycle[:len(cycle)-1]
	start := 0
	for i, n := range nodes {
		if n < nodes[start] {
			start = i
		}
	}
	rotated := append(append([]string(nil), nodes[start:]...), nodes[:start]...)
	return strings.Join(rotated, ">")
}
