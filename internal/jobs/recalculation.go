package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/configpilot/configpilot/internal/cache"
	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/services"
)

const (
	// resultCacheTTL bounds how long a computed set is served without touching storage.
	resultCacheTTL = 10 * time.Minute
	// proposalTTL is how long a ticket's change set counts as in flight for conflict
	// detection after it was last queued or run.
	proposalTTL = 30 * time.Minute
)

// ErrTicketBusy is returned by RunCycle while another cycle of the same ticket runs.
var ErrTicketBusy = errors.New("ticket recalculation in progress")

// PatternAnalyzer produces and retrieves org patterns.
type PatternAnalyzer interface {
	AnalyzeOrgPatterns(ctx context.Context, orgID, ticketID string) (*models.OrgPatterns, error)
	LatestPatterns(ctx context.Context, ticketID string) (*models.OrgPatterns, error)
}

// RecommendationEngine generates recommendations from patterns and a change set.
type RecommendationEngine interface {
	GenerateRecommendations(ctx context.Context, req services.GenerateRequest) ([]models.Recommendation, error)
}

// ConflictDetector finds conflicts between a change set and the org.
type ConflictDetector interface {
	LoadExisting(ctx context.Context, orgID string, changes *models.ProposedChanges) (*services.ExistingMetadata, error)
	DetectConflicts(ctx context.Context, orgID string, changes *models.ProposedChanges, existing *services.ExistingMetadata) ([]models.Conflict, error)
}

// Improver applies learned feedback to freshly generated recommendations.
type Improver interface {
	ImproveRecommendations(ctx context.Context, ticketID string, recs []models.Recommendation) ([]models.Recommendation, error)
}

// ResultStore persists recommendation sets and history.
type ResultStore interface {
	GetRecommendations(ctx context.Context, ticketID string) ([]models.Recommendation, bool, error)
	GetConfidence(ctx context.Context, ticketID string) (models.ConfidenceSummary, error)
	SaveRecalculation(ctx context.Context, result *models.RecalculationResult, entry models.RecalculationHistoryEntry) error
	TicketOrg(ctx context.Context, ticketID string) (string, bool, error)
}

// Broadcaster publishes cycle results to live subscribers.
type Broadcaster interface {
	BroadcastRecommendationUpdate(result *models.RecalculationResult)
	BroadcastConfidenceUpdate(ticketID string, confidence models.ConfidenceSummary)
	BroadcastPatternUpdate(orgID, ticketID string, patterns *models.OrgPatterns)
	BroadcastConflictDetected(orgID, ticketID string, conflicts []models.Conflict)
}

// SettingsProvider returns the current coordinator settings.
type SettingsProvider func(ctx context.Context) (*database.RecalculationSettings, error)

// StaticSettings always returns s.
func StaticSettings(s *database.RecalculationSettings) SettingsProvider {
	return func(context.Context) (*database.RecalculationSettings, error) {
		return s, nil
	}
}

// DBSettings reads the settings row, seeding it from defaults when missing.
func DBSettings(db *gorm.DB, defaults *database.RecalculationSettings) SettingsProvider {
	return func(ctx context.Context) (*database.RecalculationSettings, error) {
		return database.GetOrCreateRecalculationSettings(db.WithContext(ctx), defaults)
	}
}

// Deps wires the coordinator's collaborators. Broadcaster, Improver and Settings are
// optional.
type Deps struct {
	Patterns    PatternAnalyzer
	Engine      RecommendationEngine
	Conflicts   ConflictDetector
	Store       ResultStore
	Broadcaster Broadcaster
	Improver    Improver
	Settings    SettingsProvider
	Log         *zap.Logger
}

// GetRequest asks for a ticket's recommendations. Without proposed changes the cached
// or persisted set is returned when one exists.
type GetRequest struct {
	TicketID        string                  `json:"ticketId"`
	OrgID           string                  `json:"orgId"`
	ProposedChanges *models.ProposedChanges `json:"proposedChanges,omitempty"`
	TriggerType     models.TriggerType      `json:"triggerType,omitempty"`
}

type inFlight struct {
	orgID   string
	changes *models.ProposedChanges
}

// Recalculator debounces recalculation requests per ticket and runs recommendation
// cycles. At most one cycle per ticket is in flight; distinct tickets run in parallel.
type Recalculator struct {
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	mu         sync.Mutex
	pending    map[string]models.RecalculationContext
	processing map[string]bool

	running atomic.Bool
	wake      chan struct{}
	results   *cache.Cache[models.RecalculationResult]
	proposals *cache.Cache[inFlight]

	observerMu sync.RWMutex
	observers  []func(*models.RecalculationResult)
}

// NewRecalculator creates an idle coordinator.
func NewRecalculator(deps Deps) *Recalculator {
	return &Recalculator{
		deps:       deps,
		log:        logging.OrNop(deps.Log),
		now:        time.Now,
		pending:    make(map[string]models.RecalculationContext),
		processing: make(map[string]bool),
		wake:       make(chan struct{}, 1),
		results:    cache.New[models.RecalculationResult](resultCacheTTL),
		proposals:  cache.New[inFlight](proposalTTL),
	}
}

// WithClock overrides the time source.
func (r *Recalculator) WithClock(now func() time.Time) *Recalculator {
	r.now = now
	r.results.WithClock(now)
	r.proposals.WithClock(now)
	return r
}

// OnResult registers an observer called after every persisted cycle.
func (r *Recalculator) OnResult(fn func(*models.RecalculationResult)) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Queue stores rc as the ticket's latest pending context, replacing any older one,
// and wakes the processing loop. It never blocks.
func (r *Recalculator) Queue(rc models.RecalculationContext) error {
	if rc.TicketID == "" {
		return errors.New("ticket id is required")
	}
	if rc.TriggerType == "" {
		rc.TriggerType = models.TriggerAuto
	}
	if !rc.TriggerType.Valid() {
		return fmt.Errorf("unknown trigger type %q", rc.TriggerType)
	}
	if rc.QueuedAt.IsZero() {
		rc.QueuedAt = r.now()
	}

	r.mu.Lock()
	_, replaced := r.pending[rc.TicketID]
	r.pending[rc.TicketID] = rc
	r.trackProposal(rc)
	r.mu.Unlock()

	if replaced {
		r.log.Debug("superseded pending recalculation", zap.String("ticket_id", rc.TicketID))
	}
	r.signal()
	return nil
}

func (r *Recalculator) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// trackProposal remembers rc's change set for conflict checks of other tickets. It
// expires proposalTTL after the ticket last proposed it.
func (r *Recalculator) trackProposal(rc models.RecalculationContext) {
	if rc.ProposedChanges.IsEmpty() {
		return
	}
	r.proposals.Set(rc.TicketID, inFlight{orgID: rc.OrgID, changes: rc.ProposedChanges})
}

// State reports whether the ticket is idle, queued or being processed.
func (r *Recalculator) State(ticketID string) models.TicketState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.processing[ticketID]:
		return models.TicketProcessing
	case hasKey(r.pending, ticketID):
		return models.TicketQueued
	default:
		return models.TicketIdle
	}
}

func hasKey[V any](m map[string]V, k string) bool {
	_, ok := m[k]
	return ok
}

// Forget drops everything the coordinator holds in memory for a closed ticket: its
// pending context, its in-flight proposal and its cached result. A running cycle is
// not interrupted.
func (r *Recalculator) Forget(ticketID string) {
	r.mu.Lock()
	delete(r.pending, ticketID)
	r.mu.Unlock()
	r.proposals.Delete(ticketID)
	r.results.Delete(ticketID)
}

// OwnerOf returns the org a ticket belongs to, from memory or storage. The bool is
// false for a ticket the coordinator has never seen.
func (r *Recalculator) OwnerOf(ctx context.Context, ticketID string) (string, bool, error) {
	if res, ok := r.results.Get(ticketID); ok && res.OrgID != "" {
		return res.OrgID, true, nil
	}
	r.mu.Lock()
	rc, queued := r.pending[ticketID]
	r.mu.Unlock()
	if queued && rc.OrgID != "" {
		return rc.OrgID, true, nil
	}
	if p, ok := r.proposals.Get(ticketID); ok && p.orgID != "" {
		return p.orgID, true, nil
	}
	org, ok, err := r.deps.Store.TicketOrg(ctx, ticketID)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve ticket org: %w", err)
	}
	return org, ok, nil
}

// checkOwner fails with ErrTicketOrgMismatch when the ticket belongs to an org other
// than orgID. Unknown tickets pass.
func (r *Recalculator) checkOwner(ctx context.Context, ticketID, orgID string) error {
	owner, ok, err := r.OwnerOf(ctx, ticketID)
	if err != nil {
		return err
	}
	if ok && owner != orgID {
		return fmt.Errorf("%w: ticket %s", models.ErrTicketOrgMismatch, ticketID)
	}
	return nil
}

// StartJanitor periodically reclaims expired cached results and proposals until Close.
func (r *Recalculator) StartJanitor(interval time.Duration) {
	r.results.StartJanitor(interval)
	r.proposals.StartJanitor(interval)
}

func (r *Recalculator) acquire(ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processing[ticketID] {
		return false
	}
	r.processing[ticketID] = true
	return true
}

func (r *Recalculator) release(ticketID string) {
	r.mu.Lock()
	delete(r.processing, ticketID)
	r.mu.Unlock()
}

// takePending claims the latest context of every ticket that is not already being
// processed, oldest request first.
func (r *Recalculator) takePending() []models.RecalculationContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make([]models.RecalculationContext, 0, len(r.pending))
	for ticketID, rc := range r.pending {
		if r.processing[ticketID] {
			continue
		}
		r.processing[ticketID] = true
		delete(r.pending, ticketID)
		batch = append(batch, rc)
	}
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].QueuedAt.Equal(batch[j].QueuedAt) {
			return batch[i].QueuedAt.Before(batch[j].QueuedAt)
		}
		return batch[i].TicketID < batch[j].TicketID
	})
	return batch
}

func (r *Recalculator) settings(ctx context.Context) *database.RecalculationSettings {
	if r.deps.Settings == nil {
		return database.NewDefaultRecalculationSettings()
	}
	s, err := r.deps.Settings(ctx)
	if err != nil || s == nil {
		r.log.Warn("failed to load recalculation settings, using defaults", zap.Error(err))
		return database.NewDefaultRecalculationSettings()
	}
	return s
}

// ProcessPending runs one pass over every queued ticket and returns how many cycles
// succeeded. Concurrent calls while a pass is running return immediately.
func (r *Recalculator) ProcessPending(ctx context.Context) int {
	if !r.running.CompareAndSwap(false, true) {
		return 0
	}
	defer r.running.Store(false)

	batch := r.takePending()
	if len(batch) == 0 {
		return 0
	}
	settings := r.settings(ctx)

	var succeeded atomic.Int32
	var g errgroup.Group
	g.SetLimit(max(1, settings.Concurrency))
	for _, rc := range batch {
		g.Go(func() error {
			defer r.release(rc.TicketID)
			if _, err := r.timedCycle(ctx, rc, settings); err != nil {
				r.cycleFailed(rc, err, settings)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load())
}

func (r *Recalculator) timedCycle(ctx context.Context, rc models.RecalculationContext, settings *database.RecalculationSettings) (*models.RecalculationResult, error) {
	if d := settings.CycleTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return r.cycle(ctx, rc)
}

// cycleFailed logs the failure and re-queues the context while retries remain and no
// newer context has been queued for the ticket.
func (r *Recalculator) cycleFailed(rc models.RecalculationContext, err error, settings *database.RecalculationSettings) {
	r.log.Error("recalculation cycle failed",
		zap.String("ticket_id", rc.TicketID),
		zap.String("org_id", rc.OrgID),
		zap.String("trigger", string(rc.TriggerType)),
		zap.Int("attempt", rc.Attempt),
		zap.Error(err))

	if rc.Attempt >= settings.MaxRetries {
		return
	}
	r.mu.Lock()
	if _, newer := r.pending[rc.TicketID]; !newer {
		rc.Attempt++
		r.pending[rc.TicketID] = rc
	}
	r.mu.Unlock()
	r.signal()
}

// RunCycle recalculates one ticket synchronously. It fails with ErrTicketBusy when a
// cycle for the ticket is already running.
func (r *Recalculator) RunCycle(ctx context.Context, rc models.RecalculationContext) (*models.RecalculationResult, error) {
	if rc.TriggerType == "" {
		rc.TriggerType = models.TriggerManual
	}
	if !r.acquire(rc.TicketID) {
		return nil, ErrTicketBusy
	}
	defer r.release(rc.TicketID)

	if err := r.checkOwner(ctx, rc.TicketID, rc.OrgID); err != nil {
		return nil, err
	}
	r.trackProposal(rc)
	return r.timedCycle(ctx, rc, r.settings(ctx))
}

// GetRecommendations returns the cached or persisted set when no changes are
// proposed, and runs a cycle otherwise. If the ticket is busy the request is queued
// and the current set is returned.
func (r *Recalculator) GetRecommendations(ctx context.Context, req GetRequest) (*models.RecalculationResult, error) {
	if err := r.checkOwner(ctx, req.TicketID, req.OrgID); err != nil {
		return nil, err
	}
	if req.ProposedChanges.IsEmpty() {
		cached, ok, err := r.cached(ctx, req.TicketID, req.OrgID)
		if err != nil {
			return nil, err
		}
		if ok {
			return cached, nil
		}
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = models.TriggerManual
	}
	rc := models.RecalculationContext{
		TicketID:        req.TicketID,
		OrgID:           req.OrgID,
		ProposedChanges: req.ProposedChanges,
		TriggerType:     trigger,
		QueuedAt:        r.now(),
	}
	result, err := r.RunCycle(ctx, rc)
	if !errors.Is(err, ErrTicketBusy) {
		return result, err
	}

	if err := r.Queue(rc); err != nil {
		return nil, err
	}
	cached, ok, cerr := r.cached(ctx, req.TicketID, req.OrgID)
	if cerr != nil {
		return nil, cerr
	}
	if !ok {
		return nil, err
	}
	return cached, nil
}

// cached returns the last computed set of a ticket, from memory or storage. A set
// stored for another org is never served.
func (r *Recalculator) cached(ctx context.Context, ticketID, orgID string) (*models.RecalculationResult, bool, error) {
	if res, ok := r.results.Get(ticketID); ok {
		if res.OrgID != "" && res.OrgID != orgID {
			return nil, false, fmt.Errorf("%w: ticket %s", models.ErrTicketOrgMismatch, ticketID)
		}
		res.Recommendations = models.CloneRecommendations(res.Recommendations)
		res.FromCache = true
		return &res, true, nil
	}

	recs, found, err := r.deps.Store.GetRecommendations(ctx, ticketID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load recommendations: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	owner, owned, err := r.deps.Store.TicketOrg(ctx, ticketID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve ticket org: %w", err)
	}
	if owned && owner != orgID {
		return nil, false, fmt.Errorf("%w: ticket %s", models.ErrTicketOrgMismatch, ticketID)
	}
	confidence, err := r.deps.Store.GetConfidence(ctx, ticketID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load confidence: %w", err)
	}
	res := models.RecalculationResult{
		TicketID:        ticketID,
		OrgID:           orgID,
		Recommendations: recs,
		Confidence:      confidence,
		Changes:         DiffRecommendations(recs, recs),
	}
	r.results.Set(ticketID, res)
	res.Recommendations = models.CloneRecommendations(recs)
	res.FromCache = true
	return &res, true, nil
}

// cycle is the per-ticket pipeline. Callers must hold the ticket's processing flag.
func (r *Recalculator) cycle(ctx context.Context, rc models.RecalculationContext) (*models.RecalculationResult, error) {
	started := r.now()

	patterns, refreshed, err := r.patternsFor(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("pattern analysis: %w", err)
	}

	recs, err := r.deps.Engine.GenerateRecommendations(ctx, services.GenerateRequest{
		TicketID:        rc.TicketID,
		OrgID:           rc.OrgID,
		ProposedChanges: rc.ProposedChanges,
		Patterns:        patterns,
	})
	if err != nil {
		return nil, fmt.Errorf("recommendation engine: %w", err)
	}
	if r.deps.Improver != nil {
		if recs, err = r.deps.Improver.ImproveRecommendations(ctx, rc.TicketID, recs); err != nil {
			return nil, fmt.Errorf("apply learning: %w", err)
		}
	}

	var conflicts []models.Conflict
	if !rc.ProposedChanges.IsEmpty() {
		existing, err := r.deps.Conflicts.LoadExisting(ctx, rc.OrgID, rc.ProposedChanges)
		if err != nil {
			return nil, fmt.Errorf("conflict detection: %w", err)
		}
		existing.InFlight = r.otherProposals(rc)
		if conflicts, err = r.deps.Conflicts.DetectConflicts(ctx, rc.OrgID, rc.ProposedChanges, existing); err != nil {
			return nil, fmt.Errorf("conflict detection: %w", err)
		}
	}

	all := make([]models.Recommendation, 0, len(recs)+len(conflicts))
	all = append(all, recs...)
	all = append(all, models.ConflictsToRecommendations(conflicts)...)

	previous := rc.PreviousRecommendations
	if previous == nil {
		if previous, _, err = r.deps.Store.GetRecommendations(ctx, rc.TicketID); err != nil {
			return nil, fmt.Errorf("failed to load previous recommendations: %w", err)
		}
	}

	result := &models.RecalculationResult{
		TicketID:          rc.TicketID,
		OrgID:             rc.OrgID,
		TriggerType:       rc.TriggerType,
		Recommendations:   all,
		Changes:           DiffRecommendations(previous, all),
		Confidence:        AggregateConfidence(patterns, all, conflicts, rc.ProposedChanges),
		Conflicts:         conflicts,
		Patterns:          patterns,
		PatternsRefreshed: refreshed,
		CompletedAt:       r.now(),
	}
	entry := models.RecalculationHistoryEntry{
		TicketID:          rc.TicketID,
		TriggerType:       rc.TriggerType,
		AddedCount:        len(result.Changes.Added),
		RemovedCount:      len(result.Changes.Removed),
		ModifiedCount:     len(result.Changes.Modified),
		OverallConfidence: result.Confidence.Overall,
		CreatedAt:         result.CompletedAt,
	}
	if err := r.deps.Store.SaveRecalculation(ctx, result, entry); err != nil {
		return nil, fmt.Errorf("failed to persist recalculation: %w", err)
	}

	cachedCopy := *result
	cachedCopy.Recommendations = models.CloneRecommendations(all)
	r.results.Set(rc.TicketID, cachedCopy)

	r.log.Info("recalculated recommendations",
		zap.String("ticket_id", rc.TicketID),
		zap.String("org_id", rc.OrgID),
		zap.String("trigger", string(rc.TriggerType)),
		zap.Int("recommendations", len(all)),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("added", entry.AddedCount),
		zap.Int("removed", entry.RemovedCount),
		zap.Int("modified", entry.ModifiedCount),
		zap.Float64("confidence", result.Confidence.Overall),
		zap.Duration("duration", r.now().Sub(started)))

	r.emit(result)
	return result, nil
}

// patternsFor re-analyzes on significant changes and otherwise reuses the latest
// persisted analysis, analyzing when none exists.
func (r *Recalculator) patternsFor(ctx context.Context, rc models.RecalculationContext) (*models.OrgPatterns, bool, error) {
	if !rc.ProposedChanges.IsSignificant() {
		latest, err := r.deps.Patterns.LatestPatterns(ctx, rc.TicketID)
		if err != nil {
			return nil, false, err
		}
		if latest != nil {
			return latest, false, nil
		}
	}
	patterns, err := r.deps.Patterns.AnalyzeOrgPatterns(ctx, rc.OrgID, rc.TicketID)
	if err != nil {
		return nil, false, err
	}
	return patterns, true, nil
}

// otherProposals lists the unexpired change sets of other tickets in the same org.
func (r *Recalculator) otherProposals(rc models.RecalculationContext) []services.InFlightChange {
	var out []services.InFlightChange
	for ticketID, p := range r.proposals.Entries() {
		if ticketID == rc.TicketID || p.orgID != rc.OrgID {
			continue
		}
		out = append(out, services.InFlightChange{TicketID: ticketID, Changes: p.changes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out
}

func (r *Recalculator) emit(result *models.RecalculationResult) {
	if b := r.deps.Broadcaster; b != nil {
		b.BroadcastRecommendationUpdate(result)
		b.BroadcastConfidenceUpdate(result.TicketID, result.Confidence)
		if result.PatternsRefreshed {
			b.BroadcastPatternUpdate(result.OrgID, result.TicketID, result.Patterns)
		}
		b.BroadcastConflictDetected(result.OrgID, result.TicketID, result.Conflicts)
	}

	r.observerMu.RLock()
	observers := append([]func(*models.RecalculationResult){}, r.observers...)
	r.observerMu.RUnlock()
	for _, fn := range observers {
		fn(result)
	}
}

// Start runs the processing loop until stop is closed. A pass runs on every tick and
// whenever Queue wakes the loop; settings are re-read after each pass.
func (r *Recalculator) Start(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	settings := r.settings(ctx)
	ticker := time.NewTicker(settings.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.wake:
		case <-stop:
			r.log.Info("recalculation coordinator stopped")
			return
		}

		if settings.Enabled {
			if n := r.ProcessPending(ctx); n > 0 {
				r.log.Debug("recalculation pass finished", zap.Int("cycles", n))
			}
		}

		next := r.settings(ctx)
		if next.Interval() != settings.Interval() {
			ticker.Reset(next.Interval())
			r.log.Info("recalculation interval updated", zap.Duration("interval", next.Interval()))
		}
		settings = next
	}
}

// Close stops cache maintenance.
func (r *Recalculator) Close() {
	r.results.Stop()
	r.proposals.Stop()
}
