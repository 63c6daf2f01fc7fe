// Package broadcast fans recalculation events out to live subscribers.
package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/cache"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/models"
)

// EventType names the kind of update carried by an Event.
type EventType string

const (
	EventRecommendationUpdate EventType = "recommendation_update"
	EventConfidenceUpdate     EventType = "confidence_update"
	EventPatternUpdate        EventType = "pattern_update"
	EventConflictDetected     EventType = "conflict_detected"
)

// replayTTL bounds how long the last recommendation set of a ticket is kept in memory
// for resubscribing clients. Older sets come from the ReplaySource, if any.
const replayTTL = time.Hour

// ErrSubscriberFull is returned by a subscriber that cannot accept more events.
var ErrSubscriberFull = errors.New("subscriber buffer full")

// Event is one typed update. Data holds one of the *Payload types below.
type Event struct {
	Type      EventType   `json:"type"`
	TicketID  string      `json:"ticket_id,omitempty"`
	OrgID     string      `json:"org_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// RecommendationPayload carries a full recommendation set plus its diff.
type RecommendationPayload struct {
	Recommendations []models.Recommendation      `json:"recommendations"`
	Changes         models.RecommendationChanges `json:"changes"`
	FromCache       bool                         `json:"from_cache"`
	// Replay is set on the snapshot sent right after a (re)subscribe.
	Replay bool `json:"replay,omitempty"`
}

type ConfidencePayload struct {
	Confidence models.ConfidenceSummary `json:"confidence"`
}

type PatternPayload struct {
	Patterns *models.OrgPatterns `json:"patterns"`
}

type ConflictPayload struct {
	Conflicts []models.Conflict `json:"conflicts"`
}

// Subscriber receives events. Send must not block; a returned error drops the
// subscriber from the hub.
type Subscriber interface {
	ID() string
	Send(Event) error
}

// ReplaySource loads the persisted recommendation set of a ticket.
type ReplaySource func(ctx context.Context, ticketID string) ([]models.Recommendation, bool, error)

type topicKind int

const (
	topicTicket topicKind = iota
	topicOrg
)

type topic struct {
	kind topicKind
	key  string
}

// Hub is the subscriber registry. Deliveries are serialized, so every subscriber
// observes events in publish order.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	topics      map[topic]map[string]struct{}
	memberships map[string]map[topic]struct{}
	firehose    map[string]struct{}

	deliverMu sync.Mutex
	last      *cache.Cache[Event]
	replay    ReplaySource
	log       *zap.Logger
	now       func() time.Time
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]Subscriber),
		topics:      make(map[topic]map[string]struct{}),
		memberships: make(map[string]map[topic]struct{}),
		firehose:    make(map[string]struct{}),
		last:        cache.New[Event](replayTTL),
		log:         logging.OrNop(log),
		now:         time.Now,
	}
}

// StartJanitor periodically reclaims expired replay snapshots until Close.
func (h *Hub) StartJanitor(interval time.Duration) {
	h.last.StartJanitor(interval)
}

// Close stops replay cache maintenance. Subscribers are left untouched.
func (h *Hub) Close() {
	h.last.Stop()
}

// Forget drops the remembered recommendation set of a closed ticket.
func (h *Hub) Forget(ticketID string) {
	h.last.Delete(ticketID)
}

// SetReplaySource configures where snapshots come from when the hub has none cached.
func (h *Hub) SetReplaySource(src ReplaySource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay = src
}

// Subscribe registers sub for updates of ticketID and immediately sends it the last
// known recommendation set of the ticket, if any.
func (h *Hub) Subscribe(ctx context.Context, sub Subscriber, ticketID string) error {
	// Holding deliverMu keeps live events from overtaking the snapshot.
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.join(sub, topic{kind: topicTicket, key: ticketID})

	ev, ok := h.snapshot(ctx, ticketID)
	if !ok {
		return nil
	}
	if err := sub.Send(ev); err != nil {
		h.drop(sub.ID(), err)
		return err
	}
	return nil
}

// SubscribeOrg registers sub for org-level pattern and conflict updates.
func (h *Hub) SubscribeOrg(sub Subscriber, orgID string) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.join(sub, topic{kind: topicOrg, key: orgID})
}

// SubscribeAll registers sub for every event.
func (h *Hub) SubscribeAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID()] = sub
	h.firehose[sub.ID()] = struct{}{}
}

func (h *Hub) join(sub Subscriber, t topic) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := sub.ID()
	h.subscribers[id] = sub
	if h.topics[t] == nil {
		h.topics[t] = make(map[string]struct{})
	}
	h.topics[t][id] = struct{}{}
	if h.memberships[id] == nil {
		h.memberships[id] = make(map[topic]struct{})
	}
	h.memberships[id][t] = struct{}{}
}

// Unsubscribe stops ticket updates for one subscriber. The subscriber stays known to
// the hub for its other subscriptions.
func (h *Hub) Unsubscribe(subID, ticketID string) {
	h.leave(subID, topic{kind: topicTicket, key: ticketID})
}

// UnsubscribeOrg stops org updates for one subscriber.
func (h *Hub) UnsubscribeOrg(subID, orgID string) {
	h.leave(subID, topic{kind: topicOrg, key: orgID})
}

func (h *Hub) leave(subID string, t topic) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members := h.topics[t]; members != nil {
		delete(members, subID)
		if len(members) == 0 {
			delete(h.topics, t)
		}
	}
	if m := h.memberships[subID]; m != nil {
		delete(m, t)
	}
}

// Remove forgets a subscriber entirely. Call it when its connection closes.
func (h *Hub) Remove(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(subID)
}

func (h *Hub) removeLocked(subID string) {
	for t := range h.memberships[subID] {
		if members := h.topics[t]; members != nil {
			delete(members, subID)
			if len(members) == 0 {
				delete(h.topics, t)
			}
		}
	}
	delete(h.memberships, subID)
	delete(h.firehose, subID)
	delete(h.subscribers, subID)
}

func (h *Hub) drop(subID string, err error) {
	h.mu.Lock()
	h.removeLocked(subID)
	h.mu.Unlock()
	h.log.Warn("dropped subscriber", zap.String("subscriber_id", subID), zap.Error(err))
}

// SubscriberCount returns how many subscribers are registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Subscribed reports whether subID currently receives updates of ticketID.
func (h *Hub) Subscribed(subID, ticketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic{kind: topicTicket, key: ticketID}][subID]
	return ok
}

func (h *Hub) snapshot(ctx context.Context, ticketID string) (Event, bool) {
	if ev, ok := h.last.Get(ticketID); ok {
		return markReplay(ev), true
	}

	h.mu.RLock()
	src := h.replay
	h.mu.RUnlock()
	if src == nil {
		return Event{}, false
	}
	recs, found, err := src(ctx, ticketID)
	if err != nil {
		h.log.Warn("failed to load replay snapshot", zap.String("ticket_id", ticketID), zap.Error(err))
		return Event{}, false
	}
	if !found {
		return Event{}, false
	}
	return Event{
		Type:      EventRecommendationUpdate,
		TicketID:  ticketID,
		Data:      RecommendationPayload{Recommendations: recs, FromCache: true, Replay: true},
		Timestamp: h.now(),
	}, true
}

func markReplay(ev Event) Event {
	if p, ok := ev.Data.(RecommendationPayload); ok {
		p.Replay = true
		ev.Data = p
	}
	return ev
}

// BroadcastRecommendationUpdate sends a new recommendation set to the ticket's
// subscribers and remembers it for replay.
func (h *Hub) BroadcastRecommendationUpdate(result *models.RecalculationResult) {
	ev := Event{
		Type:     EventRecommendationUpdate,
		TicketID: result.TicketID,
		OrgID:    result.OrgID,
		Data: RecommendationPayload{
			Recommendations: models.CloneRecommendations(result.Recommendations),
			Changes:         result.Changes,
			FromCache:       result.FromCache,
		},
		Timestamp: h.now(),
	}
	h.last.Set(result.TicketID, ev)
	h.publish(ev, topic{kind: topicTicket, key: result.TicketID})
}

// BroadcastConfidenceUpdate sends the ticket's aggregate confidence.
func (h *Hub) BroadcastConfidenceUpdate(ticketID string, confidence models.ConfidenceSummary) {
	h.publish(Event{
		Type:      EventConfidenceUpdate,
		TicketID:  ticketID,
		Data:      ConfidencePayload{Confidence: confidence},
		Timestamp: h.now(),
	}, topic{kind: topicTicket, key: ticketID})
}

// BroadcastPatternUpdate sends refreshed org patterns to org subscribers and to the
// subscribers of the ticket whose cycle refreshed them.
func (h *Hub) BroadcastPatternUpdate(orgID, ticketID string, patterns *models.OrgPatterns) {
	h.publish(Event{
		Type:      EventPatternUpdate,
		TicketID:  ticketID,
		OrgID:     orgID,
		Data:      PatternPayload{Patterns: patterns},
		Timestamp: h.now(),
	}, topic{kind: topicOrg, key: orgID}, topic{kind: topicTicket, key: ticketID})
}

// BroadcastConflictDetected sends the conflicts found for a ticket.
func (h *Hub) BroadcastConflictDetected(orgID, ticketID string, conflicts []models.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	h.publish(Event{
		Type:      EventConflictDetected,
		TicketID:  ticketID,
		OrgID:     orgID,
		Data:      ConflictPayload{Conflicts: append([]models.Conflict(nil), conflicts...)},
		Timestamp: h.now(),
	}, topic{kind: topicTicket, key: ticketID}, topic{kind: topicOrg, key: orgID})
}

func (h *Hub) publish(ev Event, topics ...topic) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	for _, sub := range h.recipients(topics) {
		if err := sub.Send(ev); err != nil {
			h.drop(sub.ID(), err)
		}
	}
}

func (h *Hub) recipients(topics []topic) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make(map[string]struct{})
	for _, t := range topics {
		if t.key == "" {
			continue
		}
		for id := range h.topics[t] {
			ids[id] = struct{}{}
		}
	}
	for id := range h.firehose {
		ids[id] = struct{}{}
	}

	out := make([]Subscriber, 0, len(ids))
	for id := range ids {
		if sub, ok := h.subscribers[id]; ok {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ChannelSubscriber buffers events in a channel. Send fails once the buffer is full.
type ChannelSubscriber struct {
	id       string
	events   chan Event
	overflow chan struct{}

	mu     sync.Mutex
	closed bool
	full   bool
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(id string, buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{
		id:       id,
		events:   make(chan Event, buffer),
		overflow: make(chan struct{}),
	}
}

func (s *ChannelSubscriber) ID() string { return s.id }

func (s *ChannelSubscriber) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber closed")
	}
	select {
	case s.events <- ev:
		return nil
	default:
		if !s.full {
			s.full = true
			close(s.overflow)
		}
		return ErrSubscriberFull
	}
}

// Events returns the receive side of the buffer.
func (s *ChannelSubscriber) Events() <-chan Event { return s.events }

// Overflowed is closed the first time a send finds the buffer full. The hub has
// dropped the subscriber by then, so the owner should tear the connection down.
func (s *ChannelSubscriber) Overflowed() <-chan struct{} { return s.overflow }

// Close closes the event channel. Later sends fail.
func (s *ChannelSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
