// Package slack posts serious conflict detections to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/broadcast"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/models"
)

// ErrNotifierClosed is returned by Send after Close.
var ErrNotifierClosed = errors.New("conflict notifier closed")

// MessagePoster is the slice of the Slack API the notifier needs.
type MessagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAPI is satisfied by *slack.Client.
type SlackAPI interface {
	MessagePoster
	ConversationLister
}

// NotifierConfig configures a ConflictNotifier.
type NotifierConfig struct {
	Channel     string
	Buffer      int
	PostTimeout time.Duration
}

// ConflictNotifier is a firehose subscriber that posts critical and high severity
// conflicts. Send never blocks: events go through a buffered queue drained by one
// goroutine, and events that do not fit are dropped with a warning.
type ConflictNotifier struct {
	api      SlackAPI
	resolver *ChannelResolver
	cfg      NotifierConfig
	log      *zap.Logger

	queue     chan broadcast.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewClient creates a Slack Web API client for token.
func NewClient(token string, options ...slack.Option) *slack.Client {
	return slack.New(token, options...)
}

// NewConflictNotifier starts the posting goroutine. Call Close to stop it.
func NewConflictNotifier(api SlackAPI, cfg NotifierConfig, log *zap.Logger) *ConflictNotifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 10 * time.Second
	}
	log = logging.OrNop(log)
	n := &ConflictNotifier{
		api:      api,
		resolver: NewChannelResolver(api, log),
		cfg:      cfg,
		log:      log.With(zap.String("component", "slack_notifier")),
		queue:    make(chan broadcast.Event, cfg.Buffer),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

// ID implements broadcast.Subscriber.
func (n *ConflictNotifier) ID() string {
	return "slack-conflict-notifier"
}

// Send implements broadcast.Subscriber. Events other than serious conflict
// detections are ignored.
func (n *ConflictNotifier) Send(ev broadcast.Event) error {
	if ev.Type != broadcast.EventConflictDetected {
		return nil
	}
	payload, ok := ev.Data.(broadcast.ConflictPayload)
	if !ok || len(seriousConflicts(payload.Conflicts)) == 0 {
		return nil
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}
	select {
	case n.queue <- ev:
	default:
		n.log.Warn("notification queue full, dropping conflict event", zap.String("ticket_id", ev.TicketID))
	}
	return nil
}

// Close stops accepting events, posts what is queued and waits for the goroutine.
func (n *ConflictNotifier) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
		<-n.done
	})
}

func (n *ConflictNotifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		if err := n.post(ev); err != nil {
			n.log.Warn("failed to post conflict notification",
				zap.String("ticket_id", ev.TicketID),
				zap.String("org_id", ev.OrgID),
				zap.Error(err))
		}
	}
}

func (n *ConflictNotifier) post(ev broadcast.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PostTimeout)
	defer cancel()

	channelID, err := n.resolver.ResolveChannel(ctx, n.cfg.Channel)
	if err != nil {
		return err
	}
	conflicts := seriousConflicts(ev.Data.(broadcast.ConflictPayload).Conflicts)
	summary, blocks := formatConflicts(ev.OrgID, ev.TicketID, conflicts)

	_, ts, err := n.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(summary, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("post to %s: %w", channelID, err)
	}
	n.log.Info("posted conflict notification",
		zap.String("ticket_id", ev.TicketID),
		zap.Int("conflicts", len(conflicts)),
		zap.String("ts", ts))
	return nil
}

func seriousConflicts(conflicts []models.Conflict) []models.Conflict {
	var out []models.Conflict
	for _, c := range conflicts {
		if c.Severity == models.SeverityCritical || c.Severity == models.SeverityHigh {
			out = append(out, c)
		}
	}
	return out
}

// formatConflicts renders the fallback text and one section per conflict.
func formatConflicts(orgID, ticketID string, conflicts []models.Conflict) (string, []slack.Block) {
	summary := fmt.Sprintf("%d serious conflict(s) on ticket %s (org %s)", len(conflicts), ticketID, orgID)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, summary, false, false)),
	}
	for _, c := range conflicts {
		text := fmt.Sprintf("*%s* `%s`\n%s", strings.ToUpper(string(c.Severity)), c.Type, c.Message)
		if len(c.AffectedComponents) > 0 {
			text += "\nAffects: " + strings.Join(c.AffectedComponents, ", ")
		}
		if c.Resolution != "" {
			text += "\n_Resolution:_ " + c.Resolution
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))
	}
	return summary, blocks
}
