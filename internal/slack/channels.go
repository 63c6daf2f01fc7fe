package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/logging"
)

// ConversationLister is the slice of the Slack API the resolver needs.
type ConversationLister interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

// ChannelResolver resolves channel names to IDs and caches the result.
type ChannelResolver struct {
	client ConversationLister
	log    *zap.Logger

	mu    sync.RWMutex
	cache map[string]string // name -> id
}

// NewChannelResolver creates a new channel resolver
func NewChannelResolver(client ConversationLister, log *zap.Logger) *ChannelResolver {
	return &ChannelResolver{
		client: client,
		log:    logging.OrNop(log),
		cache:  make(map[string]string),
	}
}

// ResolveChannel accepts a channel ID (C01234567890) or a name with or without
// the leading '#', and returns the channel ID.
func (r *ChannelResolver) ResolveChannel(ctx context.Context, nameOrID string) (string, error) {
	if nameOrID == "" {
		return "", fmt.Errorf("channel name/ID is empty")
	}
	if isChannelID(nameOrID) {
		return nameOrID, nil
	}

	name := strings.TrimPrefix(nameOrID, "#")
	r.mu.RLock()
	id, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := r.lookupChannel(ctx, name)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[name] = id
	r.mu.Unlock()
	r.log.Info("resolved slack channel", zap.String("channel", name), zap.String("channel_id", id))
	return id, nil
}

// lookupChannel pages through public then private channels.
func (r *ChannelResolver) lookupChannel(ctx context.Context, name string) (string, error) {
	for _, kind := range []string{"public_channel", "private_channel"} {
		cursor := ""
		for {
			channels, next, err := r.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
				ExcludeArchived: true,
				Limit:           1000,
				Types:           []string{kind},
				Cursor:          cursor,
			})
			if err != nil {
				if kind == "private_channel" {
					// Bots without groups:read cannot list private channels.
					r.log.Warn("failed to list private channels", zap.Error(err))
					break
				}
				return "", fmt.Errorf("failed to list public channels: %w", err)
			}
			for _, ch := range channels {
				if ch.Name == name {
					return ch.ID, nil
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return "", fmt.Errorf("channel '%s' not found", name)
}

// ClearCache clears the channel name resolution cache
func (r *ChannelResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// isChannelID reports whether s looks like a Slack channel ID: a 'C' followed by
// upper-case alphanumerics, 9 to 15 characters in total.
func isChannelID(s string) bool {
	if len(s) < 9 || len(s) > 15 {
		return false
	}
	if !strings.HasPrefix(s, "C") {
		return false
	}
	for _, c := range s[1:] {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
