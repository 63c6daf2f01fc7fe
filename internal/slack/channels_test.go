package slack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlack serves GetConversationsContext from pages keyed by channel type and
// records posted messages.
type fakeSlack struct {
	mu         sync.Mutex
	pages      map[string][][]slack.Channel
	listErr    map[string]error
	listCalls  int
	posts      []string
	postErr    error
	postSignal chan struct{}
}

func newFakeSlack() *fakeSlack {
	return &fakeSlack{
		pages:      make(map[string][][]slack.Channel),
		listErr:    make(map[string]error),
		postSignal: make(chan struct{}, 16),
	}
}

func channel(id, name string) slack.Channel {
	var ch slack.Channel
	ch.ID = id
	ch.Name = name
	return ch
}

func (f *fakeSlack) GetConversationsContext(_ context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	kind := params.Types[0]
	if err := f.listErr[kind]; err != nil {
		return nil, "", err
	}
	pages := f.pages[kind]
	idx := 0
	if params.Cursor != "" {
		idx = int(params.Cursor[0] - '0')
	}
	if idx >= len(pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(pages) {
		next = string(rune('0' + idx + 1))
	}
	return pages[idx], next, nil
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.postSignal <- struct{}{} }()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posts = append(f.posts, channelID)
	return channelID, "1700000000.000100", nil
}

func (f *fakeSlack) Posts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func TestIsChannelID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"C01234567890", true},
		{"C01234567", true},
		{"C0ABC123DEF", true},
		{"C012345678901234", false},
		{"", false},
		{"C1234567", false},
		{"D01234567890", false},
		{"C01234abcdef", false},
		{"#config-review", false},
		{"C0123-4567890", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, isChannelID(tt.input))
		})
	}
}

func TestChannelResolver_IDAndEmpty(t *testing.T) {
	api := newFakeSlack()
	r := NewChannelResolver(api, nil)

	id, err := r.ResolveChannel(context.Background(), "C01234567890")
	require.NoError(t, err)
	assert.Equal(t, "C01234567890", id)
	assert.Zero(t, api.listCalls)

	_, err = r.ResolveChannel(context.Background(), "")
	assert.Error(t, err)
}

func TestChannelResolver_PagesAndCaches(t *testing.T) {
	api := newFakeSlack()
	api.pages["public_channel"] = [][]slack.Channel{
		{channel("C11111111111", "general")},
		{channel("C22222222222", "config-review")},
	}
	r := NewChannelResolver(api, nil)

	for _, name := range []string{"#config-review", "config-review"} {
		id, err := r.ResolveChannel(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, "C22222222222", id)
	}
	assert.Equal(t, 2, api.listCalls, "second lookup is cached")

	r.ClearCache()
	_, err := r.ResolveChannel(context.Background(), "config-review")
	require.NoError(t, err)
	assert.Equal(t, 4, api.listCalls)
}

func TestChannelResolver_FallsBackToPrivate(t *testing.T) {
	api := newFakeSlack()
	api.pages["private_channel"] = [][]slack.Channel{{channel("G33333333333", "sf-admins")}}
	r := NewChannelResolver(api, nil)

	id, err := r.ResolveChannel(context.Background(), "sf-admins")
	require.NoError(t, err)
	assert.Equal(t, "G33333333333", id)
}

func TestChannelResolver_Errors(t *testing.T) {
	api := newFakeSlack()
	api.listErr["private_channel"] = errors.New("missing_scope")
	r := NewChannelResolver(api, nil)

	_, err := r.ResolveChannel(context.Background(), "nowhere")
	assert.ErrorContains(t, err, "not found")

	api.listErr["public_channel"] = errors.New("invalid_auth")
	_, err = r.ResolveChannel(context.Background(), "nowhere")
	assert.ErrorContains(t, err, "invalid_auth")
}
