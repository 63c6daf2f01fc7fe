package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configpilot/configpilot/internal/broadcast"
	"github.com/configpilot/configpilot/internal/middleware"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/testhelpers"
)

type wsFixture struct {
	hub    *broadcast.Hub
	ws     *UpdatesWSHandler
	auth   *middleware.JWTAuthMiddleware
	server *httptest.Server
}

func newWSFixture(t *testing.T, authEnabled bool) *wsFixture {
	t.Helper()
	hub := broadcast.NewHub(nil)
	ws := NewUpdatesWSHandler(hub, nil, nil)
	auth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled: authEnabled,
		Secret:  "test-secret",
	}, nil)

	mux := http.NewServeMux()
	ws.SetupRoutes(mux)
	server := httptest.NewServer(auth.Wrap(mux))
	t.Cleanup(func() {
		ws.Close()
		server.Close()
	})
	return &wsFixture{hub: hub, ws: ws, auth: auth, server: server}
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/updates"
	if token != "" {
		url += "?access_token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil returns the first message whose "type" equals want. Acks and replays
// are written by different goroutines so their order is not fixed.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&msg))
		var typ string
		require.NoError(t, json.Unmarshal(msg["type"], &typ))
		if typ == want {
			return msg
		}
	}
}

func TestUpdatesWS_SubscribeAndReceive(t *testing.T) {
	f := newWSFixture(t, false)
	conn := f.dial(t, "")

	send(t, conn, ClientMessage{Action: ActionSubscribe, TicketID: "T-1"})
	ack := readUntil(t, conn, "ack")
	assert.JSONEq(t, `"T-1"`, string(ack["ticket_id"]))

	testhelpers.Eventually(t, 2*time.Second, func() bool { return f.hub.Subscribed(firstConnID(f.ws), "T-1") }, "subscription registered")

	f.hub.BroadcastRecommendationUpdate(&models.RecalculationResult{
		TicketID: "T-1",
		OrgID:    "org-1",
		Recommendations: []models.Recommendation{
			testhelpers.NewRecommendationBuilder().WithID("naming-live").Build(),
		},
	})

	ev := readUntil(t, conn, string(broadcast.EventRecommendationUpdate))
	assert.Contains(t, string(ev["data"]), "naming-live")
}

func TestUpdatesWS_ControlErrors(t *testing.T) {
	f := newWSFixture(t, false)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readUntil(t, conn, "error")
	assert.JSONEq(t, `"malformed message"`, string(msg["error"]))

	send(t, conn, ClientMessage{Action: ActionSubscribe})
	msg = readUntil(t, conn, "error")
	assert.Contains(t, string(msg["error"]), "ticket_id is required")

	send(t, conn, ClientMessage{Action: "explode"})
	msg = readUntil(t, conn, "error")
	assert.Contains(t, string(msg["error"]), "unknown action")

	send(t, conn, ClientMessage{Action: ActionPing})
	readUntil(t, conn, "pong")
}

func TestUpdatesWS_OrgSubscriptionHonorsClaims(t *testing.T) {
	f := newWSFixture(t, true)
	token, err := f.auth.GenerateToken("reviewer", []string{"org-1"}, time.Hour)
	require.NoError(t, err)
	conn := f.dial(t, token)

	send(t, conn, ClientMessage{Action: ActionSubscribeOrg, OrgID: "org-2"})
	msg := readUntil(t, conn, "error")
	assert.Contains(t, string(msg["error"]), "does not grant access")

	send(t, conn, ClientMessage{Action: ActionSubscribeOrg, OrgID: "org-1"})
	readUntil(t, conn, "ack")

	f.hub.BroadcastConflictDetected("org-1", "T-4", []models.Conflict{{
		Type:               models.ConflictDuplicate,
		Severity:           models.SeverityHigh,
		AffectedComponents: []string{"Invoice__c.Total__c"},
	}})
	ev := readUntil(t, conn, string(broadcast.EventConflictDetected))
	assert.JSONEq(t, `"T-4"`, string(ev["ticket_id"]))
}

func TestUpdatesWS_TicketSubscriptionHonorsClaims(t *testing.T) {
	f := newWSFixture(t, true)
	f.ws.SetTicketOwner(func(_ context.Context, ticketID string) (string, bool, error) {
		switch ticketID {
		case "T-1":
			return "org-1", true, nil
		case "T-2":
			return "org-2", true, nil
		}
		return "", false, nil
	})
	f.hub.BroadcastRecommendationUpdate(&models.RecalculationResult{
		TicketID: "T-2",
		OrgID:    "org-2",
		Recommendations: []models.Recommendation{
			testhelpers.NewRecommendationBuilder().WithID("naming-secret").Build(),
		},
	})

	token, err := f.auth.GenerateToken("reviewer", []string{"org-1"}, time.Hour)
	require.NoError(t, err)
	conn := f.dial(t, token)

	send(t, conn, ClientMessage{Action: ActionSubscribe, TicketID: "T-2"})
	msg := readUntil(t, conn, "error")
	assert.Contains(t, string(msg["error"]), "does not grant access")
	assert.False(t, f.hub.Subscribed(firstConnID(f.ws), "T-2"))

	send(t, conn, ClientMessage{Action: ActionSubscribe, TicketID: "T-1"})
	readUntil(t, conn, "ack")

	send(t, conn, ClientMessage{Action: ActionSubscribe, TicketID: "T-new"})
	ack := readUntil(t, conn, "ack")
	assert.JSONEq(t, `"T-new"`, string(ack["ticket_id"]), "unknown tickets are allowed")
}

func TestUpdatesWS_RejectsMissingToken(t *testing.T) {
	f := newWSFixture(t, true)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/updates"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpdatesWS_DisconnectRemovesSubscriber(t *testing.T) {
	f := newWSFixture(t, false)
	conn := f.dial(t, "")
	send(t, conn, ClientMessage{Action: ActionSubscribe, TicketID: "T-1"})
	readUntil(t, conn, "ack")
	assert.Equal(t, 1, f.ws.ConnectionCount())
	assert.Equal(t, 1, f.hub.SubscriberCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return f.ws.ConnectionCount() == 0 && f.hub.SubscriberCount() == 0
	}, "subscriber removed after disconnect")
}

func firstConnID(h *UpdatesWSHandler) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.conns {
		return id
	}
	return ""
}
