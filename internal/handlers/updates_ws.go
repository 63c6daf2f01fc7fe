package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/configpilot/configpilot/internal/broadcast"
	"github.com/configpilot/configpilot/internal/logging"
	"github.com/configpilot/configpilot/internal/middleware"
)

// UpdateAction is a client request on the updates socket.
type UpdateAction string

const (
	ActionSubscribe      UpdateAction = "subscribe"
	ActionUnsubscribe    UpdateAction = "unsubscribe"
	ActionSubscribeOrg   UpdateAction = "subscribe_org"
	ActionUnsubscribeOrg UpdateAction = "unsubscribe_org"
	ActionPing           UpdateAction = "ping"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxClientMessage = 4096
	subscriberBuffer = 64
)

// ClientMessage is what clients send.
type ClientMessage struct {
	Action   UpdateAction `json:"action"`
	TicketID string       `json:"ticket_id,omitempty"`
	OrgID    string       `json:"org_id,omitempty"`
}

// ControlMessage acknowledges a client action or reports an error. Events use
// broadcast.Event instead.
type ControlMessage struct {
	Type     string       `json:"type"`
	Action   UpdateAction `json:"action,omitempty"`
	TicketID string       `json:"ticket_id,omitempty"`
	OrgID    string       `json:"org_id,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// TicketOwner resolves the org a ticket belongs to. The bool is false for unknown tickets.
type TicketOwner func(ctx context.Context, ticketID string) (string, bool, error)

// UpdatesWSHandler streams live recommendation updates over websockets.
type UpdatesWSHandler struct {
	hub      *broadcast.Hub
	owner    TicketOwner
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewUpdatesWSHandler creates the handler. checkOrigin may be nil to allow all origins.
func NewUpdatesWSHandler(hub *broadcast.Hub, checkOrigin func(*http.Request) bool, log *zap.Logger) *UpdatesWSHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &UpdatesWSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log:   logging.OrNop(log),
		conns: make(map[string]*websocket.Conn),
	}
}

// SetTicketOwner enables org checks on ticket subscriptions of authenticated clients.
func (h *UpdatesWSHandler) SetTicketOwner(owner TicketOwner) {
	h.owner = owner
}

// SetupRoutes configures WebSocket routes
func (h *UpdatesWSHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/updates", h.HandleWebSocket)
}

// ConnectionCount returns the number of open sockets.
func (h *UpdatesWSHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every open socket; their read loops then unsubscribe them.
func (h *UpdatesWSHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// HandleWebSocket upgrades the request and serves one client until it disconnects.
func (h *UpdatesWSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &updatesConn{
		handler: h,
		conn:    conn,
		sub:     broadcast.NewChannelSubscriber(uuid.NewString(), subscriberBuffer),
		claims:  middleware.ClaimsFromContext(r.Context()),
		control: make(chan ControlMessage, 8),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.sub.ID()] = conn
	h.mu.Unlock()
	h.log.Debug("updates client connected", zap.String("subscriber_id", c.sub.ID()), zap.String("remote_addr", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(r)

	// The hub must forget the subscriber before its channel closes.
	h.hub.Remove(c.sub.ID())
	close(c.done)
	<-writerDone
	c.sub.Close()
	conn.Close()

	h.mu.Lock()
	delete(h.conns, c.sub.ID())
	h.mu.Unlock()
	h.log.Debug("updates client disconnected", zap.String("subscriber_id", c.sub.ID()))
}

type updatesConn struct {
	handler *UpdatesWSHandler
	conn    *websocket.Conn
	sub     *broadcast.ChannelSubscriber
	claims  *middleware.Claims
	control chan ControlMessage
	done    chan struct{}
}

func (c *updatesConn) readLoop(r *http.Request) {
	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.log.Info("updates read error", zap.String("subscriber_id", c.sub.ID()), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(ControlMessage{Type: "error", Error: "malformed message"})
			continue
		}
		c.reply(c.handle(r, msg))
	}
}

func (c *updatesConn) handle(r *http.Request, msg ClientMessage) ControlMessage {
	ack := ControlMessage{Type: "ack", Action: msg.Action, TicketID: msg.TicketID, OrgID: msg.OrgID}
	fail := func(reason string) ControlMessage {
		ack.Type, ack.Error = "error", reason
		return ack
	}
	hub := c.handler.hub

	switch msg.Action {
	case ActionSubscribe:
		if msg.TicketID == "" {
			return fail("ticket_id is required")
		}
		if err := c.authorizeTicket(r.Context(), msg.TicketID); err != nil {
			return fail(err.Error())
		}
		if err := hub.Subscribe(r.Context(), c.sub, msg.TicketID); err != nil {
			return fail(err.Error())
		}
	case ActionUnsubscribe:
		if msg.TicketID == "" {
			return fail("ticket_id is required")
		}
		hub.Unsubscribe(c.sub.ID(), msg.TicketID)
	case ActionSubscribeOrg:
		if msg.OrgID == "" {
			return fail("org_id is required")
		}
		if c.claims != nil && !c.claims.AllowsOrg(msg.OrgID) {
			return fail(middleware.ErrOrgForbidden.Error())
		}
		hub.SubscribeOrg(c.sub, msg.OrgID)
	case ActionUnsubscribeOrg:
		hub.UnsubscribeOrg(c.sub.ID(), msg.OrgID)
	case ActionPing:
		ack.Type = "pong"
	default:
		return fail("unknown action")
	}
	return ack
}

// authorizeTicket rejects subscriptions to tickets of orgs the token does not cover.
func (c *updatesConn) authorizeTicket(ctx context.Context, ticketID string) error {
	if c.claims == nil || c.handler.owner == nil {
		return nil
	}
	org, ok, err := c.handler.owner(ctx, ticketID)
	if err != nil {
		c.handler.log.Warn("failed to resolve ticket org", zap.String("ticket_id", ticketID), zap.Error(err))
		return errors.New("ticket lookup failed")
	}
	if ok && !c.claims.AllowsOrg(org) {
		return middleware.ErrOrgForbidden
	}
	return nil
}

// reply queues a control message without blocking the read loop.
func (c *updatesConn) reply(msg ControlMessage) {
	select {
	case c.control <- msg:
	default:
		c.handler.log.Warn("dropping control reply", zap.String("subscriber_id", c.sub.ID()), zap.String("type", msg.Type))
	}
}

// writeLoop is the only writer on the connection.
func (c *updatesConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if err := c.write(ev); err != nil {
				c.conn.Close()
				return
			}
		case msg := <-c.control:
			if err := c.write(msg); err != nil {
				c.conn.Close()
				return
			}
		case <-c.sub.Overflowed():
			// The hub dropped us; the client reconnects and gets a replay.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client too slow"))
			c.conn.Close()
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *updatesConn) write(v interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
