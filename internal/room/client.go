package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/webcall/coordination/internal/types"
	"github.com/webcall/coordination/internal/wire"
)

const sendQueueSize = 256

// Client is a single room-socket connection. Every mutation of its own
// join state happens on its readPump goroutine; the signal/chat
// subscriber goroutines and writePump only ever enqueue outbound frames.
type Client struct {
	conn *websocket.Conn
	room *Room
	hub  *Hub

	roomUUID uuid.UUID
	roomID   string // canonical string form, used as the bus/log/orchestrator key
	rawRoom  string // room id as supplied by the client, used for the ephemeral "call-..." check

	userID       string // resolved from token, authoritative identity
	queryAgent   bool   // ?agent=1 on connect
	tokenDisplay string // display name resolved from token/username query

	mu          sync.Mutex
	joined      bool
	connID      types.ConnID
	displayName string
	isAgent     bool

	send chan []byte
	once sync.Once
}

func newClient(conn *websocket.Conn, r *Room, h *Hub, roomUUID uuid.UUID, roomID, rawRoom, userID, displayName string, isAgentQuery bool) *Client {
	return &Client{
		conn:         conn,
		room:         r,
		hub:          h,
		roomUUID:     roomUUID,
		roomID:       roomID,
		rawRoom:      rawRoom,
		userID:       userID,
		queryAgent:   isAgentQuery,
		tokenDisplay: displayName,
		send:         make(chan []byte, sendQueueSize),
	}
}

func (c *Client) closeWithCode(code int) {
	c.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

func (c *Client) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("room: failed to marshal frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("room: client send channel full, dropping frame", "roomID", c.roomID)
	}
}

func (c *Client) currentConnID() (types.ConnID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID, c.joined
}

// serve drives the connection for its lifetime: it starts the writer and
// the two bus-subscriber tasks, runs the read loop inline, then tears
// everything down on disconnect.
func (c *Client) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go c.writePump()
	go c.signalLoop(ctx)
	go c.chatLoop(ctx)

	c.readPump(ctx)

	c.teardown(ctx)
}

func (c *Client) teardown(ctx context.Context) {
	connID, joined := c.currentConnID()
	if !joined {
		c.once.Do(func() { _ = c.conn.Close() })
		close(c.send)
		return
	}

	empty := c.room.leave(connID, c.userID)
	_ = c.hub.bus.UpdatePresence(ctx, c.roomID, c.userID, false)

	if c.isAgentAt() && c.userID != "" && c.hub.orchestrator != nil {
		c.hub.orchestrator.EndUserWindow(c.roomID, c.userID)
	}

	c.broadcastPresence()

	if empty {
		c.hub.scheduleCleanup(c.roomID)
	}

	c.once.Do(func() { _ = c.conn.Close() })
	close(c.send)
}

func (c *Client) isAgentAt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAgent
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	const writeWait = 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// signalLoop delivers bus-published signals targeted at this client (or
// untargeted/broadcast signals) for the lifetime of ctx.
func (c *Client) signalLoop(ctx context.Context) {
	ch, unsub := c.hub.bus.SubscribeSignals(ctx, c.roomID)
	defer unsub()

	for sig := range ch {
		if sig.TargetUserID != "" {
			connID, _ := c.currentConnID()
			if sig.TargetUserID != c.userID && sig.TargetUserID != string(connID) {
				continue
			}
		}
		c.enqueue(map[string]any{
			"type":         "signal",
			"signalType":   sig.Type,
			"fromUserId":   sig.SenderID,
			"targetUserId": sig.TargetUserID,
			"sdp":          sig.SDP,
			"candidate":    sig.Candidate,
		})
	}
}

// chatLoop delivers every bus-published chat message in the room,
// including the sender's own (SPEC_FULL.md open-question decision #2:
// no echo short-circuit, the sender is a subscriber like anyone else).
func (c *Client) chatLoop(ctx context.Context) {
	ch, unsub := c.hub.bus.SubscribeChat(ctx, c.roomID)
	defer unsub()

	for msg := range ch {
		c.enqueue(map[string]any{
			"type":       "chat",
			"fromUserId": msg.FromUserID,
			"authorName": msg.AuthorName,
			"content":    msg.Content,
		})
	}
}

func (c *Client) broadcastPresence() {
	users, names, agentIDs := c.room.snapshotPresence()
	frame := struct {
		Type string `json:"type"`
		wire.PresencePayload
	}{
		Type: "presence",
		PresencePayload: wire.PresencePayload{
			Users:     users,
			UserNames: names,
			AgentIDs:  agentIDs,
		},
	}
	for _, member := range c.room.snapshotMembers() {
		member.enqueue(frame)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (c *Client) sendError(message string) {
	c.enqueue(map[string]any{"type": "error", "message": message})
}
