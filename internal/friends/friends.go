// Package friends implements FriendsHub: the per-user WebSocket registry
// for friendship and call-invite events. At most one socket is active per
// user; a new connection supersedes and closes the previous one with
// close code 4000.
package friends

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/webcall/coordination/internal/auth"
	"github.com/webcall/coordination/internal/callinvite"
	"github.com/webcall/coordination/internal/metrics"
	"github.com/webcall/coordination/internal/types"
	"github.com/webcall/coordination/internal/wire"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// supersededCloseCode is sent to a user's previous friends socket when a
// new one registers.
const supersededCloseCode = 4000

// TokenValidator authenticates a friends-socket connection.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Client is a single user's friends-socket connection.
type Client struct {
	conn   *websocket.Conn
	userID types.UserID
	send   chan []byte
	hub    *Hub
	once   sync.Once
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
		slog.Error("friends: failed to marshal frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("friends: client send channel full, dropping frame", "userID", c.userID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.once.Do(func() { _ = c.conn.Close() })
		close(c.send)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wire.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ping":
			c.enqueue(map[string]string{"type": "pong"})
		case "call_end":
			c.hub.handleCallEnd(context.Background(), c, frame.Payload)
		}
	}
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

// UserRateLimiter enforces the per-user phase of the WebSocket connect
// rate limit, checked after authentication resolves a userID.
type UserRateLimiter interface {
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// Hub is the owned registry of friends-socket clients, one active per
// user. It also implements types.InviteNotifier so CallInviteService can
// be wired to it without importing this package.
type Hub struct {
	mu         sync.Mutex
	clients    map[types.UserID]*Client
	validator  TokenValidator
	invites    callinvite.Service
	limiter    UserRateLimiter
	skipAuth   bool
	allowedOrg []string
}

// Options configures a Hub.
type Options struct {
	Validator      TokenValidator
	Invites        callinvite.Service
	Limiter        UserRateLimiter
	SkipAuth       bool
	AllowedOrigins []string
}

// NewHub constructs an empty Hub.
func NewHub(opts Options) *Hub {
	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000"}
	}
	return &Hub{
		clients:    make(map[types.UserID]*Client),
		validator:  opts.Validator,
		invites:    opts.Invites,
		limiter:    opts.Limiter,
		skipAuth:   opts.SkipAuth,
		allowedOrg: allowed,
	}
}

// SetInvites wires the call-invite service after construction, for the
// common composition-root case where the service itself needs this Hub
// as its types.InviteNotifier.
func (h *Hub) SetInvites(invites callinvite.Service) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invites = invites
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrg {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// register installs client as the sole active socket for userID,
// superseding and closing any previous one.
func (h *Hub) register(userID types.UserID, client *Client) {
	h.mu.Lock()
	old, existed := h.clients[userID]
	h.clients[userID] = client
	h.mu.Unlock()

	if existed {
		slog.Info("friends: superseding existing socket", "userID", userID)
		old.closeWithCode(supersededCloseCode)
	}
	metrics.ActiveFriendsConnections.Inc()
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.userID]; ok && current == client {
		delete(h.clients, client.userID)
		h.mu.Unlock()
		metrics.ActiveFriendsConnections.Dec()
		return
	}
	h.mu.Unlock()
}

func (h *Hub) clientFor(userID types.UserID) (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[userID]
	return c, ok
}

// BroadcastUser delivers frame to userID's active socket, if any.
func (h *Hub) BroadcastUser(userID types.UserID, frame any) {
	if c, ok := h.clientFor(userID); ok {
		c.enqueue(frame)
	}
}

// BroadcastUsers delivers frame to every listed user's active socket.
func (h *Hub) BroadcastUsers(userIDs []types.UserID, frame any) {
	for _, id := range userIDs {
		h.BroadcastUser(id, frame)
	}
}

func (h *Hub) handleCallEnd(ctx context.Context, c *Client, raw json.RawMessage) {
	var payload struct {
		RoomID   string `json:"roomId"`
		ToUserID string `json:"toUserId"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.RoomID == "" || payload.ToUserID == "" {
		return
	}
	reason := payload.Reason
	if reason == "" {
		reason = "hangup"
	}
	h.PublishCallEnd(ctx, c.userID, types.UserID(payload.ToUserID), types.RoomID(payload.RoomID), reason)
}

// ServeWS upgrades and registers a friends-socket connection, replays any
// pending call invites for the authenticated user, then serves it until
// disconnect.
func (h *Hub) ServeWS(c *gin.Context) {
	tokenString := c.Query("token")
	allowUnauth := h.skipAuth

	var userID types.UserID
	if tokenString != "" && h.validator != nil {
		claims, err := h.validator.ValidateToken(tokenString)
		if err != nil {
			if !allowUnauth {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
		} else {
			userID = types.UserID(claims.Subject)
		}
	} else if !allowUnauth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	if userID != "" && h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), string(userID)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("friends: failed to upgrade connection", "error", err)
		return
	}

	client := &Client{conn: conn, userID: userID, send: make(chan []byte, 256), hub: h}

	if userID != "" {
		h.register(userID, client)
		h.replayPendingInvites(c.Request.Context(), userID, client)
	}

	go client.writePump()
	client.readPump()
}

func (h *Hub) replayPendingInvites(ctx context.Context, userID types.UserID, client *Client) {
	if h.invites == nil {
		return
	}
	pending, err := h.invites.ListPendingFor(ctx, userID)
	if err != nil {
		slog.Warn("friends: failed to list pending invites", "userID", userID, "error", err)
		return
	}
	for _, inv := range pending {
		client.enqueue(map[string]any{
			"type":          "call_invite",
			"fromUserId":    inv.FromUserID,
			"toUserId":      inv.ToUserID,
			"roomId":        inv.RoomID,
			"fromUsername":  inv.FromUsername,
			"fromEmail":     inv.FromEmail,
			"createdAt":     inv.CreatedAt,
			"pendingReplay": true,
		})
	}
}

// --- Publication helpers (spec.md friends endpoint) ---

// PublishFriendRequest notifies toUserID of an incoming friend request.
func (h *Hub) PublishFriendRequest(fromUserID, toUserID types.UserID) {
	h.BroadcastUser(toUserID, friendEvent("friend_request", wire.FriendEventPayload{FromUserID: string(fromUserID)}))
}

// PublishFriendAccepted notifies both parties that a friend request was accepted.
func (h *Hub) PublishFriendAccepted(fromUserID, toUserID types.UserID) {
	frame := friendEvent("friend_accepted", wire.FriendEventPayload{FromUserID: string(fromUserID), ToUserID: string(toUserID)})
	h.BroadcastUsers([]types.UserID{fromUserID, toUserID}, frame)
}

// PublishFriendCancelled notifies toUserID that a pending request was cancelled.
func (h *Hub) PublishFriendCancelled(fromUserID, toUserID types.UserID) {
	h.BroadcastUser(toUserID, friendEvent("friend_cancelled", wire.FriendEventPayload{FromUserID: string(fromUserID)}))
}

// PublishFriendRemoved notifies both parties that a friendship was removed.
func (h *Hub) PublishFriendRemoved(userA, userB types.UserID) {
	frame := friendEvent("friend_removed", wire.FriendEventPayload{})
	h.BroadcastUsers([]types.UserID{userA, userB}, frame)
}

// PublishDirectMessage relays a direct message's ciphertext to its recipient.
func (h *Hub) PublishDirectMessage(fromUserID, toUserID types.UserID, content string) {
	h.BroadcastUser(toUserID, friendEvent("direct_message", wire.FriendEventPayload{FromUserID: string(fromUserID), Content: content}))
}

// PublishDirectCleared notifies toUserID that direct-message history was cleared.
func (h *Hub) PublishDirectCleared(fromUserID, toUserID types.UserID) {
	h.BroadcastUser(toUserID, friendEvent("direct_cleared", wire.FriendEventPayload{FromUserID: string(fromUserID)}))
}

// PublishCallEnd notifies both parties that an active call ended.
func (h *Hub) PublishCallEnd(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID, reason string) {
	frame := map[string]any{
		"type":       "call_end",
		"fromUserId": fromUserID,
		"toUserId":   toUserID,
		"roomId":     roomID,
		"reason":     reason,
	}
	h.BroadcastUsers([]types.UserID{fromUserID, toUserID}, frame)
	metrics.CallInviteEvents.WithLabelValues("end").Inc()
}

// PublishCallInvite sends call_invite to toUserID; NotifyInvite forwards to it.
func (h *Hub) PublishCallInvite(fromUserID, toUserID types.UserID, roomID types.RoomID, fromUsername, fromEmail string, createdAt int64) {
	h.BroadcastUser(toUserID, map[string]any{
		"type":         "call_invite",
		"fromUserId":   fromUserID,
		"toUserId":     toUserID,
		"roomId":       roomID,
		"fromUsername": fromUsername,
		"fromEmail":    fromEmail,
		"createdAt":    createdAt,
	})
	metrics.CallInviteEvents.WithLabelValues("invite").Inc()
}

// PublishCallAccept sends call_accept to both parties; NotifyAccept forwards to it.
func (h *Hub) PublishCallAccept(fromUserID, toUserID types.UserID, roomID types.RoomID) {
	h.BroadcastUsers([]types.UserID{fromUserID, toUserID}, map[string]any{
		"type": "call_accept", "fromUserId": fromUserID, "toUserId": toUserID, "roomId": roomID,
	})
	metrics.CallInviteEvents.WithLabelValues("accept").Inc()
}

// PublishCallDecline sends call_decline to both parties; NotifyDecline forwards to it.
func (h *Hub) PublishCallDecline(fromUserID, toUserID types.UserID, roomID types.RoomID) {
	h.BroadcastUsers([]types.UserID{fromUserID, toUserID}, map[string]any{
		"type": "call_decline", "fromUserId": fromUserID, "toUserId": toUserID, "roomId": roomID,
	})
	metrics.CallInviteEvents.WithLabelValues("decline").Inc()
}

// PublishCallCancel sends call_cancel to both parties; NotifyCancel forwards to it.
func (h *Hub) PublishCallCancel(fromUserID, toUserID types.UserID, roomID types.RoomID) {
	h.BroadcastUsers([]types.UserID{fromUserID, toUserID}, map[string]any{
		"type": "call_cancel", "fromUserId": fromUserID, "toUserId": toUserID, "roomId": roomID,
	})
	metrics.CallInviteEvents.WithLabelValues("cancel").Inc()
}

// NotifyInvite satisfies types.InviteNotifier.
func (h *Hub) NotifyInvite(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID, fromUsername, fromEmail string, createdAt int64) {
	h.PublishCallInvite(fromUserID, toUserID, roomID, fromUsername, fromEmail, createdAt)
}

// NotifyAccept satisfies types.InviteNotifier.
func (h *Hub) NotifyAccept(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) {
	h.PublishCallAccept(fromUserID, toUserID, roomID)
}

// NotifyDecline satisfies types.InviteNotifier.
func (h *Hub) NotifyDecline(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) {
	h.PublishCallDecline(fromUserID, toUserID, roomID)
}

// NotifyCancel satisfies types.InviteNotifier.
func (h *Hub) NotifyCancel(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) {
	h.PublishCallCancel(fromUserID, toUserID, roomID)
}

var _ types.InviteNotifier = (*Hub)(nil)

type typedFriendEvent struct {
	wire.FriendEventPayload
	Type string `json:"type"`
}

func friendEvent(t string, p wire.FriendEventPayload) typedFriendEvent {
	return typedFriendEvent{FriendEventPayload: p, Type: t}
}
