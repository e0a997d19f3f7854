package room

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/webcall/coordination/internal/bus"
	"github.com/webcall/coordination/internal/messagelog"
	"github.com/webcall/coordination/internal/metrics"
	"github.com/webcall/coordination/internal/summary"
	"github.com/webcall/coordination/internal/types"
)

// defaultCleanupGracePeriod mirrors the teacher's room-cleanup grace
// window: an empty room stays registered briefly so a client reconnecting
// (e.g. after a page refresh) rejoins the same Room rather than a fresh
// one.
const defaultCleanupGracePeriod = 5 * time.Second

// UserRateLimiter enforces the per-user phase of the WebSocket connect
// rate limit, checked after authentication resolves a userID.
type UserRateLimiter interface {
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// Hub is the process-wide registry of live Rooms. It owns WebSocket
// upgrade, authentication, and room lifecycle; per-room state lives on
// the Room itself.
type Hub struct {
	mu                 sync.Mutex
	rooms              map[string]*Room
	pendingCleanups    map[string]*time.Timer
	cleanupGracePeriod time.Duration

	validator      types.TokenValidator
	bus            bus.Bus
	log            *messagelog.Log
	orchestrator   *summary.Orchestrator
	visits         VisitRecorder
	limiter        UserRateLimiter
	skipAuth       bool
	allowedOrg     []string
}

// Options configures a Hub.
type Options struct {
	Validator      types.TokenValidator
	Bus            bus.Bus
	Log            *messagelog.Log
	Orchestrator   *summary.Orchestrator
	Visits         VisitRecorder
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
		rooms:              make(map[string]*Room),
		pendingCleanups:    make(map[string]*time.Timer),
		cleanupGracePeriod: defaultCleanupGracePeriod,
		validator:          opts.Validator,
		bus:                opts.Bus,
		log:                opts.Log,
		orchestrator:       opts.Orchestrator,
		visits:             opts.Visits,
		limiter:            opts.Limiter,
		skipAuth:           opts.SkipAuth,
		allowedOrg:         allowed,
	}
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

// getOrCreateRoom returns the Room for id, creating it if absent and
// cancelling any pending cleanup timer for it.
func (h *Hub) getOrCreateRoom(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[id]; ok {
		if timer, pending := h.pendingCleanups[id]; pending {
			timer.Stop()
			delete(h.pendingCleanups, id)
		}
		return r
	}

	r := newRoom(id)
	h.rooms[id] = r
	metrics.ActiveRooms.Inc()
	return r
}

// scheduleCleanup arms a grace-period timer that deletes the room if it
// is still empty once the timer fires, cancelling any prior timer first.
func (h *Hub) scheduleCleanup(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingCleanups[id]; ok {
		existing.Stop()
		delete(h.pendingCleanups, id)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.pendingCleanups, id)
		r, ok := h.rooms[id]
		if !ok {
			return
		}
		if !r.isEmpty() {
			return
		}
		delete(h.rooms, id)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(id)
		slog.Info("room: removed empty room after grace period", "roomID", id)
	})
	h.pendingCleanups[id] = timer
}

// ServeWS upgrades and serves a single room socket connection.
func (h *Hub) ServeWS(c *gin.Context) {
	roomParam := c.Param("roomId")

	tokenString := c.Query("token")
	allowUnauth := h.skipAuth

	var userID, username string
	if tokenString != "" && h.validator != nil {
		claims, err := h.validator.ValidateToken(tokenString)
		if err != nil {
			if !allowUnauth {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
		} else {
			userID = claims.Subject
			username = claims.Name
			if username == "" {
				username = claims.Email
			}
			if username == "" {
				username = claims.Subject
			}
		}
	} else if !allowUnauth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	if q := c.Query("username"); q != "" {
		username = q
	}

	if userID != "" && h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	isAgentConn := c.Query("agent") == "1"

	canonicalUUID := types.CanonicalRoomID(roomParam)
	canonical := canonicalUUID.String()

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("room: failed to upgrade connection", "error", err)
		return
	}

	r := h.getOrCreateRoom(canonical)

	client := newClient(conn, r, h, canonicalUUID, canonical, roomParam, userID, username, isAgentConn)

	metrics.IncConnection()
	defer metrics.DecConnection()

	client.serve(c.Request.Context())
}
