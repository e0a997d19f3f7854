// Package types defines shared identifiers and small value types used
// across the coordination plane.
package types

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/webcall/coordination/internal/auth"
)

// RoomID is a logical room identifier as supplied by a client. It may be
// a free-form string; callers that need the canonical UUID form should
// use CanonicalRoomID.
type RoomID string

// UserID is the authenticated (or guest) subject of a connection.
type UserID string

// ConnID is a connection identifier within a room: either the canonical
// UUID derived from the room+user for an AI agent, or a random UUID for
// a regular participant.
type ConnID string

// roomNamespace and agentNamespace mirror the original source's
// uuid5(NAMESPACE_URL, ...) derivations byte-exactly.
const roomNamespaceFmt = "webcall:%s"
const agentNamespaceFmt = "webcall:agent:%s:%s"

// CanonicalRoomID parses raw as a UUID; if that fails, it derives a
// deterministic UUID v5 from the namespace string "webcall:{raw}" so the
// same free-form room id always canonicalizes to the same UUID.
func CanonicalRoomID(raw string) uuid.UUID {
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf(roomNamespaceFmt, raw)))
}

// AgentConnID derives the deterministic connection id for an AI agent
// socket joining roomUUID on behalf of userID. When userID is empty a
// room-wide fallback agent id is derived instead.
func AgentConnID(roomUUID uuid.UUID, userID string) uuid.UUID {
	if userID == "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf(roomNamespaceFmt, "agent:"+roomUUID.String())))
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf(agentNamespaceFmt, roomUUID.String(), userID)))
}

// IsEphemeralRoom reports whether a room id names a call-invite scratch
// room that should skip persistence hooks, per the "call-..." prefix
// convention used by the invite state machine.
func IsEphemeralRoom(raw string) bool {
	return len(raw) >= 5 && raw[:5] == "call-"
}

// TokenValidator authenticates a bearer token carried on a WebSocket
// query parameter. Production deployments validate against a JWKS;
// dev/test deployments may relax this to a guest-derived claim set.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Clock abstracts wall-clock time so session/TTL logic is deterministically
// testable without sleeping in real time.
type Clock interface {
	NowMs() int64
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// InviteNotifier is the callback interface CallInviteService uses to
// publish lifecycle events without importing the friends package
// directly, breaking the cyclic dependency noted in SPEC_FULL.md §9.
type InviteNotifier interface {
	NotifyInvite(ctx context.Context, fromUserID, toUserID UserID, roomID RoomID, fromUsername, fromEmail string, createdAt int64)
	NotifyAccept(ctx context.Context, fromUserID, toUserID UserID, roomID RoomID)
	NotifyDecline(ctx context.Context, fromUserID, toUserID UserID, roomID RoomID)
	NotifyCancel(ctx context.Context, fromUserID, toUserID UserID, roomID RoomID)
}
