// Package bus implements the SignalBus: a room-scoped publish/subscribe
// fabric for WebRTC signals and chat fan-out, with an in-process backend
// and an external Redis-backed backend sharing one interface.
package bus

import (
	"context"
	"encoding/json"
)

// Signal is a WebRTC negotiation message relayed through a room. The
// Type field carries the normalized signalType (offer, answer,
// ice-candidate); callers normalize before publishing.
type Signal struct {
	Type         string          `json:"signalType"`
	SenderID     string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	SentAt       int64           `json:"sentAt,omitempty"`
}

// ChatEvent is a chat message relayed through a room's chat channel.
type ChatEvent struct {
	RoomID     string `json:"roomId"`
	FromUserID string `json:"fromUserId"`
	AuthorName string `json:"authorName,omitempty"`
	Content    string `json:"content"`
	SentAt     int64  `json:"sentAt"`
}

// Unsubscribe releases a subscription's resources. Calling it more than
// once is a no-op.
type Unsubscribe func()

// Bus is the SignalBus contract shared by the in-process and Redis
// backends. Publish never blocks the caller beyond a bounded enqueue;
// publish-after-close is a no-op. Subscribe delivers only live traffic —
// no backfill for late joiners.
type Bus interface {
	PublishSignal(ctx context.Context, roomID string, sig Signal) error
	PublishChat(ctx context.Context, roomID string, msg ChatEvent) error
	SubscribeSignals(ctx context.Context, roomID string) (<-chan Signal, Unsubscribe)
	SubscribeChat(ctx context.Context, roomID string) (<-chan ChatEvent, Unsubscribe)
	UpdatePresence(ctx context.Context, roomID, userID string, present bool) error
	ListPresence(ctx context.Context, roomID string) ([]string, error)
	Close() error
}
