// Package wire defines the JSON frame shapes exchanged with browser
// clients over the three WebSocket endpoints (room, friends, voice
// capture) and the generic payload-decoding helper shared by their
// handlers.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InboundFrame is the envelope every client->server WebSocket message is
// parsed into before dispatch on Type.
type InboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the remaining fields as Payload so handlers can
// re-decode into a concrete payload type without a second read of the
// socket.
func (f *InboundFrame) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}
	f.Type = discriminator.Type
	f.Payload = json.RawMessage(data)
	return nil
}

// DecodePayload re-unmarshals a raw inbound frame's bytes into T. This
// mirrors decoding a generic JSON payload into a concrete struct twice:
// once into the envelope to learn its type, once into the typed struct
// to work with it. The fields not present in T are ignored.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var result T
	if len(raw) == 0 {
		return result, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode payload: %w", err)
	}
	return result, nil
}

// NormalizeSignalType applies spec's signalType normalization: strip
// whitespace and underscores, lowercase, then fold the icecandidate
// spelling variants to the canonical "ice-candidate".
func NormalizeSignalType(raw string) string {
	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	switch s {
	case "icecandidate", "ice-candidate":
		return "ice-candidate"
	}
	return s
}

// --- Room WebSocket frames (spec.md room/signaling endpoint) ---

// JoinPayload is the room "join" client frame.
type JoinPayload struct {
	FromUserID string `json:"fromUserId"`
	Username   string `json:"username,omitempty"`
}

// ChatPayload is the room "chat" client frame, and also the shape
// mirrored back to every member on the server->client "chat" frame
// (with AuthorName populated).
type ChatPayload struct {
	FromUserID string `json:"fromUserId"`
	AuthorName string `json:"authorName,omitempty"`
	Content    string `json:"content"`
}

// SignalPayload is the room "signal" client/server frame carrying WebRTC
// negotiation data.
type SignalPayload struct {
	SignalType   string          `json:"signalType"`
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// PresencePayload is the room "presence" server frame.
type PresencePayload struct {
	Users     []string          `json:"users"`
	UserNames map[string]string `json:"userNames"`
	AgentIDs  []string          `json:"agentIds"`
}

// ErrorPayload is the generic "error" server frame used by every
// endpoint for invalid-input replies that do not close the connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// AgentSummaryAckPayload is the room "agent_summary_ack" server frame.
type AgentSummaryAckPayload struct {
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
	Finalized bool   `json:"finalized,omitempty"`
}

// --- Friends WebSocket frames ---

// FriendEventPayload carries the friendship lifecycle and direct-message
// events relayed over the friends socket: friend_request,
// friend_accepted, friend_cancelled, friend_removed, direct_message,
// direct_cleared.
type FriendEventPayload struct {
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	Content    string `json:"content,omitempty"`
}

// CallInviteEventPayload carries call-invite lifecycle events relayed
// over the friends socket: call_invite, call_accept, call_decline,
// call_cancel, call_end.
type CallInviteEventPayload struct {
	FromUserID   string `json:"fromUserId"`
	ToUserID     string `json:"toUserId"`
	RoomID       string `json:"roomId"`
	FromUsername string `json:"fromUsername,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
}

// --- Voice capture WebSocket frames ---

// NoAudioPayload is the voice-capture "no-audio" diagnostic frame sent
// when a session is started but no bytes arrive within the grace window.
type NoAudioPayload struct {
	Message string `json:"message"`
}
