// Package callinvite implements the call-invitation state machine: a
// pending-invite map keyed by room, with a per-user secondary index and
// TTL expiry, backed by either in-process memory or Redis.
package callinvite

import (
	"context"

	"github.com/webcall/coordination/internal/types"
)

// Invite is a pending call invitation from one user to another, scoped
// to the room the call will happen in.
type Invite struct {
	RoomID       types.RoomID
	FromUserID   types.UserID
	ToUserID     types.UserID
	FromUsername string
	FromEmail    string
	CreatedAt    int64 // epoch ms
}

// Service is the call-invite state machine contract. Implementations
// must be safe for concurrent use and must notify the injected
// types.InviteNotifier on every lifecycle transition, never calling back
// into the friends package directly.
type Service interface {
	Invite(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID, fromUsername, fromEmail string) error
	Accept(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error
	Decline(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error
	Cancel(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error
	ListPendingFor(ctx context.Context, userID types.UserID) ([]Invite, error)
}
