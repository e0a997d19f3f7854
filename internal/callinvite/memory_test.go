package callinvite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webcall/coordination/internal/types"
)

type recordedNotify struct {
	kind         string
	fromUserID   types.UserID
	toUserID     types.UserID
	roomID       types.RoomID
	fromUsername string
	fromEmail    string
	createdAt    int64
}

type fakeNotifier struct {
	events []recordedNotify
}

func (f *fakeNotifier) NotifyInvite(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID, fromUsername, fromEmail string, createdAt int64) {
	f.events = append(f.events, recordedNotify{"invite", fromUserID, toUserID, roomID, fromUsername, fromEmail, createdAt})
}
func (f *fakeNotifier) NotifyAccept(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) {
	f.events = append(f.events, recordedNotify{kind: "accept", fromUserID: fromUserID, toUserID: toUserID, roomID: roomID})
}
func (f *fakeNotifier) NotifyDecline(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) {
	f.events = append(f.events, recordedNotify{kind: "decline", fromUserID: fromUserID, toUserID: toUserID, roomID: roomID})
}
func (f *fakeNotifier) NotifyCancel(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) {
	f.events = append(f.events, recordedNotify{kind: "cancel", fromUserID: fromUserID, toUserID: toUserID, roomID: roomID})
}

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMs() int64 { return c.ms }

func TestMemoryService_InviteThenAccept(t *testing.T) {
	notifier := &fakeNotifier{}
	clock := &fakeClock{ms: 1000}
	svc := NewMemoryService(notifier, clock, 0)
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, "alice", "bob", "room-1", "Alice", "alice@example.com"))

	pending, err := svc.ListPendingFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.UserID("alice"), pending[0].FromUserID)

	require.NoError(t, svc.Accept(ctx, "alice", "bob", "room-1"))

	pending, err = svc.ListPendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Len(t, notifier.events, 2)
	assert.Equal(t, "invite", notifier.events[0].kind)
	assert.Equal(t, "accept", notifier.events[1].kind)
}

func TestMemoryService_DeclineAndCancelFinalize(t *testing.T) {
	ctx := context.Background()

	notifier := &fakeNotifier{}
	svc := NewMemoryService(notifier, &fakeClock{ms: 0}, 0)
	require.NoError(t, svc.Invite(ctx, "a", "b", "room-1", "", ""))
	require.NoError(t, svc.Decline(ctx, "a", "b", "room-1"))
	pending, _ := svc.ListPendingFor(ctx, "a")
	assert.Empty(t, pending)

	svc2 := NewMemoryService(notifier, &fakeClock{ms: 0}, 0)
	require.NoError(t, svc2.Invite(ctx, "a", "b", "room-2", "", ""))
	require.NoError(t, svc2.Cancel(ctx, "a", "b", "room-2"))
	pending, _ = svc2.ListPendingFor(ctx, "b")
	assert.Empty(t, pending)
}

func TestMemoryService_ListPendingFor_ExpiresStaleInvites(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{ms: 0}
	svc := NewMemoryService(nil, clock, 30_000)

	require.NoError(t, svc.Invite(ctx, "a", "b", "room-1", "", ""))

	clock.ms = 40_000
	pending, err := svc.ListPendingFor(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryService_ListPendingFor_OnlyMatchesParticipant(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(nil, &fakeClock{ms: 0}, 0)

	require.NoError(t, svc.Invite(ctx, "a", "b", "room-1", "", ""))

	pending, err := svc.ListPendingFor(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
