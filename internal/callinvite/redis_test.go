package callinvite

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisService(t *testing.T, notifier *fakeNotifier) (*RedisService, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisService(client, notifier, 0), mr
}

func TestRedisService_InviteThenAccept(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, mr := newTestRedisService(t, notifier)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, "alice", "bob", "room-1", "Alice", "alice@example.com"))

	pending, err := svc.ListPendingFor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", string(pending[0].FromUserID))

	require.NoError(t, svc.Accept(ctx, "alice", "bob", "room-1"))

	pending, err = svc.ListPendingFor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Len(t, notifier.events, 2)
	assert.Equal(t, "invite", notifier.events[0].kind)
	assert.Equal(t, "accept", notifier.events[1].kind)
}

func TestRedisService_CancelRemovesBothIndexes(t *testing.T) {
	svc, mr := newTestRedisService(t, nil)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, "a", "b", "room-1", "", ""))
	require.NoError(t, svc.Cancel(ctx, "a", "b", "room-1"))

	pendingA, err := svc.ListPendingFor(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pendingA)

	pendingB, err := svc.ListPendingFor(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, pendingB)
}

func TestRedisService_InviteSetsExpiry(t *testing.T) {
	svc, mr := newTestRedisService(t, nil)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, svc.Invite(ctx, "a", "b", "room-1", "", ""))
	ttl := mr.TTL(hashKey("room-1"))
	assert.Greater(t, ttl.Seconds(), float64(0))
}
