package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := NewRedisBus(mr.Addr(), "")
	require.NoError(t, err)

	return b, mr
}

func TestNewRedisBus(t *testing.T) {
	b, mr := newTestRedisBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	assert.NotNil(t, b.Client())
	assert.NoError(t, b.Ping(context.Background()))
}

func TestRedisBus_PublishSignal(t *testing.T) {
	b, mr := newTestRedisBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	signals, unsub := b.SubscribeSignals(ctx, roomID)
	defer unsub()
	time.Sleep(50 * time.Millisecond)

	err := b.PublishSignal(ctx, roomID, Signal{Type: "offer", SenderID: "sender-1", SDP: "v=0"})
	assert.NoError(t, err)

	select {
	case sig := <-signals:
		assert.Equal(t, "offer", sig.Type)
		assert.Equal(t, "sender-1", sig.SenderID)
		assert.Equal(t, "v=0", sig.SDP)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestRedisBus_PublishChat(t *testing.T) {
	b, mr := newTestRedisBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	roomID := "room-chat"

	chat, unsub := b.SubscribeChat(ctx, roomID)
	defer unsub()
	time.Sleep(50 * time.Millisecond)

	err := b.PublishChat(ctx, roomID, ChatEvent{RoomID: roomID, FromUserID: "user-1", Content: "hello"})
	assert.NoError(t, err)

	select {
	case msg := <-chat:
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "user-1", msg.FromUserID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for chat message")
	}
}

func TestRedisBus_Presence(t *testing.T) {
	b, mr := newTestRedisBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	roomID := "room-presence"

	require.NoError(t, b.UpdatePresence(ctx, roomID, "user-1", true))
	require.NoError(t, b.UpdatePresence(ctx, roomID, "user-2", true))

	members, err := b.ListPresence(ctx, roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, members)

	require.NoError(t, b.UpdatePresence(ctx, roomID, "user-1", false))
	members, err = b.ListPresence(ctx, roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-2"}, members)
}

func TestRedisBus_Failure_Graceful(t *testing.T) {
	b, mr := newTestRedisBus(t)

	mr.Close()

	ctx := context.Background()
	err := b.Ping(ctx)
	assert.Error(t, err)
}

func TestRedisBus_PublishSignal_CircuitBreakerOpen(t *testing.T) {
	b, mr := newTestRedisBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_ = b.PublishSignal(ctx, "room-1", Signal{Type: "offer", SenderID: "sender"})
	}

	err := b.PublishSignal(ctx, "room-1", Signal{Type: "offer", SenderID: "sender"})
	_ = err
}

func TestRedisBus_Presence_ErrorPaths(t *testing.T) {
	b, mr := newTestRedisBus(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	roomID := "room-err"

	require.NoError(t, b.UpdatePresence(ctx, roomID, "user-1", true))

	mr.Close()

	err := b.UpdatePresence(ctx, roomID, "user-2", true)
	assert.Error(t, err)

	_, err = b.ListPresence(ctx, roomID)
	assert.Error(t, err)
}
