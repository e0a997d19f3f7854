package room

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webcall/coordination/internal/bus"
	"github.com/webcall/coordination/internal/messagelog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHub(t *testing.T) (*Hub, *bus.InProcessBus) {
	b := bus.NewInProcessBus()
	t.Cleanup(func() { _ = b.Close() })
	log := messagelog.New(100)
	hub := NewHub(Options{Bus: b, Log: log, SkipAuth: true})
	return hub, b
}

func dial(t *testing.T, server *httptest.Server, roomID, userID string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/rooms/" + roomID + "?token=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return conn
}

func readUntilType(t *testing.T, conn *websocket.Conn, wantType string, timeout time.Duration) map[string]any {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(timeout))
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read error waiting for %q: %v", wantType, err)
		}
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("timed out waiting for frame type %q", wantType)
	return nil
}

func TestRoomHub_JoinBroadcastsPresence(t *testing.T) {
	hub, _ := newTestHub(t)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWS)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dial(t, server, "room-1", "user-1")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-1", "username": "Alice"}))

	frame := readUntilType(t, conn, "presence", 2*time.Second)
	users, ok := frame["users"].([]any)
	require.True(t, ok)
	assert.Len(t, users, 1)
}

func TestRoomHub_ChatEchoesToSender(t *testing.T) {
	hub, _ := newTestHub(t)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWS)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dial(t, server, "room-1", "user-1")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-1", "username": "Alice"}))
	readUntilType(t, conn, "presence", 2*time.Second)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "chat", "fromUserId": "user-1", "content": "hello room"}))

	frame := readUntilType(t, conn, "chat", 2*time.Second)
	assert.Equal(t, "hello room", frame["content"])
	assert.Equal(t, "Alice", frame["authorName"])
}

func TestRoomHub_ChatDeliveredToOtherMember(t *testing.T) {
	hub, _ := newTestHub(t)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWS)
	server := httptest.NewServer(router)
	defer server.Close()

	connA := dial(t, server, "room-1", "user-a")
	defer connA.Close()
	connB := dial(t, server, "room-1", "user-b")
	defer connB.Close()

	require.NoError(t, connA.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-a", "username": "A"}))
	readUntilType(t, connA, "presence", 2*time.Second)
	require.NoError(t, connB.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-b", "username": "B"}))
	readUntilType(t, connB, "presence", 2*time.Second)
	// Drain the second presence broadcast (member count went 1 -> 2) on A.
	readUntilType(t, connA, "presence", 2*time.Second)

	require.NoError(t, connA.WriteJSON(map[string]any{"type": "chat", "fromUserId": "user-a", "content": "hi b"}))

	frame := readUntilType(t, connB, "chat", 2*time.Second)
	assert.Equal(t, "hi b", frame["content"])
}

func TestRoomHub_SignalNormalizesAndRejectsUnknownType(t *testing.T) {
	hub, _ := newTestHub(t)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWS)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dial(t, server, "room-1", "user-1")
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-1"}))
	readUntilType(t, conn, "presence", 2*time.Second)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "signal", "signalType": "bogus", "fromUserId": "user-1"}))
	frame := readUntilType(t, conn, "error", 2*time.Second)
	assert.Contains(t, frame["message"], "signalType")
}

func TestRoomHub_SignalRoundTripsToOtherMember(t *testing.T) {
	hub, _ := newTestHub(t)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWS)
	server := httptest.NewServer(router)
	defer server.Close()

	connA := dial(t, server, "room-1", "user-a")
	defer connA.Close()
	connB := dial(t, server, "room-1", "user-b")
	defer connB.Close()

	require.NoError(t, connA.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-a"}))
	readUntilType(t, connA, "presence", 2*time.Second)
	require.NoError(t, connB.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-b"}))
	readUntilType(t, connB, "presence", 2*time.Second)
	readUntilType(t, connA, "presence", 2*time.Second)

	require.NoError(t, connA.WriteJSON(map[string]any{"type": "signal", "signalType": "ICE_CANDIDATE", "fromUserId": "user-a"}))

	frame := readUntilType(t, connB, "signal", 2*time.Second)
	assert.Equal(t, "ice-candidate", frame["signalType"])
}

func TestRoomHub_LeaveClosesWithNormalCode(t *testing.T) {
	hub, _ := newTestHub(t)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWS)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dial(t, server, "room-1", "user-1")
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "fromUserId": "user-1"}))
	readUntilType(t, conn, "presence", 2*time.Second)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "leave"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			return
		}
	}
}
