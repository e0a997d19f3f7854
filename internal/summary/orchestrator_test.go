package summary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webcall/coordination/internal/messagelog"
	"github.com/webcall/coordination/internal/voice"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

type fakePrompts struct{ prompt string }

func (p fakePrompts) UserSystemPrompt(ctx context.Context, userID string) (string, error) {
	return p.prompt, nil
}

func newTestOrchestrator(clock *fakeClock) *Orchestrator {
	log := messagelog.New(100)
	collector := voice.NewCollector(time.Hour)
	cfg := Config{AIEnabled: false, MinChars: 1000}
	return NewOrchestrator(log, collector, fakeAI{text: "ai summary"}, fakePrompts{}, cfg, clock)
}

func TestOrchestrator_AddChat_DeliversToActiveSession(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	orch.StartUserWindow("room-1", "user-1")
	orch.AddChat("room-1", "user-1", "alice", "hello there friend how are you")

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.Equal(t, 1, result.MessageCount)
}

func TestOrchestrator_StartUserWindow_PreservesVoiceOnlySession(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	orch.StartUserWindow("room-1", "user-1")
	orch.AddVoiceTranscript(context.Background(), "room-1", "a first spoken segment", "user-1", 1000)
	orch.AddVoiceTranscript(context.Background(), "room-1", "a second spoken segment", "user-1", 1000)

	clock.Advance(100)
	orch.StartUserWindow("room-1", "user-1")

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.True(t, result.UsedVoice)
}

func TestOrchestrator_StartUserWindow_RestartDropsStaleVoiceOnceNewVoiceArrives(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	orch.StartUserWindow("room-1", "user-1")
	orch.AddVoiceTranscript(context.Background(), "room-1", "First session", "user-1", 1000)

	clock.Advance(100)
	orch.StartUserWindow("room-1", "user-1")
	orch.AddVoiceTranscript(context.Background(), "room-1", "Second session", "user-1", clock.NowMs())

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.True(t, result.UsedVoice)
	assert.Contains(t, result.SummaryText, "Second session")
	assert.NotContains(t, result.SummaryText, "First session")
}

func TestOrchestrator_AddVoiceTranscript_RejectsStale(t *testing.T) {
	clock := &fakeClock{now: 10000}
	orch := newTestOrchestrator(clock)
	orch.StartUserWindow("room-1", "user-1")

	orch.AddVoiceTranscript(context.Background(), "room-1", "too early segment", "user-1", 1000)

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.False(t, result.UsedVoice)
}

func TestOrchestrator_BuildPersonalSummary_RecoversFromCollector(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	orch.collector.StoreTranscript("room-1:user-1", voice.Transcript{Text: "recovered speech here", CaptureTs: 1000, GeneratedAt: 1000})

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.True(t, result.UsedVoice)
}

func TestOrchestrator_BuildPersonalSummary_AutoResumesAfterEnd(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	orch.StartUserWindow("room-1", "user-1")
	orch.AddChat("room-1", "user-1", "alice", "first window message content here")
	clock.Advance(100)
	orch.EndUserWindow("room-1", "user-1")

	clock.Advance(100)
	orch.AddChat("room-1", "user-1", "alice", "second window message after end")

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.Equal(t, 1, result.MessageCount)
	assert.Contains(t, result.SummaryText, "")
}

func TestOrchestrator_BuildPersonalSummary_LazyAttachesVoice(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	orch.StartUserWindow("room-1", "user-1")
	orch.collector.StoreTranscript("room-1:user-1", voice.Transcript{Text: "lazily attached speech", GeneratedAt: 1000})

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.True(t, result.UsedVoice)
}

func TestOrchestrator_BuildPersonalSummary_EmptySessionReturnsEmptyResult(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)
	orch.StartUserWindow("room-1", "user-1")

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "user-1")
	assert.Equal(t, 0, result.MessageCount)
	assert.False(t, result.UsedVoice)
}

func TestOrchestrator_BuildPersonalSummary_NoSessionNoVoice(t *testing.T) {
	clock := &fakeClock{now: 1000}
	orch := newTestOrchestrator(clock)

	result := orch.BuildPersonalSummary(context.Background(), "room-1", "ghost-user")
	assert.Equal(t, 0, result.MessageCount)
	require.Equal(t, "room-1", result.RoomID)
}
