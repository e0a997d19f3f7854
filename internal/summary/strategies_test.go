package summary

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webcall/coordination/internal/messagelog"
)

type fakeAI struct {
	text string
	err  error
}

func (f fakeAI) GenerateSummary(ctx context.Context, messages []string, systemPrompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func TestChatStrategy_UsesAIWhenAboveThreshold(t *testing.T) {
	msgs := []messagelog.Message{
		{RoomID: "room-1", AuthorName: "alice", Content: "a long enough message to pass the threshold check", Ts: 1},
	}
	ai := fakeAI{text: "a neat summary"}
	cfg := Config{AIEnabled: true, MinChars: 1}

	result := ChatStrategy{}.Build(context.Background(), msgs, ai, "", cfg, 1000)
	assert.Contains(t, result.SummaryText, "a neat summary")
	assert.Contains(t, result.SummaryText, "Sources (last):")
	assert.Equal(t, int64(1000), result.GeneratedAt)
}

func TestChatStrategy_HeuristicWhenBelowMinChars(t *testing.T) {
	msgs := []messagelog.Message{
		{RoomID: "room-1", AuthorName: "alice", Content: "hi there how are you doing friend", Ts: 1},
		{RoomID: "room-1", AuthorName: "bob", Content: "fine thanks and you my friend today", Ts: 2},
		{RoomID: "room-1", AuthorName: "alice", Content: "not bad thanks for asking me that", Ts: 3},
		{RoomID: "room-1", AuthorName: "bob", Content: "good to hear it glad you are well", Ts: 4},
		{RoomID: "room-1", AuthorName: "alice", Content: "yes indeed a fine day overall really", Ts: 5},
		{RoomID: "room-1", AuthorName: "bob", Content: "agreed see you again soon my friend", Ts: 6},
	}
	cfg := Config{AIEnabled: true, MinChars: 100000}

	result := ChatStrategy{}.Build(context.Background(), msgs, fakeAI{text: "unused"}, "", cfg, 1000)
	assert.Contains(t, result.SummaryText, "Too little text")
}

func TestChatStrategy_SmallDialogForcesAI(t *testing.T) {
	msgs := []messagelog.Message{
		{RoomID: "room-1", AuthorName: "alice", Content: "short but real", Ts: 1},
	}
	cfg := Config{AIEnabled: true, MinChars: 100000}
	result := ChatStrategy{}.Build(context.Background(), msgs, fakeAI{text: "ai summary"}, "", cfg, 1000)
	assert.Contains(t, result.SummaryText, "ai summary")
}

func TestChatStrategy_AIErrorDegradesToHeuristic(t *testing.T) {
	msgs := []messagelog.Message{
		{RoomID: "room-1", AuthorName: "alice", Content: "a long enough message to pass the threshold", Ts: 1},
	}
	cfg := Config{AIEnabled: true, MinChars: 1}
	result := ChatStrategy{}.Build(context.Background(), msgs, fakeAI{err: errors.New("boom")}, "", cfg, 1000)
	assert.Contains(t, result.SummaryText, "[AI error: boom]")
}

func TestChatStrategy_FiltersTechnicalMessages(t *testing.T) {
	msgs := []messagelog.Message{
		{RoomID: "room-1", Content: "(asr failed http 400)", Ts: 1},
	}
	result := ChatStrategy{}.Build(context.Background(), msgs, nil, "", Config{}, 1000)
	assert.Equal(t, 0, result.MessageCount)
}

func TestCombinedVoiceChatStrategy_MarksUsedVoice(t *testing.T) {
	msgs := []messagelog.Message{
		{RoomID: "room-1", AuthorName: "voice", Content: "a spoken sentence worth summarizing", Ts: 1},
	}
	cfg := Config{AIEnabled: true, MinChars: 1}
	result := CombinedVoiceChatStrategy{}.Build(context.Background(), msgs, fakeAI{text: "voice summary"}, "", cfg, 1000)
	assert.True(t, result.UsedVoice)
	assert.Contains(t, result.SummaryText, "voice summary")
}

func TestBuildParticipantBreakdown_SortedByCountThenName(t *testing.T) {
	msgs := []messagelog.Message{
		{AuthorID: "u1", AuthorName: "alice", Content: "one"},
		{AuthorID: "u2", AuthorName: "bob", Content: "two"},
		{AuthorID: "u2", AuthorName: "bob", Content: "three"},
	}
	parts := buildParticipantBreakdown(msgs)
	require.Len(t, parts, 2)
	assert.Equal(t, "bob", parts[0].ParticipantName)
	assert.Equal(t, 2, parts[0].MessageCount)
	assert.Equal(t, "alice", parts[1].ParticipantName)
}
