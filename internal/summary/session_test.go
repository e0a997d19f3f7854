package summary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webcall/coordination/internal/messagelog"
)

func TestSession_AddChat_RespectsWindow(t *testing.T) {
	sess := NewSession("room-1", "user-1", 1000)
	sess.AddChat(messagelog.Message{RoomID: "room-1", Content: "too early", Ts: 500})
	sess.AddChat(messagelog.Message{RoomID: "room-1", Content: "in window", Ts: 1500})
	sess.AddChat(messagelog.Message{RoomID: "other-room", Content: "wrong room", Ts: 1600})

	assert.True(t, sess.HasMessages())
	require.Len(t, sess.messages, 1)
	assert.Equal(t, "in window", sess.messages[0].Content)
}

func TestSession_AddChat_ExcludedAfterEnd(t *testing.T) {
	sess := NewSession("room-1", "user-1", 1000)
	sess.Stop(2000)
	sess.AddChat(messagelog.Message{RoomID: "room-1", Content: "too late", Ts: 2500})
	assert.False(t, sess.HasMessages())
}

func TestSession_AddVoiceTranscript_ReplacesWithSuperset(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	sess.AddVoiceTranscript("hello")
	sess.AddVoiceTranscript("hello world")
	require.Len(t, sess.voiceSegments, 1)
	assert.Equal(t, "hello world", sess.voiceSegments[0])
}

func TestSession_AddVoiceTranscript_IgnoresSubset(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	sess.AddVoiceTranscript("hello world")
	sess.AddVoiceTranscript("hello")
	require.Len(t, sess.voiceSegments, 1)
	assert.Equal(t, "hello world", sess.voiceSegments[0])
}

func TestSession_AddVoiceTranscript_TechnicalOnlyUntilRealSegment(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	sess.AddVoiceTranscript("(no audio)")
	sess.AddVoiceTranscript("(asr failed)")
	require.Len(t, sess.voiceSegments, 2)

	sess.AddVoiceTranscript("actual speech")
	// Once a real segment lands, further technical placeholders are dropped.
	sess.AddVoiceTranscript("(no audio)")
	require.Len(t, sess.voiceSegments, 3)
	assert.Equal(t, "actual speech", sess.voiceSegments[2])
}

func TestSession_MergedVoiceText_PrefersNonTechnical(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	sess.AddVoiceTranscript("(no audio)")
	sess.AddVoiceTranscript("real content here")
	assert.Equal(t, "real content here", sess.MergedVoiceText())
}

func TestSession_BuildSummary_ChatOnly(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	sess.AddChat(messagelog.Message{RoomID: "room-1", AuthorName: "alice", Content: "hi there, how is it going today", Ts: 10})
	sess.AddChat(messagelog.Message{RoomID: "room-1", AuthorName: "bob", Content: "pretty good thanks for asking", Ts: 20})

	cfg := Config{AIEnabled: false, MinChars: 1000}
	result := sess.BuildSummary(context.Background(), nil, "", cfg, 100)
	assert.Equal(t, 2, result.MessageCount)
	assert.False(t, result.UsedVoice)
	assert.Contains(t, result.SummaryText, "Sources (last):")
}

func TestSession_BuildSummary_VoiceOnly_Informative(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	sess.AddVoiceTranscript("This is a longer voice segment with real content. It has two sentences.")

	cfg := Config{AIEnabled: false, MinChars: 1000}
	result := sess.BuildSummary(context.Background(), nil, "", cfg, 100)
	assert.True(t, result.UsedVoice)
	assert.Greater(t, result.MessageCount, 0)
}

func TestSession_BuildSummary_Empty(t *testing.T) {
	sess := NewSession("room-1", "user-1", 0)
	cfg := Config{AIEnabled: false}
	result := sess.BuildSummary(context.Background(), nil, "", cfg, 100)
	assert.Equal(t, 0, result.MessageCount)
	assert.False(t, result.UsedVoice)
}

func TestVoiceSentences_CapsAtFive(t *testing.T) {
	text := "One. Two. Three. Four. Five. Six. Seven."
	sentences := voiceSentences(text)
	assert.Len(t, sentences, 5)
}
