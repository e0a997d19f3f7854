package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMeta_AllFields(t *testing.T) {
	session := 3
	clientTs := int64(1000)
	startCtrl := int64(900)
	tr := Transcript{
		Text:        "hello there",
		CaptureTs:   5000,
		Session:     &session,
		ClientTs:    &clientTs,
		StartCtrlTs: &startCtrl,
	}
	encoded := EncodeMeta(tr)
	assert.Equal(t, "[meta captureTs=5000 session=3 clientTs=1000 startCtrlTs=900] hello there", encoded)
}

func TestEncodeMeta_MinimalFields(t *testing.T) {
	tr := Transcript{Text: "hi", CaptureTs: 42}
	assert.Equal(t, "[meta captureTs=42] hi", EncodeMeta(tr))
}

func TestParseMeta_RoundTrip(t *testing.T) {
	session := 2
	clientTs := int64(500)
	tr := Transcript{Text: "testing one two", CaptureTs: 1234, Session: &session, ClientTs: &clientTs}
	encoded := EncodeMeta(tr)

	parsed, ok := ParseMeta(encoded)
	require.True(t, ok)
	assert.Equal(t, "testing one two", parsed.Text)
	assert.Equal(t, int64(1234), parsed.CaptureTs)
	require.NotNil(t, parsed.Session)
	assert.Equal(t, 2, *parsed.Session)
	require.NotNil(t, parsed.ClientTs)
	assert.Equal(t, int64(500), *parsed.ClientTs)
	assert.Nil(t, parsed.StartCtrlTs)
}

func TestParseMeta_NoPrefix(t *testing.T) {
	parsed, ok := ParseMeta("plain text with no meta")
	assert.False(t, ok)
	assert.Equal(t, "plain text with no meta", parsed.Text)
}

func TestIsTechnicalTranscript(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"(no audio)", true},
		{"(ASR FAILED http 400)", true},
		{"(asr exception timeout)", true},
		{"(asr disabled)", true},
		{"hello world", false},
		{"  hello  ", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTechnicalTranscript(tc.text), "text=%q", tc.text)
	}
}

func TestRoomUserKey(t *testing.T) {
	assert.Equal(t, "room-1:user-1", RoomUserKey("room-1", "user-1"))
	assert.Equal(t, "room-1", RoomUserKey("room-1", ""))
}
