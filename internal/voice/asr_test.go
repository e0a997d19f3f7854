package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopTranscriber_AlwaysDisabled(t *testing.T) {
	var tr NoopTranscriber
	got := tr.Transcribe(context.Background(), []byte("anything"), "chunk.webm")
	assert.Equal(t, "(asr disabled)", got)
}

func TestOpenAITranscriber_EmptyAudio(t *testing.T) {
	tr := NewOpenAITranscriber("test-key")
	got := tr.Transcribe(context.Background(), nil, "chunk.webm")
	assert.Equal(t, "(no audio)", got)
}
