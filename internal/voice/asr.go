package voice

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"github.com/webcall/coordination/internal/metrics"
)

// Transcriber turns a buffered audio chunk into text. Implementations
// never return an error for "no speech found" or provider outages -
// they fold those into a technical placeholder string instead, so
// callers always get a transcript to work with.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) string
}

// NoopTranscriber is used when ASR is unconfigured; every call returns
// the disabled placeholder.
type NoopTranscriber struct{}

func (NoopTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) string {
	return "(asr disabled)"
}

// OpenAITranscriber calls the Whisper transcription endpoint, wrapped
// in a circuit breaker so a flapping provider degrades to placeholder
// text instead of blocking callers.
type OpenAITranscriber struct {
	client *openai.Client
	cb     *gobreaker.CircuitBreaker
}

// NewOpenAITranscriber builds a Transcriber backed by the OpenAI API.
// It does not check apiKey; cmd/server uses NoopTranscriber when no
// key is configured.
func NewOpenAITranscriber(apiKey string) *OpenAITranscriber {
	client := openai.NewClient(apiKey)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai-whisper",
		MaxRequests: 3,
		Timeout:     30_000_000_000, // 30s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &OpenAITranscriber{client: client, cb: cb}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, filename string) string {
	if len(audio) == 0 {
		return "(no audio)"
	}

	result, err := t.cb.Execute(func() (interface{}, error) {
		req := openai.AudioRequest{
			Model:    openai.Whisper1,
			FilePath: filename,
			Reader:   bytes.NewReader(audio),
		}
		resp, err := t.client.CreateTranscription(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.ASRRequestsTotal.WithLabelValues("circuit_open").Inc()
			metrics.CircuitBreakerFailures.WithLabelValues("openai-whisper").Inc()
			return "(asr failed circuit open)"
		}
		metrics.ASRRequestsTotal.WithLabelValues("error").Inc()
		slog.Warn("asr transcription failed", "error", err)
		return "(asr exception " + err.Error() + ")"
	}

	metrics.ASRRequestsTotal.WithLabelValues("ok").Inc()
	text := strings.TrimSpace(result.(string))
	if text == "" {
		return "(no audio)"
	}
	return text
}

var _ Transcriber = (*OpenAITranscriber)(nil)
var _ Transcriber = NoopTranscriber{}
