package summary

import (
	"context"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

// defaultSystemPrompt is used when no per-user prompt is available.
const defaultSystemPrompt = "Summarize this conversation concisely, in the same language as the messages."

// AIProvider generates a natural-language summary from a list of
// already-formatted plain message lines.
type AIProvider interface {
	GenerateSummary(ctx context.Context, messages []string, systemPrompt string) (string, error)
}

// OpenAIProvider calls a chat-completion model, wrapped in a circuit
// breaker so a flapping provider degrades to the strategies' heuristic
// fallback rather than hanging callers.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	cb     *gobreaker.CircuitBreaker
}

// NewOpenAIProvider builds an AIProvider backed by the OpenAI chat
// completions API.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai-summary",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model, cb: cb}
}

func (p *OpenAIProvider) GenerateSummary(ctx context.Context, messages []string, systemPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	result, err := p.cb.Execute(func() (interface{}, error) {
		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: p.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: strings.Join(messages, "\n")},
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

var _ AIProvider = (*OpenAIProvider)(nil)
