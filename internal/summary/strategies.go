package summary

import (
	"context"
	"fmt"
	"sort"

	"github.com/webcall/coordination/internal/messagelog"
)

// Strategy builds a Result from a window of messages, deciding whether
// to call the AI provider or fall back to a heuristic summary.
type Strategy interface {
	Build(ctx context.Context, msgs []messagelog.Message, ai AIProvider, systemPrompt string, cfg Config, nowMs int64) Result
}

// Config carries the tunables strategies consult (mirrors
// config.Config's AISummary* fields, passed in rather than imported to
// keep this package free of a config dependency).
type Config struct {
	AIEnabled            bool
	MinChars             int
	ParticipantBreakdown bool
}

func heuristicFallback(msgs []messagelog.Message, prefix string) string {
	if len(msgs) == 0 {
		return "No messages to summarize."
	}
	tail := msgs
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	body := ""
	for i, m := range tail {
		if i > 0 {
			body += "\n"
		}
		body += toPlain(m)
	}
	text := "Short recap:\n" + body
	if prefix != "" {
		text = prefix + "\n" + text
	}
	return text
}

func appendSources(text string, sources []messagelog.Message) string {
	if len(sources) == 0 {
		return text
	}
	out := text + "\n\nSources (last):\n"
	for i, m := range sources {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

func buildParticipantBreakdown(msgs []messagelog.Message) []ParticipantSummary {
	type key struct{ id, name string }
	buckets := make(map[key][]messagelog.Message)
	var order []key
	for _, m := range msgs {
		if messagelog.IsTechnical(m) {
			continue
		}
		k := key{m.AuthorID, m.AuthorName}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], m)
	}
	out := make([]ParticipantSummary, 0, len(order))
	for _, k := range order {
		group := buckets[k]
		tail := group
		if len(tail) > 5 {
			tail = tail[len(tail)-5:]
		}
		samples := make([]string, len(tail))
		for i, m := range tail {
			samples[i] = m.Content
		}
		out = append(out, ParticipantSummary{
			ParticipantID:   k.id,
			ParticipantName: k.name,
			MessageCount:    len(group),
			SampleMessages:  samples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount != out[j].MessageCount {
			return out[i].MessageCount > out[j].MessageCount
		}
		ni, nj := out[i].ParticipantName, out[j].ParticipantName
		if ni == "" {
			ni = out[i].ParticipantID
		}
		if nj == "" {
			nj = out[j].ParticipantID
		}
		return ni < nj
	})
	return out
}

// smallDialogThreshold is the unified small-dialog-force-AI message
// count cap shared by both strategies (SPEC_FULL.md open-question
// decision: unify ChatStrategy's 5 and CombinedVoiceChatStrategy's 8
// down to a single 5).
const smallDialogThreshold = 5

func shouldCallAI(userMsgs []messagelog.Message, cfg Config) (bool, string) {
	totalChars := 0
	for _, m := range userMsgs {
		totalChars += len(m.Content)
	}
	smallDialogForceAI := len(userMsgs) <= smallDialogThreshold && totalChars >= 10
	if cfg.AIEnabled && (totalChars >= cfg.MinChars || smallDialogForceAI) {
		return true, ""
	}
	if totalChars < cfg.MinChars {
		return false, fmt.Sprintf("Too little text (%d < %d).", totalChars, cfg.MinChars)
	}
	return false, "AI disabled."
}

// ChatStrategy summarizes a chat-only window.
type ChatStrategy struct{}

func (ChatStrategy) Build(ctx context.Context, msgs []messagelog.Message, ai AIProvider, systemPrompt string, cfg Config, nowMs int64) Result {
	userMsgs := filterNonTechnical(msgs)
	if len(userMsgs) == 0 {
		roomID := "unknown"
		if len(msgs) > 0 {
			roomID = msgs[0].RoomID
		}
		return Result{RoomID: roomID, SummaryText: "No messages to summarize.", GeneratedAt: nowMs}
	}

	summaryText := buildSummaryText(ctx, userMsgs, ai, systemPrompt, cfg)

	tailSrc := lastN(userMsgs, 5)
	summaryText = appendSources(summaryText, tailSrc)

	var participants []ParticipantSummary
	if cfg.ParticipantBreakdown {
		participants = buildParticipantBreakdown(userMsgs)
	}

	return Result{
		RoomID:       userMsgs[0].RoomID,
		MessageCount: len(userMsgs),
		GeneratedAt:  nowMs,
		SummaryText:  summaryText,
		Sources:      tailSrc,
		Participants: participants,
	}
}

// CombinedVoiceChatStrategy summarizes a window that mixes chat
// messages with voice pseudo-messages (author "voice").
type CombinedVoiceChatStrategy struct{}

func (CombinedVoiceChatStrategy) Build(ctx context.Context, msgs []messagelog.Message, ai AIProvider, systemPrompt string, cfg Config, nowMs int64) Result {
	chatPart := filterNonTechnical(msgs)
	if len(chatPart) == 0 {
		roomID := "unknown"
		if len(msgs) > 0 {
			roomID = msgs[0].RoomID
		}
		return Result{RoomID: roomID, SummaryText: "No messages to summarize.", GeneratedAt: nowMs}
	}

	summaryText := buildSummaryText(ctx, chatPart, ai, systemPrompt, cfg)

	tailSrc := lastN(chatPart, 5)
	summaryText = appendSources(summaryText, tailSrc)

	var participants []ParticipantSummary
	if cfg.ParticipantBreakdown {
		participants = buildParticipantBreakdown(chatPart)
	}

	return Result{
		RoomID:       chatPart[0].RoomID,
		MessageCount: len(chatPart),
		GeneratedAt:  nowMs,
		SummaryText:  summaryText,
		Sources:      tailSrc,
		UsedVoice:    true,
		Participants: participants,
	}
}

func buildSummaryText(ctx context.Context, userMsgs []messagelog.Message, ai AIProvider, systemPrompt string, cfg Config) string {
	callAI, fallbackPrefix := shouldCallAI(userMsgs, cfg)
	if ai != nil && callAI {
		plain := make([]string, len(userMsgs))
		for i, m := range userMsgs {
			plain[i] = toPlain(m)
		}
		text, err := ai.GenerateSummary(ctx, plain, systemPrompt)
		if err != nil {
			return heuristicFallback(userMsgs, fmt.Sprintf("[AI error: %s]", err.Error()))
		}
		if text == "" {
			return heuristicFallback(userMsgs, "")
		}
		return text
	}
	return heuristicFallback(userMsgs, fallbackPrefix)
}

func filterNonTechnical(msgs []messagelog.Message) []messagelog.Message {
	out := make([]messagelog.Message, 0, len(msgs))
	for _, m := range msgs {
		if !messagelog.IsTechnical(m) {
			out = append(out, m)
		}
	}
	return out
}

func lastN(msgs []messagelog.Message, n int) []messagelog.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

var _ Strategy = ChatStrategy{}
var _ Strategy = CombinedVoiceChatStrategy{}
