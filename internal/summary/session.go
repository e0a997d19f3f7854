package summary

import (
	"context"
	"regexp"
	"strings"

	"github.com/webcall/coordination/internal/messagelog"
)

var sentenceSplit = regexp.MustCompile(`(?:[.!?])\s+`)
var whitespaceRun = regexp.MustCompile(`\s+`)

func isTechnicalText(text string) bool {
	return messagelog.IsTechnical(messagelog.Message{Content: text})
}

// Session is one user's independent summarization window within a
// room: only chat observed between start and (optional) end is
// ingested, and only one voice transcript stream is merged in.
type Session struct {
	RoomID string
	UserID string

	StartTs int64
	EndTs   *int64

	messages      []messagelog.Message
	voiceSegments []string
	// carriedOver is true while voiceSegments holds only segments seeded
	// from a restarted predecessor session (see SeedVoiceTranscript) that
	// haven't yet been confirmed by this session's own voice activity.
	carriedOver bool

	chatStrategy     ChatStrategy
	combinedStrategy CombinedVoiceChatStrategy
}

// NewSession starts a fresh window for (roomID,userID) at startTs.
func NewSession(roomID, userID string, startTs int64) *Session {
	return &Session{RoomID: roomID, UserID: userID, StartTs: startTs}
}

// AddChat appends msg if it falls inside this session's window.
func (s *Session) AddChat(msg messagelog.Message) {
	if msg.RoomID != s.RoomID {
		return
	}
	if msg.Ts < s.StartTs {
		return
	}
	if s.EndTs != nil && msg.Ts > *s.EndTs {
		return
	}
	s.messages = append(s.messages, msg)
}

// HasVoice reports whether any voice segment has been recorded.
func (s *Session) HasVoice() bool { return len(s.voiceSegments) > 0 }

// HasMessages reports whether any chat message has been recorded.
func (s *Session) HasMessages() bool { return len(s.messages) > 0 }

// AddVoiceTranscript merges a cleaned (meta-stripped) transcript into
// the session's voice segments, applying the original's dedup/replace
// rules against the FULL existing history (not just the most recent
// segment): technical placeholders only accumulate until a real segment
// exists; a new segment that is a superset of any existing one replaces
// it in place; a subset or identical segment is ignored.
//
// If this session was seeded with voice carried over from a restarted
// predecessor (SeedVoiceTranscript) and has not yet received any voice
// of its own, a genuinely new, unrelated segment discards the carried
// segments instead of accumulating alongside them. A summary built
// after a restart must not retain pre-restart voice text once the user
// has said something new.
func (s *Session) AddVoiceTranscript(text string) {
	s.mergeVoiceTranscript(text, false)
}

// SeedVoiceTranscript carries a voice segment over from a session that
// restarted with voice but no chat (see Orchestrator.StartUserWindow).
// It is kept only until AddVoiceTranscript reports genuinely new,
// unrelated voice activity in this session.
func (s *Session) SeedVoiceTranscript(text string) {
	s.mergeVoiceTranscript(text, true)
}

func (s *Session) mergeVoiceTranscript(text string, seeding bool) {
	txt := strings.TrimSpace(text)
	if txt == "" {
		return
	}

	if isTechnicalText(txt) {
		for _, seg := range s.voiceSegments {
			if !isTechnicalText(seg) {
				return
			}
			if seg == txt {
				return
			}
		}
		s.voiceSegments = append(s.voiceSegments, txt)
		s.carriedOver = seeding
		return
	}

	for i, seg := range s.voiceSegments {
		if isTechnicalText(seg) {
			continue
		}
		if txt == seg || (len(txt) < len(seg) && strings.Contains(seg, txt)) {
			return
		}
		if len(txt) > len(seg) && strings.Contains(txt, seg) {
			s.voiceSegments[i] = txt
			s.carriedOver = seeding
			return
		}
	}

	if s.carriedOver && !seeding {
		s.voiceSegments = nil
	}
	s.voiceSegments = append(s.voiceSegments, txt)
	s.carriedOver = seeding
}

// MergedVoiceText joins the non-technical voice segments (or, if none
// are non-technical, all of them) into one string.
func (s *Session) MergedVoiceText() string {
	if len(s.voiceSegments) == 0 {
		return ""
	}
	var nonTech []string
	for _, seg := range s.voiceSegments {
		if !isTechnicalText(seg) {
			nonTech = append(nonTech, seg)
		}
	}
	base := nonTech
	if len(base) == 0 {
		base = s.voiceSegments
	}
	return strings.Join(base, " \n")
}

// Stop marks the session ended at endTs, if not already ended.
func (s *Session) Stop(endTs int64) {
	if s.EndTs == nil {
		e := endTs
		s.EndTs = &e
	}
}

// voiceSentences splits merged voice text on sentence-terminal
// punctuation, capped at five sentences (SPEC_FULL.md open-question
// decision: voice fallback is capped at five sentences).
func voiceSentences(mergedVoice string) []string {
	norm := strings.TrimSpace(whitespaceRun.ReplaceAllString(mergedVoice, " "))
	if norm == "" {
		return nil
	}
	parts := sentenceSplit.Split(norm, -1)
	var sentences []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	if len(sentences) == 0 {
		sentences = []string{norm}
	}
	if len(sentences) > 5 {
		sentences = sentences[:5]
	}
	return sentences
}

func voicePseudoMessages(roomID string, mergedVoice string, nowMs int64) []messagelog.Message {
	sentences := voiceSentences(mergedVoice)
	out := make([]messagelog.Message, len(sentences))
	for i, s := range sentences {
		out[i] = messagelog.Message{RoomID: roomID, AuthorName: "voice", Content: s, Ts: nowMs}
	}
	return out
}

// BuildSummary dispatches to ChatStrategy or CombinedVoiceChatStrategy
// per the algorithm in SPEC_FULL.md §4.6: chat messages within the
// window, merged with voice pseudo-messages when the voice segment is
// informative (≥10 chars, non-technical).
func (s *Session) BuildSummary(ctx context.Context, ai AIProvider, systemPrompt string, cfg Config, nowMs int64) Result {
	msgs := s.messages
	if s.EndTs != nil {
		filtered := make([]messagelog.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Ts <= *s.EndTs {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}

	voiceText := s.MergedVoiceText()
	voiceInformative := len(strings.TrimSpace(voiceText)) >= 10 && !isTechnicalText(voiceText)

	if len(msgs) == 0 {
		if voiceInformative {
			voiceMsgs := voicePseudoMessages(s.RoomID, voiceText, nowMs)
			return s.combinedStrategy.Build(ctx, voiceMsgs, ai, systemPrompt, cfg, nowMs)
		}
		if voiceText != "" && isTechnicalText(voiceText) {
			return Result{RoomID: s.RoomID, SummaryText: "Speech was not recognized or empty. Please try again.", GeneratedAt: nowMs}
		}
		return EmptyResult(s.RoomID, nowMs)
	}

	var nonTech []messagelog.Message
	for _, m := range msgs {
		if !messagelog.IsTechnical(m) {
			nonTech = append(nonTech, m)
		}
	}
	if len(nonTech) == 0 && voiceInformative {
		voiceMsgs := voicePseudoMessages(s.RoomID, voiceText, nowMs)
		return s.combinedStrategy.Build(ctx, voiceMsgs, ai, systemPrompt, cfg, nowMs)
	}

	merged := msgs
	strategy := Strategy(s.chatStrategy)
	if voiceInformative {
		voiceMsgs := voicePseudoMessages(s.RoomID, voiceText, nowMs)
		merged = append(append([]messagelog.Message{}, msgs...), voiceMsgs...)
		strategy = s.combinedStrategy
	}
	return strategy.Build(ctx, merged, ai, systemPrompt, cfg, nowMs)
}
