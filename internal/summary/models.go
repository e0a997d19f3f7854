// Package summary implements the personal, per-(room,user) AI
// summarization engine: SummaryOrchestrator manages one UserAgentSession
// per participant, feeding it chat messages and voice transcripts and
// dispatching to an AI-or-heuristic strategy on request.
package summary

import (
	"fmt"

	"github.com/webcall/coordination/internal/messagelog"
)

// ParticipantSummary is one author's contribution within a built
// summary's participant breakdown.
type ParticipantSummary struct {
	ParticipantID   string
	ParticipantName string
	MessageCount    int
	SampleMessages  []string
}

// Result is the output of building a personal summary.
type Result struct {
	RoomID       string
	MessageCount int
	GeneratedAt  int64
	SummaryText  string
	Sources      []messagelog.Message
	UsedVoice    bool
	Participants []ParticipantSummary
}

// EmptyResult builds the canonical "nothing to summarize" result.
func EmptyResult(roomID string, nowMs int64) Result {
	return Result{
		RoomID:       roomID,
		MessageCount: 0,
		GeneratedAt:  nowMs,
		SummaryText:  "No messages to summarize.",
		UsedVoice:    false,
	}
}

// toPlain renders a message the way strategies feed it to the AI
// provider and to the heuristic fallback.
func toPlain(m messagelog.Message) string {
	who := m.AuthorName
	if who == "" {
		who = m.AuthorID
	}
	if who == "" {
		who = "anon"
	}
	return fmt.Sprintf("[%d] %s: %s", m.Ts, who, m.Content)
}
