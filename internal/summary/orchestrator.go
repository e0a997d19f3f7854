package summary

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/webcall/coordination/internal/messagelog"
	"github.com/webcall/coordination/internal/metrics"
	"github.com/webcall/coordination/internal/types"
	"github.com/webcall/coordination/internal/voice"
)

// staleVoiceSkewMs is the tolerance applied when checking a transcript's
// captureTs against a session's startTs (a voice segment up to 150ms
// before the session started is still accepted, since capture and
// window-start arrive as two independent events).
const staleVoiceSkewMs = 150

// noMetaWindowMs bounds how long after session start a meta-less voice
// transcript (legacy callers that never attached captureTs) is still
// accepted.
const noMetaWindowMs = 10_000

// lazyAttachSkewMs is the tolerance for lazily attaching an
// already-stored transcript to a session that has no voice yet.
const lazyAttachSkewMs = 100

// pendingWaitStep and pendingWaitMax bound the pending-wait poll when
// buildPersonalSummary finds an empty window.
const (
	pendingWaitStep = 350 * time.Millisecond
	pendingWaitMax  = 2500 * time.Millisecond
)

// PromptLookup resolves a user's custom system prompt, if any. Errors
// are swallowed by the orchestrator (best effort).
type PromptLookup interface {
	UserSystemPrompt(ctx context.Context, userID string) (string, error)
}

type sessionKey struct{ room, user string }

// Orchestrator owns one Session per (room,user) and dispatches personal
// summary requests to it, with the voice-collector fallback and
// pending-wait behavior described in SPEC_FULL.md §4.6.
type Orchestrator struct {
	mu           sync.Mutex
	log          *messagelog.Log
	sessions     map[sessionKey]*Session
	roomSessions map[string][]*Session

	collector *voice.Collector
	ai        AIProvider
	prompts   PromptLookup
	cfg       Config
	clock     types.Clock
}

// NewOrchestrator constructs an Orchestrator. prompts and ai may be nil
// (no per-user prompts / AI disabled, respectively).
func NewOrchestrator(log *messagelog.Log, collector *voice.Collector, ai AIProvider, prompts PromptLookup, cfg Config, clock types.Clock) *Orchestrator {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Orchestrator{
		log:          log,
		sessions:     make(map[sessionKey]*Session),
		roomSessions: make(map[string][]*Session),
		collector:    collector,
		ai:           ai,
		prompts:      prompts,
		cfg:          cfg,
		clock:        clock,
	}
}

func (o *Orchestrator) bump(counter string) {
	metrics.SummaryOrchestratorCounters.WithLabelValues(counter).Inc()
}

func removeSession(list []*Session, target *Session) []*Session {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// AddChat records a chat message in the room's history log and
// delivers it to every active session of that room.
func (o *Orchestrator) AddChat(roomID, authorID, authorName, content string) {
	msg := o.log.Add(roomID, authorID, authorName, content, o.clock.NowMs())

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sess := range o.roomSessions[roomID] {
		sess.AddChat(msg)
	}
}

// StartUserWindow starts (or restarts) a user's personal summarization
// window. If the prior session had voice segments but no chat, those
// segments are preserved into the new session rather than discarded.
func (o *Orchestrator) StartUserWindow(roomID, userID string) {
	key := sessionKey{roomID, userID}
	now := o.clock.NowMs()

	o.mu.Lock()
	defer o.mu.Unlock()

	old, existed := o.sessions[key]
	var preservedVoice []string
	if existed {
		if old.HasVoice() && !old.HasMessages() {
			preservedVoice = append(preservedVoice, old.voiceSegments...)
		}
		old.Stop(now)
		o.roomSessions[roomID] = removeSession(o.roomSessions[roomID], old)
	}

	sess := NewSession(roomID, userID, now)
	for _, seg := range preservedVoice {
		sess.SeedVoiceTranscript(seg)
	}
	o.sessions[key] = sess
	o.roomSessions[roomID] = append(o.roomSessions[roomID], sess)
}

// EndUserWindow marks the user's current session ended at now.
func (o *Orchestrator) EndUserWindow(roomID, userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[sessionKey{roomID, userID}]; ok {
		sess.Stop(o.clock.NowMs())
	}
}

// AddVoiceTranscript satisfies voice.SummarySink: it ingests a
// finalized, non-technical transcript into the user's session,
// creating one if none exists, applying the staleness/no-meta
// acceptance rules from SPEC_FULL.md §4.6.
func (o *Orchestrator) AddVoiceTranscript(ctx context.Context, roomID, transcript, userID string, captureTs int64) {
	txt := strings.TrimSpace(transcript)
	if txt == "" || userID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := sessionKey{roomID, userID}
	sess, ok := o.sessions[key]
	if !ok || sess.EndTs != nil {
		if ok && sess.EndTs != nil {
			o.roomSessions[roomID] = removeSession(o.roomSessions[roomID], sess)
		}
		sess = NewSession(roomID, userID, o.clock.NowMs())
		o.sessions[key] = sess
		o.roomSessions[roomID] = append(o.roomSessions[roomID], sess)
		o.bump("session_auto_created_on_voice")
	}

	hasMeta := captureTs != 0
	if hasMeta {
		if captureTs < sess.StartTs-staleVoiceSkewMs {
			o.bump("voice_reject_stale")
			return
		}
	} else {
		age := o.clock.NowMs() - sess.StartTs
		if age > noMetaWindowMs || sess.HasVoice() {
			o.bump("voice_reject_no_meta")
			return
		}
	}

	sess.AddVoiceTranscript(txt)
	o.bump("voice_add_total")
}

// TriggerPersonalSummary satisfies voice.SummarySink and does nothing.
// The orchestrator doesn't push summaries to clients itself (that's
// RoomHub's job via agent_summary_ack); BuildPersonalSummary attaches
// collector voice lazily when a summary is requested.
func (o *Orchestrator) TriggerPersonalSummary(ctx context.Context, roomID, userID string) {}

// BuildPersonalSummary implements the full orchestration algorithm:
// emergency recovery from the VoiceCollector, auto-resume on
// post-end activity, lazy voice attach, pending-wait, second-chance
// attach, and the voice-only fallback synthesis.
func (o *Orchestrator) BuildPersonalSummary(ctx context.Context, roomID, userID string) Result {
	now := o.clock.NowMs()
	key := sessionKey{roomID, userID}
	voiceKey := roomID + ":" + userID

	sess := o.getOrRecoverSession(key, roomID, userID, voiceKey)
	if sess == nil {
		return EmptyResult(roomID, now)
	}

	o.emptyWindowFallback(sess, voiceKey)
	sess = o.autoResumeIfStale(key, sess, roomID, userID, voiceKey)
	o.lazyAttachVoice(sess, voiceKey)

	systemPrompt := o.lookupPrompt(ctx, userID)

	result := sess.BuildSummary(ctx, o.ai, systemPrompt, o.cfg, o.clock.NowMs())

	if result.MessageCount == 0 && !result.UsedVoice {
		if o.pendingWaitAttach(ctx, sess, voiceKey) {
			result = sess.BuildSummary(ctx, o.ai, systemPrompt, o.cfg, o.clock.NowMs())
		}
	}

	if result.MessageCount == 0 && !result.UsedVoice {
		if o.secondChanceAttach(sess, voiceKey) {
			o.bump("voice_second_chance_attached")
			result = sess.BuildSummary(ctx, o.ai, systemPrompt, o.cfg, o.clock.NowMs())
		}
	}

	if result.MessageCount == 0 && !result.UsedVoice {
		if fallback, ok := o.voiceFallback(ctx, sess, systemPrompt); ok {
			result = fallback
		}
	}

	return result
}

func (o *Orchestrator) getOrRecoverSession(key sessionKey, roomID, userID, voiceKey string) *Session {
	o.mu.Lock()
	sess, ok := o.sessions[key]
	o.mu.Unlock()
	if ok {
		return sess
	}

	if o.collector == nil {
		return nil
	}
	vt, found := o.collector.GetTranscript(voiceKey)
	if !found {
		return nil
	}
	txt := strings.TrimSpace(vt.Text)
	if txt == "" || voice.IsTechnicalTranscript(txt) {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	sess = NewSession(roomID, userID, o.clock.NowMs())
	sess.AddVoiceTranscript(txt)
	o.sessions[key] = sess
	o.roomSessions[roomID] = append(o.roomSessions[roomID], sess)
	o.bump("session_recovered_from_voice")
	return sess
}

// emptyWindowFallback performs a single best-effort attach when the
// session has neither chat nor voice yet, pulling whatever transcript
// the collector already has for this key (freshness-checked against
// the session's own start).
func (o *Orchestrator) emptyWindowFallback(sess *Session, voiceKey string) {
	if sess.HasMessages() || sess.HasVoice() || o.collector == nil {
		return
	}
	vt, found := o.collector.GetTranscript(voiceKey)
	if !found {
		return
	}
	txt := strings.TrimSpace(vt.Text)
	if txt == "" || voice.IsTechnicalTranscript(txt) {
		return
	}
	if vt.CaptureTs != 0 && vt.CaptureTs < sess.StartTs-staleVoiceSkewMs {
		o.bump("voice_fallback_stale")
		return
	}
	sess.AddVoiceTranscript(txt)
	o.bump("voice_fallback_attached")
	if o.collector != nil {
		o.collector.PopTranscript(voiceKey)
	}
}

// autoResumeIfStale swaps in a successor session when the current one
// is ended but new chat or a fresher voice transcript has since
// arrived, so a repeated summary request reflects the latest activity.
// It returns the session the caller should use from here on: sess
// unchanged if nothing warranted a resume, or the freshly built
// successor otherwise. The whole read-then-swap sequence runs under
// o.mu so no AddChat/AddVoiceTranscript call can land on sess (or on
// the map) mid-resume and be lost.
func (o *Orchestrator) autoResumeIfStale(key sessionKey, sess *Session, roomID, userID, voiceKey string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sess.EndTs == nil {
		return sess
	}
	endTs := *sess.EndTs

	after := endTs + 1
	tail := o.log.SliceSince(roomID, &after)
	newChat := len(tail) > 0

	freshVoice := false
	var freshText string
	if o.collector != nil {
		if vt, found := o.collector.GetTranscript(voiceKey); found {
			txt := strings.TrimSpace(vt.Text)
			if vt.GeneratedAt > endTs && txt != "" && !voice.IsTechnicalTranscript(txt) {
				freshVoice = true
				freshText = txt
			}
		}
	}

	if !newChat && !freshVoice {
		return sess
	}

	o.roomSessions[roomID] = removeSession(o.roomSessions[roomID], sess)
	newStart := o.clock.NowMs()
	if newChat && tail[0].Ts < newStart {
		newStart = tail[0].Ts
	}
	newSess := NewSession(roomID, userID, newStart)
	for _, m := range tail {
		newSess.AddChat(m)
	}
	if freshVoice {
		newSess.AddVoiceTranscript(freshText)
	}
	o.sessions[key] = newSess
	o.roomSessions[roomID] = append(o.roomSessions[roomID], newSess)
	o.bump("session_auto_resumed")

	return newSess
}

// lazyAttachVoice pulls an already-stored transcript into a
// voice-less session, so an agent started slightly after speech ended
// still sees it.
func (o *Orchestrator) lazyAttachVoice(sess *Session, voiceKey string) {
	if sess.HasVoice() || o.collector == nil {
		return
	}
	vt, found := o.collector.GetTranscript(voiceKey)
	if !found {
		return
	}
	txt := strings.TrimSpace(vt.Text)
	if txt == "" || voice.IsTechnicalTranscript(txt) {
		o.bump("voice_lazy_skipped_placeholder")
		return
	}
	if vt.GeneratedAt < sess.StartTs-lazyAttachSkewMs {
		o.bump("voice_lazy_skipped_placeholder")
		return
	}
	sess.AddVoiceTranscript(txt)
	o.bump("voice_lazy_attached")
}

// pendingWaitAttach polls the collector every pendingWaitStep up to
// pendingWaitMax for a transcript to appear, attaching the first valid
// one it finds.
func (o *Orchestrator) pendingWaitAttach(ctx context.Context, sess *Session, voiceKey string) bool {
	if sess.HasVoice() || sess.HasMessages() || o.collector == nil {
		return false
	}

	waited := time.Duration(0)
	for waited+pendingWaitStep <= pendingWaitMax {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pendingWaitStep):
		}
		waited += pendingWaitStep

		vt, found := o.collector.GetTranscript(voiceKey)
		if !found {
			continue
		}
		txt := strings.TrimSpace(vt.Text)
		if txt == "" || voice.IsTechnicalTranscript(txt) {
			continue
		}
		sess.AddVoiceTranscript(txt)
		o.bump("voice_pending_attached")
		return true
	}
	return false
}

// secondChanceAttach is a single extra attempt after the pending-wait
// phase gives up, in case a transcript landed during AI generation.
func (o *Orchestrator) secondChanceAttach(sess *Session, voiceKey string) bool {
	if sess.HasVoice() || o.collector == nil {
		return false
	}
	vt, found := o.collector.GetTranscript(voiceKey)
	if !found {
		return false
	}
	txt := strings.TrimSpace(vt.Text)
	if txt == "" || voice.IsTechnicalTranscript(txt) {
		return false
	}
	if vt.GeneratedAt < sess.StartTs-lazyAttachSkewMs {
		return false
	}
	sess.AddVoiceTranscript(txt)
	return true
}

// voiceFallback synthesizes a minimal summary directly from voice
// segments when every other path left the result empty.
func (o *Orchestrator) voiceFallback(ctx context.Context, sess *Session, systemPrompt string) (Result, bool) {
	var meaningful []string
	for _, seg := range sess.voiceSegments {
		if s := strings.TrimSpace(seg); len(s) > 10 {
			meaningful = append(meaningful, s)
		}
	}
	if len(meaningful) == 0 {
		return Result{}, false
	}

	merged := strings.Join(meaningful, " ")
	sentences := voiceSentences(merged)
	now := o.clock.NowMs()
	voiceMsgs := make([]messagelog.Message, len(sentences))
	for i, s := range sentences {
		voiceMsgs[i] = messagelog.Message{RoomID: sess.RoomID, AuthorName: "voice", Content: s, Ts: now}
	}

	result := sess.combinedStrategy.Build(ctx, voiceMsgs, o.ai, systemPrompt, o.cfg, now)
	return result, true
}

func (o *Orchestrator) lookupPrompt(ctx context.Context, userID string) string {
	if o.prompts == nil {
		return ""
	}
	prompt, err := o.prompts.UserSystemPrompt(ctx, userID)
	if err != nil {
		return ""
	}
	return prompt
}
