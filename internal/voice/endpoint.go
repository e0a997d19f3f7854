package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/webcall/coordination/internal/metrics"
	"github.com/webcall/coordination/internal/types"
)

const (
	// disabledCloseCode is sent when the voice capture feature is turned off.
	disabledCloseCode = 4403
	// unauthorizedCloseCode is sent on auth failure when SkipAuth is off.
	unauthorizedCloseCode = 4401

	spuriousRestartWindow = 800 * time.Millisecond
	postStopGrace         = 1800 * time.Millisecond
	noAudioDiagnosticWait = 2500 * time.Millisecond
	autoTriggerDelay      = 400 * time.Millisecond
)

// SummarySink lets the endpoint hand a freshly-transcribed, non-technical
// voice segment to the summarization orchestrator, and optionally
// schedule a personal-summary rebuild, without importing that package
// directly (same cyclic-import avoidance as callinvite/friends).
type SummarySink interface {
	AddVoiceTranscript(ctx context.Context, roomKey, text, userID string, captureTs int64)
	TriggerPersonalSummary(ctx context.Context, roomKey, userID string)
}

// UserRateLimiter enforces the per-user phase of the WebSocket connect
// rate limit, checked after authentication resolves a userID.
type UserRateLimiter interface {
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// Endpoint serves the voice-capture WebSocket: it buffers binary chunks
// per (room,user) in a Collector, transcribes on finalize, and hands
// non-technical results to a SummarySink.
type Endpoint struct {
	Collector      *Collector
	Transcriber    Transcriber
	Sink           SummarySink
	Enabled        bool
	MaxTotalBytes  int64
	Validator      types.TokenValidator
	Limiter        UserRateLimiter
	SkipAuth       bool
	AllowedOrigins []string
}

func (e *Endpoint) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	allowed := e.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000"}
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// session tracks the capture state of one connection.
type session struct {
	mu           sync.Mutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	started      bool
	startAtMs    int64
	totalBytes   int64
	noAudioSent  bool
	sessionNum   *int
	clientTs     *int64
	startCtrlTs  *int64
	noAudioTimer *time.Timer
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) armNoAudioTimer() {
	s.noAudioTimer = time.AfterFunc(noAudioDiagnosticWait, func() {
		s.mu.Lock()
		fire := s.started && s.totalBytes == 0 && !s.noAudioSent
		if fire {
			s.noAudioSent = true
		}
		s.mu.Unlock()
		if fire {
			s.sendJSON(map[string]any{"type": "no-audio", "message": "no audio received"})
		}
	})
}

func (s *session) cancelNoAudioTimer() {
	if s.noAudioTimer != nil {
		s.noAudioTimer.Stop()
	}
}

// ServeWS upgrades and serves a single voice-capture connection.
func (e *Endpoint) ServeWS(c *gin.Context) {
	roomID := c.Param("roomId")

	if !e.Enabled {
		upgrader := websocket.Upgrader{CheckOrigin: e.checkOrigin}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(disabledCloseCode, "voice capture disabled"), deadline)
		_ = conn.Close()
		return
	}

	tokenString := c.Query("token")
	allowUnauth := e.SkipAuth

	var userID, authErr string
	if tokenString != "" && e.Validator != nil {
		claims, err := e.Validator.ValidateToken(tokenString)
		if err != nil {
			if !allowUnauth {
				authErr = "invalid token"
			}
		} else {
			userID = claims.Subject
		}
	} else if !allowUnauth {
		authErr = "token not provided"
	}

	if authErr != "" {
		upgrader := websocket.Upgrader{CheckOrigin: e.checkOrigin}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(unauthorizedCloseCode, authErr), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	if userID != "" && e.Limiter != nil {
		if err := e.Limiter.CheckWebSocketUser(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	upgrader := websocket.Upgrader{CheckOrigin: e.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("voice: failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	canonical := types.CanonicalRoomID(roomID).String()
	key := RoomUserKey(canonical, userID)

	metrics.ActiveVoiceSessions.Inc()
	defer metrics.ActiveVoiceSessions.Dec()

	s := &session{conn: conn}
	e.runLoop(c.Request.Context(), s, key, canonical, userID, roomID)
}

func (e *Endpoint) runLoop(ctx context.Context, s *session, key, canonicalRoom, userID, roomID string) {
	defer s.cancelNoAudioTimer()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}

		switch msgType {
		case websocket.TextMessage:
			var ctrl struct {
				Type    string `json:"type"`
				Session *int   `json:"session,omitempty"`
				Ts      *int64 `json:"ts,omitempty"`
			}
			if json.Unmarshal(data, &ctrl) != nil {
				continue
			}
			switch ctrl.Type {
			case "start":
				s.mu.Lock()
				if !s.started {
					s.started = true
					s.startAtMs = nowMs()
					s.sessionNum = ctrl.Session
					s.clientTs = ctrl.Ts
					t := s.startAtMs
					s.startCtrlTs = &t
					s.armNoAudioTimer()
				}
				s.mu.Unlock()
			case "stop":
				if e.handleStop(s) {
					s.cancelNoAudioTimer()
					e.finalize(ctx, s, key, canonicalRoom, userID, roomID)
					return
				}
			}

		case websocket.BinaryMessage:
			s.mu.Lock()
			if !s.started {
				s.started = true
				s.startAtMs = nowMs()
				s.armNoAudioTimer()
			}
			s.totalBytes += int64(len(data))
			over := e.MaxTotalBytes > 0 && s.totalBytes > e.MaxTotalBytes
			s.mu.Unlock()

			e.Collector.AddChunk(key, data)

			if over {
				s.cancelNoAudioTimer()
				e.finalize(ctx, s, key, canonicalRoom, userID, roomID)
				return
			}
		}
	}

	e.finalize(ctx, s, key, canonicalRoom, userID, roomID)
}

// handleStop applies the spurious-restart guard and post-stop grace
// wait, reading further frames inline via a temporary read deadline.
// It returns true once the session should be finalized.
func (e *Endpoint) handleStop(s *session) bool {
	s.mu.Lock()
	elapsed := time.Duration(nowMs()-s.startAtMs) * time.Millisecond
	zero := s.totalBytes == 0
	s.mu.Unlock()

	if zero && elapsed < spuriousRestartWindow {
		// Spurious restart: ignore the stop, keep capturing.
		return false
	}

	if !zero {
		return true
	}

	// Wait up to the grace period for a first chunk to arrive before
	// finalizing empty.
	deadline := time.Now().Add(postStopGrace)
	_ = s.conn.SetReadDeadline(deadline)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			_ = s.conn.SetReadDeadline(time.Time{})
			return true
		}
		if msgType == websocket.BinaryMessage {
			s.mu.Lock()
			s.totalBytes += int64(len(data))
			s.mu.Unlock()
			_ = s.conn.SetReadDeadline(time.Time{})
			return true
		}
		if time.Now().After(deadline) {
			_ = s.conn.SetReadDeadline(time.Time{})
			return true
		}
	}
}

func (e *Endpoint) finalize(ctx context.Context, s *session, key, canonicalRoom, userID, roomID string) {
	chunks := e.Collector.GetAndClearChunks(key)

	var text string
	if len(chunks) == 0 {
		text = "(no audio chunks)"
		slog.Info("voice: finalize empty", "room", roomID, "reason", "no_chunks")
	} else {
		audio := joinChunks(chunks)
		text = e.Transcriber.Transcribe(ctx, audio, fmt.Sprintf("%s.webm", key))
		slog.Info("voice: finalize", "room", roomID, "chunks", len(chunks), "bytes", len(audio))
	}

	s.mu.Lock()
	finalizeMs := nowMs()
	meta := Transcript{
		Text:        text,
		CaptureTs:   finalizeMs,
		Session:     s.sessionNum,
		ClientTs:    s.clientTs,
		StartCtrlTs: s.startCtrlTs,
	}
	s.mu.Unlock()

	e.Collector.StoreTranscript(key, meta)

	cleaned := text
	if cleaned != "" && !IsTechnicalTranscript(cleaned) && userID != "" && e.Sink != nil {
		e.Sink.AddVoiceTranscript(ctx, canonicalRoom, cleaned, userID, finalizeMs)

		go func() {
			time.Sleep(autoTriggerDelay)
			e.Sink.TriggerPersonalSummary(context.Background(), canonicalRoom, userID)
		}()
	}

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func joinChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
