package voice

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Transcript is a finalized voice transcript. The meta fields are carried
// as struct fields internally; the bracketed "[meta ...]" string form is
// only produced at the WebSocket/storage boundary, never parsed back
// internally except when ingesting from that boundary.
type Transcript struct {
	Text        string
	CaptureTs   int64
	Session     *int
	ClientTs    *int64
	StartCtrlTs *int64
	GeneratedAt int64
}

var metaPattern = regexp.MustCompile(`^\[meta ([^\]]*)\]\s*(.*)$`)

// EncodeMeta renders a Transcript's meta fields as the bracketed prefix
// string used at the WS/storage boundary:
//
//	[meta captureTs=<ms> session=<n>? clientTs=<ms>? startCtrlTs=<ms>?] <text>
func EncodeMeta(t Transcript) string {
	var b strings.Builder
	b.WriteString("[meta captureTs=")
	b.WriteString(strconv.FormatInt(t.CaptureTs, 10))
	if t.Session != nil {
		b.WriteString(" session=")
		b.WriteString(strconv.Itoa(*t.Session))
	}
	if t.ClientTs != nil {
		b.WriteString(" clientTs=")
		b.WriteString(strconv.FormatInt(*t.ClientTs, 10))
	}
	if t.StartCtrlTs != nil {
		b.WriteString(" startCtrlTs=")
		b.WriteString(strconv.FormatInt(*t.StartCtrlTs, 10))
	}
	b.WriteString("] ")
	b.WriteString(t.Text)
	return b.String()
}

// ParseMeta parses a "[meta ...] text" string into its fields. ok is
// false when no meta prefix is present, in which case text is returned
// unchanged as Text with zero-value meta fields.
func ParseMeta(raw string) (meta Transcript, ok bool) {
	m := metaPattern.FindStringSubmatch(raw)
	if m == nil {
		return Transcript{Text: raw}, false
	}

	meta.Text = m[2]
	for _, kv := range strings.Fields(m[1]) {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "captureTs":
			meta.CaptureTs = n
		case "session":
			s := int(n)
			meta.Session = &s
		case "clientTs":
			meta.ClientTs = &n
		case "startCtrlTs":
			meta.StartCtrlTs = &n
		}
	}
	return meta, true
}

// IsTechnicalTranscript reports whether a transcript is a placeholder
// produced when ASR was unavailable, disabled, or failed, rather than
// real speech content.
func IsTechnicalTranscript(text string) bool {
	low := strings.ToLower(strings.TrimSpace(text))
	if low == "" {
		return true
	}
	for _, prefix := range []string{"(no audio", "(asr failed", "(asr exception", "(asr disabled"} {
		if strings.HasPrefix(low, prefix) {
			return true
		}
	}
	return false
}

// RoomUserKey derives the VoiceCollector storage key for a (room, user)
// pair, falling back to the bare room key when userID is empty (legacy,
// pre-per-user segregation).
func RoomUserKey(roomKey, userID string) string {
	if userID == "" {
		return roomKey
	}
	return fmt.Sprintf("%s:%s", roomKey, userID)
}
