package types

import "time"

// NowMs returns the current wall-clock time in Unix milliseconds.
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}
