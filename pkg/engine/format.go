package engine

import (
	"fmt"
	"time"
)

// FormatMillis renders elapsed milliseconds as m:ss.mmm. Minutes are
// unpadded, negative input renders as zero.
func FormatMillis(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	minutes := ms / 60000
	seconds := (ms % 60000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%d:%02d.%03d", minutes, seconds, millis)
}

// FormatElapsed renders a duration the same way, truncated to the millisecond.
func FormatElapsed(d time.Duration) string {
	return FormatMillis(d.Milliseconds())
}
