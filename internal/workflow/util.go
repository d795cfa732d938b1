package workflow

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultStaleAfter is how long a step may stay processing before it is reported stale.
const DefaultStaleAfter = 15 * time.Minute

const maxErrorMessageLen = 500

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return sanitizeMessage(err.Error())
}

func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorMessageLen {
		// cut on a rune boundary; text columns reject invalid UTF-8
		cut := maxErrorMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

func durationMs(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}
