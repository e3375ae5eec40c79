package delivery

import (
	"strings"
	"time"
)

// transientMarkers are the status-code substrings treated as retryable
// server errors. Matching is a plain substring search over the truncated
// error text, which is a deliberate heuristic: an error that merely mentions
// one of these codes is retried too.
var transientMarkers = []string{"502", "503", "504"}

const errMessageLimit = 100

// RetryPolicy bounds delivery attempts with a linear backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the standard policy of three attempts with a
// two second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
	}
}

// Retryable reports whether err looks like a transient server error. The
// message is truncated before matching so that oversized payload echoes do
// not influence classification.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := truncateMessage(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Backoff returns the wait before the attempt following the given 1-based
// failed attempt. Delays grow linearly: base, 2x base, 3x base.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}

func truncateMessage(msg string) string {
	if len(msg) > errMessageLimit {
		return msg[:errMessageLimit]
	}
	return msg
}
