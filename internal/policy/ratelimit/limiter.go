// Package ratelimit implements a token bucket pacing policy for page fetches.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

// Config holds rate limiter configuration.
type Config struct {
	// PagesPerSecond is the sustained fetch rate; <= 0 disables pacing.
	PagesPerSecond float64
	// Burst is the token bucket size.
	Burst int
	// Session labels the recorded pace delays.
	Session string
}

// Limiter converts a token bucket into per-page delays.
type Limiter struct {
	limiter *rate.Limiter
	session string
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PagesPerSecond)
	if cfg.PagesPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(r, burst),
		session: cfg.Session,
	}
}

// PageDelay reserves the next token and returns how long the caller must
// wait before fetching another page.
func (l *Limiter) PageDelay() time.Duration {
	delay := l.limiter.Reserve().Delay()
	if delay > time.Millisecond {
		telemetry.ObservePaceDelay(l.session, delay)
	}
	return delay
}
