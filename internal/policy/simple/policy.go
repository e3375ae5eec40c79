// Package simple contains a fixed-delay pacing policy.
package simple

import "time"

// Policy paces page fetches with a constant delay.
type Policy struct {
	delay time.Duration
}

// New creates a new Policy. Negative delays are treated as zero.
func New(delay time.Duration) *Policy {
	if delay < 0 {
		delay = 0
	}
	return &Policy{delay: delay}
}

// PageDelay returns the configured delay between pages.
func (p *Policy) PageDelay() time.Duration {
	return p.delay
}
