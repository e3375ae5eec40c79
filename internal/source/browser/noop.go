package browser

import (
	"context"
	"errors"
)

// Noop implements Renderer but always fails, standing in when headless
// rendering is disabled by configuration.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render returns an error since no browser is available.
func (Noop) Render(_ context.Context, _ string) (string, error) {
	return "", errors.New("headless rendering disabled")
}
