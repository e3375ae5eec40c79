// Package control implements the cooperative cancellation protocol: a small
// state machine driven by operator commands (pause, resume, stop) and read
// by checkpoints sprinkled through long-running loops.
package control

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by checkpoints once a stop has been requested. It
// unwinds the calling loop through ordinary error returns; callers translate
// it into a forced pipeline shutdown.
var ErrStopped = errors.New("stop requested")

// State describes the controller lifecycle.
type State string

// Controller states. Stopping and stopped are terminal: there is no way
// back to running.
const (
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Source is the read side of the protocol consumed by checkpoints.
type Source interface {
	Paused() bool
	StopRequested() bool
	// AwaitResume blocks while paused and returns nil once resumed, or
	// ErrStopped when a stop arrives first.
	AwaitResume() error
	// Done closes once a stop has been requested.
	Done() <-chan struct{}
}

// Controller owns the cancellation state. Commands arrive from the control
// surface (API, signals); checkpoints only ever read.
type Controller struct {
	mu       sync.Mutex
	state    State
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewController returns a running controller.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		state:  StateRunning,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Paused reports whether a pause is in effect.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StatePaused
}

// StopRequested reports whether a stop has been requested.
func (c *Controller) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStopping || c.state == StateStopped
}

// Done closes once a stop has been requested.
func (c *Controller) Done() <-chan struct{} {
	return c.stopCh
}

// Pause suspends checkpoints. Only a running controller can pause.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.state = StatePaused
	c.resumeCh = make(chan struct{})
	c.logger.Info("pause requested")
}

// Resume releases paused checkpoints. Only a paused controller can resume.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return
	}
	c.state = StateRunning
	close(c.resumeCh)
	c.resumeCh = nil
	c.logger.Info("resumed")
}

// Stop requests termination. Paused waiters wake immediately with
// ErrStopped. Stop is terminal and idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StatePaused {
		return
	}
	c.state = StateStopping
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.logger.Info("stop requested")
}

// MarkStopped acknowledges that the driven loop has wound down.
func (c *Controller) MarkStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopping {
		return
	}
	c.state = StateStopped
	c.logger.Info("stopped")
}

// AwaitResume blocks the caller while paused. Pause has no timeout; an
// operator must resume or stop.
func (c *Controller) AwaitResume() error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateStopping, StateStopped:
			c.mu.Unlock()
			return ErrStopped
		case StatePaused:
		default:
			c.mu.Unlock()
			return nil
		}
		resumeCh := c.resumeCh
		c.mu.Unlock()

		select {
		case <-resumeCh:
		case <-c.stopCh:
			return ErrStopped
		}
	}
}
