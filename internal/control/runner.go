package control

import (
	"iter"
	"time"

	"go.uber.org/zap"
)

// Runner gives long-running loops a uniform way to react to pause and stop
// requests read from a Source.
type Runner struct {
	src    Source
	logger *zap.Logger
}

// NewRunner wraps a cancellation source.
func NewRunner(src Source, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{src: src, logger: logger}
}

// Check returns ErrStopped once a stop has been requested. While paused it
// blocks until resumed; a stop arriving during the pause wins.
func (r *Runner) Check() error {
	if r.src.StopRequested() {
		return ErrStopped
	}
	if r.src.Paused() {
		r.logger.Info("paused, waiting for resume")
		if err := r.src.AwaitResume(); err != nil {
			return err
		}
		r.logger.Info("resumed, continuing")
	}
	return nil
}

// Checkpoint behaves exactly like Check. It exists so loop bodies can mark
// sub-step boundaries (between fetch and transform, say) without borrowing
// the between-elements name.
func (r *Runner) Checkpoint() error {
	return r.Check()
}

// Wait sleeps for d unless a stop request arrives first. Unlike Check it
// never blocks on pause; pauses are honored at the next checkpoint.
func (r *Runner) Wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.src.Done():
		return ErrStopped
	case <-timer.C:
		return nil
	}
}

// Each consumes seq exactly once, running Check before every element and fn
// on it. The first error ends the walk and leaves the remaining elements
// unconsumed; a stop request surfaces as ErrStopped.
func Each[T any](r *Runner, seq iter.Seq[T], fn func(T) error) error {
	var walkErr error
	seq(func(v T) bool {
		if err := r.Check(); err != nil {
			walkErr = err
			return false
		}
		if err := fn(v); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	return walkErr
}
