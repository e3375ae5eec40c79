// Package progress defines the event structures emitted by parser sessions.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunPage    Stage = "RUN_PAGE"
	StageRunBatch   Stage = "RUN_BATCH"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageRunAborted Stage = "RUN_ABORTED"
)

// Event captures a single milestone of a parser run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Session is the parser source code the run belongs to (e.g. "encar").
	Session string
	// Page is the 1-based listing page for RUN_PAGE events.
	Page int
	// Counts carries the delivery counters current at emit time.
	Counts delivery.Snapshot
	// Dur captures elapsed run time for terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Session == "" {
		return errors.New("session is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunBatch, StageRunDone, StageRunError, StageRunAborted:
	case StageRunPage:
		if e.Page < 1 {
			return errors.New("page events require a 1-based page")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a run.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageRunDone, StageRunError, StageRunAborted:
		return true
	}
	return false
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
