// Package store declares interfaces for persisting parser run state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the parser_runs status column.
type RunStatus string

// Run statuses persisted in parser_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunAborted RunStatus = "aborted"
)

// ParserRun models the parser_runs table for API responses.
type ParserRun struct {
	// ID is the primary key of parser_runs.
	ID uuid.UUID
	// Session is the parser source code the run belongs to.
	Session string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/success/error/aborted.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Counts carries the delivery counters last reported for the run.
	Counts delivery.Snapshot
}

// RunRepository persists incremental parser run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, session string, startedAt time.Time) error
	// UpdateRunCounts overwrites the stats columns with the latest snapshot.
	UpdateRunCounts(ctx context.Context, runID uuid.UUID, counts delivery.Snapshot, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, counts delivery.Snapshot, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (ParserRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]ParserRun, error)
}
