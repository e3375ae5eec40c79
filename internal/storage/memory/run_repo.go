package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/store"
)

// RunRepo provides an in-memory store.RunRepository for development/testing.
type RunRepo struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.ParserRun
}

// NewRunRepo constructs a RunRepo.
func NewRunRepo() *RunRepo {
	return &RunRepo{runs: make(map[uuid.UUID]store.ParserRun)}
}

// UpsertRunStart records a run as running, creating it on first sight.
func (r *RunRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, session string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		run = store.ParserRun{
			ID:        runID,
			Session:   session,
			StartedAt: startedAt,
		}
	}
	run.Status = store.RunRunning
	r.runs[runID] = run
	return nil
}

// UpdateRunCounts overwrites the counters for a run.
func (r *RunRepo) UpdateRunCounts(_ context.Context, runID uuid.UUID, counts delivery.Snapshot, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	run.Counts = counts
	r.runs[runID] = run
	return nil
}

// CompleteRun marks a run finished with its final status and counters.
func (r *RunRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counts delivery.Snapshot,
	errMsg *string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	run.Status = status
	run.Counts = counts
	run.ErrorMessage = errMsg
	run.FinishedAt = pointerTime(finishedAt)
	r.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (r *RunRepo) GetRun(_ context.Context, runID uuid.UUID) (store.ParserRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return store.ParserRun{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (r *RunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.ParserRun, error) {
	r.mu.RLock()
	all := make([]store.ParserRun, 0, len(r.runs))
	for _, run := range r.runs {
		if status != nil && run.Status != *status {
			continue
		}
		all = append(all, run)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
