package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/store"
)

func TestRunRepoLifecycle(t *testing.T) {
	t.Parallel()

	repo := NewRunRepo()
	ctx := context.Background()
	runID := uuid.New()
	started := time.Now().UTC()

	if err := repo.UpsertRunStart(ctx, runID, "books", started); err != nil {
		t.Fatalf("UpsertRunStart() error = %v", err)
	}
	// A retried start leaves the original timestamp in place.
	if err := repo.UpsertRunStart(ctx, runID, "books", started.Add(time.Minute)); err != nil {
		t.Fatalf("UpsertRunStart() retry error = %v", err)
	}
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != store.RunRunning || !run.StartedAt.Equal(started) {
		t.Fatalf("unexpected run after start: %+v", run)
	}

	counts := delivery.Snapshot{Batches: 2, Items: 40, Succeeded: 38, Failed: 2}
	if err := repo.UpdateRunCounts(ctx, runID, counts, started.Add(time.Second)); err != nil {
		t.Fatalf("UpdateRunCounts() error = %v", err)
	}

	msg := "remote unavailable"
	finished := started.Add(2 * time.Second)
	if err := repo.CompleteRun(ctx, runID, finished, store.RunError, counts, &msg); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	final, err := repo.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() final error = %v", err)
	}
	if final.Status != store.RunError || final.FinishedAt == nil || !final.FinishedAt.Equal(finished) {
		t.Fatalf("expected terminal run, got %+v", final)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != msg {
		t.Fatalf("expected error message to persist, got %+v", final.ErrorMessage)
	}
	if final.Counts != counts {
		t.Fatalf("expected counters to persist, got %+v", final.Counts)
	}
}

func TestRunRepoMissingRun(t *testing.T) {
	t.Parallel()

	repo := NewRunRepo()
	ctx := context.Background()
	runID := uuid.New()

	if _, err := repo.GetRun(ctx, runID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
	if err := repo.UpdateRunCounts(ctx, runID, delivery.Snapshot{}, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
	if err := repo.CompleteRun(ctx, runID, time.Now(), store.RunSuccess, delivery.Snapshot{}, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
}

func TestRunRepoListRuns(t *testing.T) {
	t.Parallel()

	repo := NewRunRepo()
	ctx := context.Background()
	base := time.Now().UTC()

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		if err := repo.UpsertRunStart(ctx, ids[i], "books", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("UpsertRunStart(%d) error = %v", i, err)
		}
	}
	if err := repo.CompleteRun(ctx, ids[0], base.Add(time.Hour), store.RunSuccess, delivery.Snapshot{}, nil); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	all, err := repo.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("expected newest-first ordering, got %v", all)
	}

	running := store.RunRunning
	active, err := repo.ListRuns(ctx, &running, 10, 0)
	if err != nil || len(active) != 2 {
		t.Fatalf("ListRuns(running) = %v, %v", active, err)
	}

	page, err := repo.ListRuns(ctx, nil, 1, 1)
	if err != nil || len(page) != 1 || page[0].ID != ids[1] {
		t.Fatalf("ListRuns(limit 1 offset 1) = %v, %v", page, err)
	}

	empty, err := repo.ListRuns(ctx, nil, 10, 5)
	if err != nil || empty != nil {
		t.Fatalf("expected empty page, got %v, %v", empty, err)
	}
}
