package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/progress"
	"github.com/markolofsen/unrealon-sdk/internal/store"
)

// StoreSink persists run progress via a store.RunRepository. It collapses
// per-run count snapshots to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle transitions to the repository and writes one
// counts update per run for the batch. It respects ctx deadlines and returns
// any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*countsUpdate)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Session, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunBatch:
			recordCounts(pending, runID, evt)
		case progress.StageRunDone, progress.StageRunError, progress.StageRunAborted:
			// Terminal counts supersede any snapshot collapsed earlier in
			// this batch.
			delete(pending, runID)
			if err := s.completeRun(ctx, runID, evt); err != nil {
				return err
			}
		}
	}

	for runID, update := range pending {
		if err := s.repo.UpdateRunCounts(ctx, runID, update.counts, update.at); err != nil {
			return fmt.Errorf("update run counts: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	switch evt.Stage {
	case progress.StageRunError:
		status = store.RunError
	case progress.StageRunAborted:
		status = store.RunAborted
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, evt.Counts, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func recordCounts(pending map[uuid.UUID]*countsUpdate, runID uuid.UUID, evt progress.Event) {
	update := pending[runID]
	if update == nil {
		update = &countsUpdate{}
		pending[runID] = update
	}
	if evt.TS.After(update.at) || update.at.IsZero() {
		update.counts = evt.Counts
		update.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type countsUpdate struct {
	counts delivery.Snapshot
	at     time.Time
}
