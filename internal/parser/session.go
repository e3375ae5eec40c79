package parser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markolofsen/unrealon-sdk/internal/control"
	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/progress"
)

const defaultUploadBatchSize = 20

// Config carries the per-run knobs of a Session.
type Config struct {
	// Session is the parser source code (e.g. "encar"). Required.
	Session string
	// RunID identifies this run; generated when left as uuid.Nil.
	RunID uuid.UUID
	// Pages caps how many listing pages are fetched. Zero or negative
	// means fetch until the source runs dry.
	Pages int
	// Limit caps how many distinct items are collected. Zero means no
	// limit.
	Limit int
	// UploadBatchSize is the buffer threshold that triggers a flush to the
	// pipeline. Defaults to 20.
	UploadBatchSize int
	// SkipDetails disables per-item detail lookups even when the source
	// supports them.
	SkipDetails bool
	// Resume seeds duplicate suppression from the record store. Delivered
	// IDs from the ledger are seeded regardless.
	Resume bool
}

// Deps bundles the collaborators a Session drives. Source, Transformer,
// Pipeline, and Runner are required; the rest may be nil.
type Deps struct {
	Source      Source
	Transformer Transformer
	Pipeline    *delivery.Pipeline
	Runner      *control.Runner
	Store       RecordStore
	Ledger      Ledger
	Pace        PacePolicy
	Hub         progress.Emitter
	IDs         IDGenerator
	Clock       Clock
	Logger      *zap.Logger
}

// Session drives one extraction run: it walks the source page by page,
// transforms raw items, buffers them, and streams batches into the delivery
// pipeline while honoring pause and stop requests between steps. A Session
// is single-use; build a fresh one per run.
type Session struct {
	cfg       Config
	runID     uuid.UUID
	source    Source
	transform Transformer
	pipeline  *delivery.Pipeline
	runner    *control.Runner
	store     RecordStore
	ledger    Ledger
	pace      PacePolicy
	hub       progress.Emitter
	clock     Clock
	logger    *zap.Logger

	buffer    []delivery.Record
	page      int
	seen      map[string]struct{}
	startedAt time.Time
}

// NewSession validates the wiring and assigns a run ID.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if cfg.Session == "" {
		return nil, errors.New("session name is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("delivery pipeline is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("control runner is required")
	}
	if cfg.UploadBatchSize <= 0 {
		cfg.UploadBatchSize = defaultUploadBatchSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	runID := cfg.RunID
	if runID == uuid.Nil {
		var err error
		if deps.IDs != nil {
			runID, err = deps.IDs.NewRawID()
		} else {
			runID, err = uuid.NewV7()
		}
		if err != nil {
			return nil, fmt.Errorf("assign run id: %w", err)
		}
	}
	return &Session{
		cfg:       cfg,
		runID:     runID,
		source:    deps.Source,
		transform: deps.Transformer,
		pipeline:  deps.Pipeline,
		runner:    deps.Runner,
		store:     deps.Store,
		ledger:    deps.Ledger,
		pace:      deps.Pace,
		hub:       deps.Hub,
		clock:     clock,
		logger:    logger.Named("session").With(zap.String("session", cfg.Session), zap.String("run_id", runID.String())),
		seen:      make(map[string]struct{}),
	}, nil
}

// RunID returns the identifier assigned to this run.
func (s *Session) RunID() uuid.UUID {
	return s.runID
}

// Stats returns the delivery counters accumulated so far.
func (s *Session) Stats() delivery.Snapshot {
	return s.pipeline.Stats()
}

// Run executes the full extraction loop and always closes out the pipeline,
// forcing the shutdown when the loop ended on a stop request. The returned
// snapshot is the final delivery summary; err is nil on normal completion
// and control.ErrStopped after a stop.
func (s *Session) Run(ctx context.Context) (summary delivery.Snapshot, err error) {
	if s.source == nil || s.transform == nil {
		return delivery.Snapshot{}, errors.New("session needs a source and a transformer")
	}
	if !s.startedAt.IsZero() {
		return delivery.Snapshot{}, errors.New("session already ran")
	}
	s.startedAt = s.clock.Now()
	s.seedExistingIDs(ctx)

	s.logger.Info("session starting",
		zap.Int("pages", s.cfg.Pages),
		zap.Int("limit", s.cfg.Limit),
		zap.Bool("skip_details", s.cfg.SkipDetails),
	)
	s.emit(progress.StageRunStart, 0, delivery.Snapshot{}, "")

	defer func() {
		summary = s.Finish(errors.Is(err, control.ErrStopped))
		s.reportEnd(summary, err)
	}()

	err = s.loop(ctx)
	return summary, err
}

// loop walks the listing pages until the source is exhausted, the page cap
// or item limit is reached, or a stop request interrupts it.
func (s *Session) loop(ctx context.Context) error {
	for page := 1; s.cfg.Pages <= 0 || page <= s.cfg.Pages; page++ {
		if err := s.runner.Check(); err != nil {
			return err
		}
		s.page = page

		result, err := s.source.FetchPage(ctx, page)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(result.Records) == 0 {
			s.logger.Info("no more items", zap.Int("page", page))
			return nil
		}
		s.logger.Info("page fetched",
			zap.Int("page", page),
			zap.Int("items", len(result.Records)),
			zap.Int("total_available", result.Total),
		)

		limitReached, err := s.processPage(ctx, page, result.Records)
		if err != nil {
			return err
		}
		s.Flush(page)
		s.emit(progress.StageRunPage, page, s.pipeline.Stats(), "")
		if limitReached {
			s.logger.Info("item limit reached", zap.Int("limit", s.cfg.Limit))
			return nil
		}

		if s.pace != nil {
			if err := s.runner.Wait(s.pace.PageDelay()); err != nil {
				return err
			}
		}
	}
	return nil
}

// processPage transforms and buffers the items of one page. It reports
// whether the configured item limit was hit.
func (s *Session) processPage(ctx context.Context, page int, items []delivery.Record) (bool, error) {
	for _, raw := range items {
		if err := s.runner.Checkpoint(); err != nil {
			return false, err
		}
		id := raw.ID()
		if id == "" {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}

		s.fetchDetails(ctx, raw)

		rec, err := s.transform.Transform(ctx, raw)
		if err != nil {
			return false, fmt.Errorf("transform item %s (page %d): %w", id, page, err)
		}
		if rec != nil {
			s.Add(ctx, rec)
		}

		if s.cfg.Limit > 0 && len(s.seen) >= s.cfg.Limit {
			return true, nil
		}
	}
	return false, nil
}

// fetchDetails enriches raw in place when the source supports detail lookups.
// Detail failures degrade to a listing-only record.
func (s *Session) fetchDetails(ctx context.Context, raw delivery.Record) {
	if s.cfg.SkipDetails {
		return
	}
	df, ok := s.source.(DetailFetcher)
	if !ok {
		return
	}
	detail, err := df.FetchDetail(ctx, raw)
	if err != nil {
		s.logger.Debug("detail fetch failed", zap.String("item_id", raw.ID()), zap.Error(err))
		return
	}
	if detail != nil {
		raw["_details"] = detail
	}
}

// Add backs rec up to the record store, appends it to the upload buffer, and
// flushes once the buffer reaches the batch size. The backup is best-effort.
func (s *Session) Add(ctx context.Context, rec delivery.Record) {
	if rec == nil {
		return
	}
	if s.store != nil {
		if _, err := s.store.Save(ctx, rec); err != nil {
			s.logger.Warn("record store save failed", zap.String("item_id", rec.ID()), zap.Error(err))
		}
	}
	s.buffer = append(s.buffer, rec)
	if len(s.buffer) >= s.cfg.UploadBatchSize {
		s.Flush(s.page)
	}
}

// Flush enqueues the buffered records as a single batch tagged with page.
func (s *Session) Flush(page int) {
	if len(s.buffer) == 0 {
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.pipeline.Enqueue(batch, page)
}

// Finish flushes the buffer and closes out the delivery pipeline, returning
// the final counters. When force is true queued batches are discarded.
func (s *Session) Finish(force bool) delivery.Snapshot {
	s.Flush(s.page)
	return s.pipeline.Finish(force)
}

// seedExistingIDs loads delivered IDs from the ledger and, on resume, the
// record store into the pipeline's duplicate suppression. Seeding is
// best-effort; failures only cost re-deliveries.
func (s *Session) seedExistingIDs(ctx context.Context) {
	if s.ledger != nil {
		if ids, err := s.ledger.ListDelivered(ctx, s.cfg.Session); err != nil {
			s.logger.Warn("ledger seed failed", zap.Error(err))
		} else if len(ids) > 0 {
			s.pipeline.AddExistingIDs(ids)
			s.logger.Info("seeded delivered ids from ledger", zap.Int("count", len(ids)))
		}
	}
	if s.cfg.Resume && s.store != nil {
		if ids, err := s.store.ListIDs(ctx); err != nil {
			s.logger.Warn("record store seed failed", zap.Error(err))
		} else if len(ids) > 0 {
			s.pipeline.AddExistingIDs(ids)
			s.logger.Info("seeded stored ids for resume", zap.Int("count", len(ids)))
		}
	}
}

func (s *Session) reportEnd(summary delivery.Snapshot, runErr error) {
	elapsed := s.clock.Now().Sub(s.startedAt)
	stage := progress.StageRunDone
	note := ""
	switch {
	case errors.Is(runErr, control.ErrStopped):
		stage = progress.StageRunAborted
		note = runErr.Error()
	case runErr != nil:
		stage = progress.StageRunError
		note = runErr.Error()
	}
	s.emitWithDur(stage, summary, elapsed, note)
	s.logger.Info("session finished",
		zap.String("stage", string(stage)),
		zap.Duration("elapsed", elapsed),
		zap.Int64("items", summary.Items),
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
		zap.Int64("skipped", summary.Skipped),
	)
}

func (s *Session) emit(stage progress.Stage, page int, counts delivery.Snapshot, note string) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(progress.Event{
		RunID:   progress.UUIDToBytes(s.runID),
		TS:      s.clock.Now(),
		Stage:   stage,
		Session: s.cfg.Session,
		Page:    page,
		Counts:  counts,
		Note:    note,
	})
}

func (s *Session) emitWithDur(stage progress.Stage, counts delivery.Snapshot, dur time.Duration, note string) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(progress.Event{
		RunID:   progress.UUIDToBytes(s.runID),
		TS:      s.clock.Now(),
		Stage:   stage,
		Session: s.cfg.Session,
		Counts:  counts,
		Dur:     dur,
		Note:    note,
	})
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
