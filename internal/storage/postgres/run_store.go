package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/store"
)

// RunStore implements store.RunRepository on the parser_runs table.
type RunStore struct {
	pool pgxPool
}

// NewRunStore creates a new RunStore.
func NewRunStore(ctx context.Context, dsn string) (*RunStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a RunStore from an existing pool (primarily
// for testing).
func NewRunStoreWithPool(pool pgxPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts or updates a run's start time.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, session string, startedAt time.Time) error {
	query := `
		INSERT INTO parser_runs (id, session, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE parser_runs.status <> EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, runID, session, startedAt, store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// UpdateRunCounts overwrites the stats columns with the latest snapshot.
func (s *RunStore) UpdateRunCounts(ctx context.Context, runID uuid.UUID, counts delivery.Snapshot, at time.Time) error {
	query := `
		UPDATE parser_runs
		SET batches = $1, items = $2, succeeded = $3, failed = $4,
			skipped = $5, assets_added = $6, assets_failed = $7, last_update = $8
		WHERE id = $9;
	`
	_, err := s.pool.Exec(ctx, query,
		counts.Batches,
		counts.Items,
		counts.Succeeded,
		counts.Failed,
		counts.Skipped,
		counts.AssetsAdded,
		counts.AssetsFailed,
		at,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run counts: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status, final counts, and an
// optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counts delivery.Snapshot,
	errMsg *string,
) error {
	query := `
		UPDATE parser_runs
		SET finished_at = $1, status = $2, error_message = $3,
			batches = $4, items = $5, succeeded = $6, failed = $7,
			skipped = $8, assets_added = $9, assets_failed = $10, last_update = $1
		WHERE id = $11;
	`
	_, err := s.pool.Exec(ctx, query,
		finishedAt,
		status,
		errMsg,
		counts.Batches,
		counts.Items,
		counts.Succeeded,
		counts.Failed,
		counts.Skipped,
		counts.AssetsAdded,
		counts.AssetsFailed,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.ParserRun, error) {
	query := `
		SELECT id, session, started_at, finished_at, status, error_message,
			batches, items, succeeded, failed, skipped, assets_added, assets_failed
		FROM parser_runs
		WHERE id = $1;
	`
	var run store.ParserRun
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Session,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Counts.Batches,
		&run.Counts.Items,
		&run.Counts.Succeeded,
		&run.Counts.Failed,
		&run.Counts.Skipped,
		&run.Counts.AssetsAdded,
		&run.Counts.AssetsFailed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ParserRun{}, store.ErrNotFound
		}
		return store.ParserRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves a list of runs, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.ParserRun, error) {
	query := `
		SELECT id, session, started_at, finished_at, status, error_message,
			batches, items, succeeded, failed, skipped, assets_added, assets_failed
		FROM parser_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.ParserRun
	for rows.Next() {
		var run store.ParserRun
		err := rows.Scan(
			&run.ID,
			&run.Session,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.Counts.Batches,
			&run.Counts.Items,
			&run.Counts.Succeeded,
			&run.Counts.Failed,
			&run.Counts.Skipped,
			&run.Counts.AssetsAdded,
			&run.Counts.AssetsFailed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run rows: %w", err)
	}
	return runs, nil
}
