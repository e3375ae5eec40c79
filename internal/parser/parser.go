// Package parser defines the domain contracts for extraction sessions: the
// page sources that produce raw items, the stores and ledgers that persist
// them, and the session orchestrator that streams them into the delivery
// pipeline.
package parser

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
)

// ErrNotFound signals that a record store has no document for the requested
// ID.
var ErrNotFound = errors.New("record not found")

// PageResult is one page of raw items returned by a Source. An empty Records
// slice signals the source is exhausted.
type PageResult struct {
	// Records holds the raw listing items; each should carry an "id" field.
	Records []delivery.Record
	// Total is the source-reported count of items available across all
	// pages, zero when unknown.
	Total int
}

// Source produces raw item pages for a session. Implementations fetch from
// an HTTP API, a rendered page, or anything else that can be paginated.
type Source interface {
	FetchPage(ctx context.Context, page int) (PageResult, error)
}

// DetailFetcher is implemented by sources that can enrich a listing item
// with a per-item detail lookup. The session merges the result into the raw
// record under the "_details" key before transforming it.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, rec delivery.Record) (delivery.Record, error)
}

// Transformer reshapes a raw item into its deliverable form. Returning a
// nil record with a nil error drops the item silently.
type Transformer interface {
	Transform(ctx context.Context, raw delivery.Record) (delivery.Record, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, raw delivery.Record) (delivery.Record, error)

// Transform implements Transformer.
func (f TransformerFunc) Transform(ctx context.Context, raw delivery.Record) (delivery.Record, error) {
	return f(ctx, raw)
}

// StoreStats summarizes the contents of a RecordStore.
type StoreStats struct {
	// Count is the number of stored records.
	Count int
	// Bytes is the total payload size on the backend.
	Bytes int64
}

// RecordStore persists one JSON document per record, used for local backup
// and for resuming a previous run.
type RecordStore interface {
	Save(ctx context.Context, rec delivery.Record) (string, error)
	Load(ctx context.Context, id string) (delivery.Record, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListIDs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (StoreStats, error)
	Clear(ctx context.Context) (int, error)
}

// Ledger records confirmed deliveries per session so later runs can skip
// them.
type Ledger interface {
	MarkDelivered(ctx context.Context, session, itemID string) error
	ListDelivered(ctx context.Context, session string) ([]string, error)
	Close() error
}

// Publisher pushes lifecycle events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PacePolicy decides how long to wait between page fetches.
type PacePolicy interface {
	PageDelay() time.Duration
}

// Hasher computes digests for stored payload integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
