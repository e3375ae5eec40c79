// Package delivery implements the streaming delivery pipeline: a FIFO batch
// queue consumed by a single background dispatcher that fans each batch out
// to a bounded pool of delivery workers with retry, deduplication, and
// aggregate statistics.
package delivery

import (
	"context"
	"fmt"
)

// Record is an opaque item produced by an extraction run. The pipeline only
// ever reads the identifier field; payload shape is the producer's business.
type Record map[string]any

// ID returns the stringified unique identifier of the record, or the empty
// string when the field is absent.
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Batch is an ordered group of records tagged with a logical page number.
// Page 0 means ungrouped.
type Batch struct {
	Records []Record
	Page    int
}

// Result reports the outcome of a single delivery attempt, including counts
// for secondary assets (photos, attachments) handled alongside the record.
type Result struct {
	Success      bool
	AssetsAdded  int
	AssetsFailed int
	ErrorMessage string
}

// Deliverer sends one record to the remote sink. Implementations signal
// transport failures through the error return; a nil error with a false
// Success means the sink rejected the record and no retry will happen.
type Deliverer interface {
	Deliver(ctx context.Context, rec Record) (Result, error)
}

// DelivererFunc adapts a plain function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, rec Record) (Result, error)

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, rec Record) (Result, error) {
	return f(ctx, rec)
}

// ProgressFunc receives a statistics snapshot after every dispatched batch.
type ProgressFunc func(Snapshot)
