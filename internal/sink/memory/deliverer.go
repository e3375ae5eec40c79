// Package memory contains an in-memory deliverer for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
)

// Outcome is one scripted reply of the deliverer.
type Outcome struct {
	Result delivery.Result
	Err    error
}

// Deliverer records every delivered record and replays a scripted outcome
// sequence. Once the script runs out every delivery succeeds.
type Deliverer struct {
	mu     sync.Mutex
	calls  []delivery.Record
	script []Outcome
	pos    int
}

// New creates a Deliverer that accepts everything.
func New() *Deliverer {
	return &Deliverer{}
}

// NewScripted creates a Deliverer that replays the given outcomes in order.
func NewScripted(script ...Outcome) *Deliverer {
	return &Deliverer{script: script}
}

// Deliver records the call and returns the next scripted outcome.
func (d *Deliverer) Deliver(_ context.Context, rec delivery.Record) (delivery.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, cloneRecord(rec))
	if d.pos < len(d.script) {
		out := d.script[d.pos]
		d.pos++
		return out.Result, out.Err
	}
	return delivery.Result{Success: true}, nil
}

// Calls returns a copy of every record delivered so far.
func (d *Deliverer) Calls() []delivery.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]delivery.Record, len(d.calls))
	for i, rec := range d.calls {
		out[i] = cloneRecord(rec)
	}
	return out
}

func cloneRecord(rec delivery.Record) delivery.Record {
	clone := make(delivery.Record, len(rec))
	for k, v := range rec {
		clone[k] = v
	}
	return clone
}

// CallCount returns how many deliveries were attempted.
func (d *Deliverer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}
