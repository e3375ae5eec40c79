package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
}

func record(id string) Record {
	return Record{"id": id, "title": "item " + id}
}

func TestPipelineGracefulFinishDeliversEverything(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(nil)
	p := NewPipeline(del, testConfig())

	const producers = 4
	const batchesPerProducer = 5
	const recordsPerBatch = 20

	var wg sync.WaitGroup
	for pr := 0; pr < producers; pr++ {
		wg.Add(1)
		go func(pr int) {
			defer wg.Done()
			for b := 0; b < batchesPerProducer; b++ {
				recs := make([]Record, 0, recordsPerBatch+1)
				for i := 0; i < recordsPerBatch; i++ {
					recs = append(recs, record(fmt.Sprintf("p%d-b%d-i%d", pr, b, i)))
				}
				recs = append(recs, record("shared"))
				p.Enqueue(recs, pr*batchesPerProducer+b+1)
			}
		}(pr)
	}
	wg.Wait()

	snap := p.Finish(false)

	totalBatches := int64(producers * batchesPerProducer)
	require.Equal(t, totalBatches, snap.Batches)
	// "shared" rides along in every batch but is delivered exactly once.
	require.Equal(t, int64(producers*batchesPerProducer*recordsPerBatch)+1, snap.Items)
	require.Equal(t, snap.Items, snap.Succeeded)
	require.Zero(t, snap.Failed)
	require.Equal(t, totalBatches-1, snap.Skipped)
	require.Equal(t, 1, del.callCount("shared"))
	require.Equal(t, StateStopped, p.State())
}

func TestPipelineSeededIDsAreNeverDelivered(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(nil)
	p := NewPipeline(del, testConfig())
	p.AddExistingIDs([]string{"1", "2"})

	p.Enqueue([]Record{record("1"), record("2"), record("3")}, 1)
	snap := p.Finish(false)

	require.Equal(t, int64(1), snap.Items)
	require.Equal(t, int64(1), snap.Succeeded)
	require.Equal(t, int64(2), snap.Skipped)
	require.Zero(t, snap.Failed)
	require.Zero(t, del.callCount("1"))
	require.Zero(t, del.callCount("2"))
	require.Equal(t, 1, del.callCount("3"))
}

func TestPipelineEmptyEnqueueIsNoOp(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(nil)
	p := NewPipeline(del, testConfig())

	p.Enqueue(nil, 1)
	p.Enqueue([]Record{}, 2)

	require.Equal(t, StateIdle, p.State())
	require.Equal(t, Snapshot{}, p.Stats())

	snap := p.Finish(false)
	require.Equal(t, Snapshot{}, snap)
}

func TestPipelineTransientErrorRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(func(id string, call int) (Result, error) {
		return Result{}, errors.New("upstream returned 503 service unavailable")
	})
	p := NewPipeline(del, testConfig())

	var waits int
	p.wait = func(d time.Duration) bool {
		waits++
		return true
	}

	p.Enqueue([]Record{record("x")}, 0)
	snap := p.Finish(false)

	require.Equal(t, 3, del.callCount("x"))
	require.Equal(t, 2, waits, "backoff waits sit between attempts")
	require.Equal(t, int64(1), snap.Items)
	require.Equal(t, int64(1), snap.Failed)
	require.Zero(t, snap.Succeeded)
}

func TestPipelinePermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(func(id string, call int) (Result, error) {
		return Result{}, errors.New("validation rejected payload")
	})
	p := NewPipeline(del, testConfig())

	p.Enqueue([]Record{record("x")}, 0)
	snap := p.Finish(false)

	require.Equal(t, 1, del.callCount("x"))
	require.Equal(t, int64(1), snap.Failed)
}

func TestPipelineRejectedResultIsNotRetried(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(func(id string, call int) (Result, error) {
		return Result{Success: false, ErrorMessage: "duplicate slug"}, nil
	})
	p := NewPipeline(del, testConfig())

	p.Enqueue([]Record{record("x")}, 0)
	snap := p.Finish(false)

	require.Equal(t, 1, del.callCount("x"))
	require.Equal(t, int64(1), snap.Items)
	require.Equal(t, int64(1), snap.Failed)
	require.Zero(t, snap.Succeeded)
}

func TestPipelineMixedRetryOutcomes(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(func(id string, call int) (Result, error) {
		switch id {
		case "a":
			if call <= 2 {
				return Result{}, errors.New("503 bad gateway hiccup")
			}
			return Result{Success: true}, nil
		default:
			return Result{}, errors.New("record permanently malformed")
		}
	})
	p := NewPipeline(del, testConfig())
	p.wait = func(d time.Duration) bool { return true }

	p.Enqueue([]Record{record("a"), record("b")}, 1)
	snap := p.Finish(false)

	require.Equal(t, 3, del.callCount("a"))
	require.Equal(t, 1, del.callCount("b"))
	require.Equal(t, int64(2), snap.Items)
	require.Equal(t, int64(1), snap.Succeeded)
	require.Equal(t, int64(1), snap.Failed)
	require.Zero(t, snap.Skipped)
}

func TestPipelineForcedFinishIsBounded(t *testing.T) {
	t.Parallel()

	del := &blockingDeliverer{started: make(chan struct{}, 16)}
	cfg := testConfig()
	cfg.AbandonTimeout = 200 * time.Millisecond
	p := NewPipeline(del, cfg)

	p.Enqueue([]Record{record("slow-1"), record("slow-2")}, 1)
	p.Enqueue([]Record{record("queued-1")}, 2)
	p.Enqueue([]Record{record("queued-2")}, 3)

	select {
	case <-del.started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	start := time.Now()
	snap := p.Finish(true)
	elapsed := time.Since(start)

	require.Less(t, elapsed, time.Second, "forced finish must respect the abandon timeout")
	require.Equal(t, int64(1), snap.Batches, "queued batches are discarded, not dispatched")
	require.Zero(t, del.callCount("queued-1"))
	require.Zero(t, del.callCount("queued-2"))
}

func TestPipelineAbortDropsQueueAndRefusesLateEnqueues(t *testing.T) {
	t.Parallel()

	del := &blockingDeliverer{started: make(chan struct{}, 16)}
	cfg := testConfig()
	cfg.AbandonTimeout = 100 * time.Millisecond
	p := NewPipeline(del, cfg)

	p.Enqueue([]Record{record("inflight")}, 1)
	p.Enqueue([]Record{record("doomed")}, 2)

	select {
	case <-del.started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	snap := p.Abort()
	require.Equal(t, int64(1), snap.Batches)
	require.Zero(t, del.callCount("doomed"))

	p.Enqueue([]Record{record("late")}, 3)
	require.Zero(t, del.callCount("late"))
	require.Equal(t, snap.Batches, p.Stats().Batches)
}

func TestPipelineProgressCallbackFiresPerBatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var snaps []Snapshot
	cfg := testConfig()
	cfg.OnProgress = func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}

	del := newScriptedDeliverer(nil)
	p := NewPipeline(del, cfg)
	p.AddExistingIDs([]string{"dup"})

	p.Enqueue([]Record{record("1")}, 1)
	// A batch of pure duplicates still counts as dispatched.
	p.Enqueue([]Record{record("dup")}, 2)
	p.Finish(false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 2)
	final := snaps[len(snaps)-1]
	require.Equal(t, int64(2), final.Batches)
	require.Equal(t, int64(1), final.Skipped)
}

func TestPipelineFinishIsIdempotent(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(nil)
	p := NewPipeline(del, testConfig())
	p.Enqueue([]Record{record("1")}, 1)

	first := p.Finish(false)
	done := make(chan Snapshot, 1)
	go func() { done <- p.Finish(true) }()

	select {
	case second := <-done:
		require.Equal(t, first, second)
	case <-time.After(time.Second):
		t.Fatal("second finish call blocked")
	}
}

func TestPipelineStopDuringBackoffClosesTheBooks(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(func(id string, call int) (Result, error) {
		return Result{}, errors.New("502 flapping upstream")
	})
	p := NewPipeline(del, testConfig())
	p.wait = func(d time.Duration) bool { return false }

	p.Enqueue([]Record{record("x")}, 0)
	snap := p.Finish(false)

	require.Equal(t, 1, del.callCount("x"))
	require.Equal(t, int64(1), snap.Items)
	require.Equal(t, int64(1), snap.Failed, "an interrupted retry still resolves the record")
}

func TestPipelinePanicInDelivererIsIsolated(t *testing.T) {
	t.Parallel()

	del := newScriptedDeliverer(func(id string, call int) (Result, error) {
		if id == "boom" {
			panic("deliverer exploded")
		}
		return Result{Success: true}, nil
	})
	p := NewPipeline(del, testConfig())

	p.Enqueue([]Record{record("boom"), record("ok-1"), record("ok-2")}, 1)
	p.Enqueue([]Record{record("ok-3")}, 2)
	snap := p.Finish(false)

	require.Equal(t, int64(4), snap.Items)
	require.Equal(t, int64(3), snap.Succeeded)
	require.Equal(t, int64(1), snap.Failed)
	require.Equal(t, int64(2), snap.Batches, "dispatcher survives a worker panic")
}

func TestRecordID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "42", Record{"id": 42}.ID())
	require.Equal(t, "abc", Record{"id": "abc"}.ID())
	require.Empty(t, Record{"name": "no id"}.ID())
	require.Empty(t, Record{"id": nil}.ID())
}

// scriptedDeliverer counts calls per identifier and answers from a script.
// A nil script means unconditional success.
type scriptedDeliverer struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(id string, call int) (Result, error)
}

func newScriptedDeliverer(script func(id string, call int) (Result, error)) *scriptedDeliverer {
	return &scriptedDeliverer{
		calls:  make(map[string]int),
		script: script,
	}
}

func (d *scriptedDeliverer) Deliver(_ context.Context, rec Record) (Result, error) {
	d.mu.Lock()
	d.calls[rec.ID()]++
	call := d.calls[rec.ID()]
	d.mu.Unlock()
	if d.script == nil {
		return Result{Success: true}, nil
	}
	return d.script(rec.ID(), call)
}

func (d *scriptedDeliverer) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

// blockingDeliverer parks every call until its context is canceled.
type blockingDeliverer struct {
	mu      sync.Mutex
	calls   map[string]int
	started chan struct{}
}

func (d *blockingDeliverer) Deliver(ctx context.Context, rec Record) (Result, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[rec.ID()]++
	d.mu.Unlock()
	select {
	case d.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func (d *blockingDeliverer) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}
