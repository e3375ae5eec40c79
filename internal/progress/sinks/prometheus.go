package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/progress"
)

// PrometheusSink exports parser progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-session delivery
// counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	pagesProcessed    *prometheus.CounterVec
	batchesDispatched *prometheus.CounterVec
	itemsProcessed    *prometheus.CounterVec
	assetsProcessed   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parser_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parser_runs_running",
			Help: "Current number of running parser sessions.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parser_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_pages_processed_total",
			Help: "Listing pages processed per session.",
		}, []string{"session"}),
		batchesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_batches_dispatched_total",
			Help: "Delivery batches dispatched per session.",
		}, []string{"session"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_items_processed_total",
			Help: "Delivered items partitioned by session and outcome.",
		}, []string{"session", "outcome"}),
		assetsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parser_assets_processed_total",
			Help: "Asset sub-results partitioned by session and outcome.",
		}, []string{"session", "outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.pagesProcessed,
		s.batchesDispatched,
		s.itemsProcessed,
		s.assetsProcessed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunPage:
		s.pagesProcessed.WithLabelValues(evt.Session).Inc()
	case progress.StageRunBatch:
		s.applyCounts(evt)
	case progress.StageRunDone:
		s.handleTerminal(evt, "success")
	case progress.StageRunError:
		s.handleTerminal(evt, "error")
	case progress.StageRunAborted:
		s.handleTerminal(evt, "aborted")
	}
}

func (s *PrometheusSink) handleTerminal(evt progress.Event, result string) {
	s.applyCounts(evt)
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// applyCounts turns the cumulative snapshot into counter deltas. Snapshots are
// monotonic per run, so the tracker diff is never negative for in-order
// batches.
func (s *PrometheusSink) applyCounts(evt progress.Event) {
	delta := s.tracker.advance(evt.RunID, evt.Counts)
	session := evt.Session
	if delta.Batches > 0 {
		s.batchesDispatched.WithLabelValues(session).Add(float64(delta.Batches))
	}
	if delta.Succeeded > 0 {
		s.itemsProcessed.WithLabelValues(session, "succeeded").Add(float64(delta.Succeeded))
	}
	if delta.Failed > 0 {
		s.itemsProcessed.WithLabelValues(session, "failed").Add(float64(delta.Failed))
	}
	if delta.Skipped > 0 {
		s.itemsProcessed.WithLabelValues(session, "skipped").Add(float64(delta.Skipped))
	}
	if delta.AssetsAdded > 0 {
		s.assetsProcessed.WithLabelValues(session, "added").Add(float64(delta.AssetsAdded))
	}
	if delta.AssetsFailed > 0 {
		s.assetsProcessed.WithLabelValues(session, "failed").Add(float64(delta.AssetsFailed))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
	last    map[[16]byte]delivery.Snapshot
}

func newRunTracker() *runTracker {
	return &runTracker{
		running: make(map[[16]byte]struct{}),
		last:    make(map[[16]byte]delivery.Snapshot),
	}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, id)
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

// advance records the newest cumulative snapshot for id and returns the
// field-wise difference from the previous one, clamped at zero.
func (t *runTracker) advance(id [16]byte, counts delivery.Snapshot) delivery.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.last[id]
	t.last[id] = counts
	return delivery.Snapshot{
		Batches:      clampDelta(counts.Batches, prev.Batches),
		Items:        clampDelta(counts.Items, prev.Items),
		Succeeded:    clampDelta(counts.Succeeded, prev.Succeeded),
		Failed:       clampDelta(counts.Failed, prev.Failed),
		Skipped:      clampDelta(counts.Skipped, prev.Skipped),
		AssetsAdded:  clampDelta(counts.AssetsAdded, prev.AssetsAdded),
		AssetsFailed: clampDelta(counts.AssetsFailed, prev.AssetsFailed),
	}
}

func clampDelta(cur, prev int64) int64 {
	if cur <= prev {
		return 0
	}
	return cur - prev
}
