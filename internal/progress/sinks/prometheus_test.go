package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart, Session: "encar"},
		{RunID: runID, TS: time.Now().Add(time.Second), Stage: progress.StageRunPage, Session: "encar", Page: 1},
		{
			RunID:   runID,
			TS:      time.Now().Add(10 * time.Second),
			Stage:   progress.StageRunBatch,
			Session: "encar",
			Counts: delivery.Snapshot{
				Batches:     1,
				Items:       20,
				Succeeded:   18,
				Failed:      1,
				Skipped:     1,
				AssetsAdded: 40,
			},
		},
		{
			RunID:   runID,
			TS:      time.Now().Add(15 * time.Second),
			Stage:   progress.StageRunDone,
			Session: "encar",
			Dur:     15 * time.Second,
			Counts: delivery.Snapshot{
				Batches:     2,
				Items:       25,
				Succeeded:   23,
				Failed:      1,
				Skipped:     1,
				AssetsAdded: 44,
			},
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pagesProcessed.WithLabelValues("encar")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.batchesDispatched.WithLabelValues("encar")), 1e-9)
	require.InDelta(t, 23.0, testutil.ToFloat64(sink.itemsProcessed.WithLabelValues("encar", "succeeded")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.itemsProcessed.WithLabelValues("encar", "failed")), 1e-9)
	require.InDelta(t, 44.0, testutil.ToFloat64(sink.assetsProcessed.WithLabelValues("encar", "added")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "parser_run_runtime_seconds"))
}

// TestPrometheusSinkRunningGauge tracks the running gauge across start and abort.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := []progress.Event{{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart, Session: "demo"}}
	require.NoError(t, sink.Consume(context.Background(), start))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	// A duplicate start for the same run must not double-count.
	require.NoError(t, sink.Consume(context.Background(), start))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	abort := []progress.Event{{RunID: runID, TS: time.Now(), Stage: progress.StageRunAborted, Session: "demo"}}
	require.NoError(t, sink.Consume(context.Background(), abort))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("aborted")))
}
