package delivery

import "sync/atomic"

// Stats aggregates session counters. All counters are monotonic and every
// increment is atomic, so workers may update them concurrently and a
// Snapshot taken at rest is internally consistent.
type Stats struct {
	batches      atomic.Int64
	items        atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	skipped      atomic.Int64
	assetsAdded  atomic.Int64
	assetsFailed atomic.Int64
}

// Snapshot is a point-in-time copy of Stats suitable for progress callbacks
// and the session summary.
type Snapshot struct {
	Batches      int64 `json:"batches"`
	Items        int64 `json:"items"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Skipped      int64 `json:"skipped"`
	AssetsAdded  int64 `json:"assets_added"`
	AssetsFailed int64 `json:"assets_failed"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Batches:      s.batches.Load(),
		Items:        s.items.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		Skipped:      s.skipped.Load(),
		AssetsAdded:  s.assetsAdded.Load(),
		AssetsFailed: s.assetsFailed.Load(),
	}
}

func (s *Stats) markBatch()        { s.batches.Add(1) }
func (s *Stats) markItem()         { s.items.Add(1) }
func (s *Stats) markSkipped(n int) { s.skipped.Add(int64(n)) }
func (s *Stats) markFailed()       { s.failed.Add(1) }

func (s *Stats) markSucceeded(assetsAdded, assetsFailed int) {
	s.succeeded.Add(1)
	s.assetsAdded.Add(int64(assetsAdded))
	s.assetsFailed.Add(int64(assetsFailed))
}
