package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State describes the pipeline lifecycle.
type State string

// Pipeline lifecycle states.
const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	defaultWorkers        = 3
	defaultQueueDepth     = 1024
	defaultAbandonTimeout = time.Second
)

// Config controls pipeline behavior.
//   - Workers: delivery concurrency within one batch (default 3).
//   - QueueDepth: buffered batches before Enqueue blocks (default 1024).
//   - AbandonTimeout: how long a forced shutdown waits for the in-flight
//     batch before giving up (default 1s).
//   - Retry: attempt cap and backoff base for transient failures.
//   - OnProgress: optional callback fired after every dispatched batch.
//   - BaseContext: parent context for delivery attempts (default Background).
//   - Logger: optional structured logger.
type Config struct {
	Workers        int
	QueueDepth     int
	AbandonTimeout time.Duration
	Retry          RetryPolicy
	OnProgress     ProgressFunc
	BaseContext    context.Context
	Logger         *zap.Logger
}

// Pipeline streams batches of records to a Deliverer without blocking the
// producer. A single dispatcher goroutine, started lazily on the first
// enqueue, dequeues batches in FIFO order and joins a bounded worker pool
// per batch. Shutdown is either graceful (drain everything) or forced
// (discard the queue, abandon the in-flight batch after a bounded wait).
type Pipeline struct {
	cfg       Config
	deliverer Deliverer
	logger    *zap.Logger

	queue *taskQueue
	dedup *DedupSet
	stats *Stats

	mu       sync.Mutex
	state    State
	finished bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	summaryOnce sync.Once

	// wait pauses between retry attempts and returns false when a stop
	// request interrupted the pause. Swapped out in tests.
	wait func(d time.Duration) bool
}

// NewPipeline constructs a Pipeline around the given deliverer. The zero
// Config is usable; every field has a default.
func NewPipeline(deliverer Deliverer, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.AbandonTimeout <= 0 {
		cfg.AbandonTimeout = defaultAbandonTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 || cfg.Retry.BaseDelay <= 0 {
		def := DefaultRetryPolicy()
		if cfg.Retry.MaxAttempts <= 0 {
			cfg.Retry.MaxAttempts = def.MaxAttempts
		}
		if cfg.Retry.BaseDelay <= 0 {
			cfg.Retry.BaseDelay = def.BaseDelay
		}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(cfg.BaseContext)
	p := &Pipeline{
		cfg:       cfg,
		deliverer: deliverer,
		logger:    logger,
		queue:     newTaskQueue(cfg.QueueDepth),
		dedup:     NewDedupSet(),
		stats:     &Stats{},
		state:     StateIdle,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.wait = p.stopWait
	return p
}

// AddExistingIDs seeds the deduplication set with identifiers delivered in a
// prior run so they are skipped instead of re-delivered.
func (p *Pipeline) AddExistingIDs(ids []string) {
	p.dedup.Add(ids...)
	p.logger.Debug("seeded existing ids", zap.Int("count", len(ids)), zap.Int("total", p.dedup.Len()))
}

// Enqueue appends a batch to the delivery queue. Empty batches are ignored.
// The first call starts the background dispatcher; calls after Finish or
// Abort are dropped with a warning.
func (p *Pipeline) Enqueue(records []Record, page int) {
	if len(records) == 0 {
		return
	}
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		p.logger.Warn("enqueue after finish dropped",
			zap.Int("records", len(records)),
			zap.Int("page", page),
		)
		return
	}
	if p.state == StateIdle {
		p.state = StateActive
		go p.run()
	}
	p.queue.push(task{batch: Batch{Records: records, Page: page}})
	p.mu.Unlock()
}

// Finish signals end of input and returns the final statistics. With
// force=false it blocks until every queued batch has been dispatched and
// delivered. With force=true it discards still-queued batches, interrupts
// in-flight deliveries, and waits at most AbandonTimeout for the dispatcher
// to wind down. Either way the session summary is logged exactly once.
func (p *Pipeline) Finish(force bool) Snapshot {
	snap := p.shutdown(force)
	p.logSummary(snap)
	return snap
}

// Abort performs a forced shutdown without emitting the summary banner. It
// is meant for cancellation paths where the caller logs its own epitaph.
func (p *Pipeline) Abort() Snapshot {
	return p.shutdown(true)
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the live counters.
func (p *Pipeline) Stats() Snapshot {
	return p.stats.Snapshot()
}

// Seen reports whether the identifier has already been delivered or seeded.
func (p *Pipeline) Seen(id string) bool {
	return p.dedup.Contains(id)
}

func (p *Pipeline) shutdown(force bool) Snapshot {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return p.stats.Snapshot()
	}
	p.finished = true
	started := p.state == StateActive
	if started {
		p.state = StateDraining
	} else {
		p.state = StateStopped
	}
	p.mu.Unlock()

	if !started {
		p.cancel()
		return p.stats.Snapshot()
	}

	if force {
		p.signalStop()
		if dropped := p.queue.drain(); dropped > 0 {
			p.logger.Warn("discarded queued batches on forced finish", zap.Int("batches", dropped))
		}
		timer := time.NewTimer(p.cfg.AbandonTimeout)
		defer timer.Stop()
		select {
		case <-p.doneCh:
		case <-timer.C:
			p.logger.Warn("abandoned in-flight batch after timeout",
				zap.Duration("timeout", p.cfg.AbandonTimeout))
		}
	} else {
		p.queue.push(task{sentinel: true})
		<-p.doneCh
		p.cancel()
	}
	return p.stats.Snapshot()
}

func (p *Pipeline) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()
	})
}

func (p *Pipeline) logSummary(snap Snapshot) {
	p.summaryOnce.Do(func() {
		p.logger.Info("delivery summary",
			zap.Int64("batches", snap.Batches),
			zap.Int64("items", snap.Items),
			zap.Int64("succeeded", snap.Succeeded),
			zap.Int64("failed", snap.Failed),
			zap.Int64("skipped", snap.Skipped),
			zap.Int64("assets_added", snap.AssetsAdded),
			zap.Int64("assets_failed", snap.AssetsFailed),
		)
	})
}

// run is the dispatcher loop. Exactly one instance runs per session.
func (p *Pipeline) run() {
	defer close(p.doneCh)
	defer func() {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
	}()
	for {
		t, ok := p.queue.pop(p.stopCh)
		if !ok || t.sentinel {
			return
		}
		select {
		case <-p.stopCh:
			// Dequeued after a stop raced in; the batch is discarded
			// without touching the counters.
			return
		default:
		}
		p.safeDispatch(t.batch)
	}
}

func (p *Pipeline) safeDispatch(b Batch) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("batch dispatch panicked",
				zap.Int("page", b.Page),
				zap.Any("panic", r),
			)
		}
	}()
	p.dispatchBatch(b)
}

// dispatchBatch partitions the batch against the dedup set, fans the
// remainder out to the worker pool, and waits for the whole batch before
// returning so batches never overlap.
func (p *Pipeline) dispatchBatch(b Batch) {
	p.stats.markBatch()

	toDeliver := make([]Record, 0, len(b.Records))
	for _, rec := range b.Records {
		if p.dedup.Contains(rec.ID()) {
			p.stats.markSkipped(1)
			continue
		}
		toDeliver = append(toDeliver, rec)
	}
	p.logger.Debug("dispatching batch",
		zap.Int("page", b.Page),
		zap.Int("records", len(b.Records)),
		zap.Int("to_deliver", len(toDeliver)),
	)

	if len(toDeliver) > 0 {
		workers := p.cfg.Workers
		if workers > len(toDeliver) {
			workers = len(toDeliver)
		}
		work := make(chan Record)
		closeWork := sync.OnceFunc(func() { close(work) })
		defer closeWork()

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for rec := range work {
					p.deliverOne(rec)
				}
			}()
		}

	feed:
		for _, rec := range toDeliver {
			select {
			case work <- rec:
			case <-p.stopCh:
				// Unfed records were never attempted and stay uncounted.
				break feed
			}
		}
		closeWork()
		wg.Wait()
	}

	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(p.stats.Snapshot())
	}
}

// deliverOne delivers a single record with bounded retry. Failures are
// isolated: they surface only through counters and log lines.
func (p *Pipeline) deliverOne(rec Record) {
	id := rec.ID()
	if p.dedup.Contains(id) {
		p.stats.markSkipped(1)
		return
	}
	p.stats.markItem()

	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		res, err := p.attempt(rec)
		if err != nil {
			if attempt < p.cfg.Retry.MaxAttempts && p.cfg.Retry.Retryable(err) {
				p.logger.Debug("transient delivery error, will retry",
					zap.String("item_id", id),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				if !p.wait(p.cfg.Retry.Backoff(attempt)) {
					p.stats.markFailed()
					p.logger.Warn("delivery interrupted during backoff",
						zap.String("item_id", id),
						zap.Int("attempt", attempt),
					)
					return
				}
				continue
			}
			p.stats.markFailed()
			p.logger.Warn("delivery failed",
				zap.String("item_id", id),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		if !res.Success {
			msg := res.ErrorMessage
			if msg == "" {
				msg = "delivery failed"
			}
			p.stats.markFailed()
			p.logger.Warn("delivery rejected",
				zap.String("item_id", id),
				zap.String("reason", msg),
			)
			return
		}
		p.dedup.Add(id)
		p.stats.markSucceeded(res.AssetsAdded, res.AssetsFailed)
		return
	}
}

// attempt invokes the deliverer once, converting a panic into an ordinary
// error so one bad record cannot take down the worker pool.
func (p *Pipeline) attempt(rec Record) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	return p.deliverer.Deliver(p.ctx, rec)
}

// stopWait sleeps for d unless a stop request arrives first.
func (p *Pipeline) stopWait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
