package delivery

// task is a queue entry: either a batch to dispatch or the sentinel that
// terminates the dispatcher.
type task struct {
	batch    Batch
	sentinel bool
}

// taskQueue is the FIFO between producers and the single dispatcher. Many
// goroutines may push concurrently; only the dispatcher pops. The queue is
// never closed, so a push can never panic; shutdown travels through the
// sentinel task or the pipeline stop channel instead.
type taskQueue struct {
	ch chan task
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{ch: make(chan task, capacity)}
}

// push appends t in FIFO order, blocking only while the buffer is full.
func (q *taskQueue) push(t task) {
	q.ch <- t
}

// pop removes the next task. The stop channel lets the dispatcher observe a
// forced shutdown even while the queue is empty.
func (q *taskQueue) pop(stopCh <-chan struct{}) (task, bool) {
	select {
	case t := <-q.ch:
		return t, true
	case <-stopCh:
		return task{}, false
	}
}

// drain discards everything still queued and returns how many batches were
// thrown away. Sentinels do not count.
func (q *taskQueue) drain() int {
	dropped := 0
	for {
		select {
		case t := <-q.ch:
			if !t.sentinel {
				dropped++
			}
		default:
			return dropped
		}
	}
}
