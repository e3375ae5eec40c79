// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that parser sessions use to report run progress. It batches events
// on a background goroutine and fans them out to pluggable sinks such as
// Prometheus metrics, the run repository, or an external publisher.
package progress
