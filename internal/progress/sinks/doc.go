// Package sinks implements concrete progress consumers such as Prometheus,
// the run repository, structured logging, and the lifecycle publisher. Each
// sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
