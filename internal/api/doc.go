// Package api hosts the HTTP control surface for the parser service.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the controller state and live delivery counters.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
//   - POST /v1/control/pause|resume|stop to drive the cancellation
//     protocol's command channel.
package api
