// Package httpsink delivers records to a remote ingest endpoint over HTTP.
// One POST per record; the endpoint answers with a per-record envelope that
// includes counts for any secondary assets it processed.
package httpsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

// Config controls the ingest client.
type Config struct {
	Endpoint  string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Deliverer implements delivery.Deliverer against a remote HTTP endpoint.
type Deliverer struct {
	client   *resty.Client
	endpoint string
}

// ingestResponse mirrors the per-record reply of the ingest endpoint.
type ingestResponse struct {
	Success      bool   `json:"success"`
	AssetsAdded  int    `json:"assets_added"`
	AssetsFailed int    `json:"assets_failed"`
	Error        string `json:"error"`
}

// New builds a Deliverer. Endpoint is required.
func New(cfg Config) (*Deliverer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("http sink: endpoint is required")
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Deliverer{client: client, endpoint: cfg.Endpoint}, nil
}

// Deliver posts one record. Non-2xx statuses come back as errors whose text
// carries the status line, which is what the pipeline's retry classification
// matches 502/503/504 against. A 2xx with success=false is a terminal
// rejection and not retried.
func (d *Deliverer) Deliver(ctx context.Context, rec delivery.Record) (delivery.Result, error) {
	start := time.Now()
	var body ingestResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(rec).
		SetResult(&body).
		Post(d.endpoint)
	if err != nil {
		telemetry.ObserveDelivery(d.endpoint, "error", time.Since(start))
		return delivery.Result{}, fmt.Errorf("deliver %s: %w", rec.ID(), err)
	}
	telemetry.ObserveDelivery(d.endpoint, strconv.Itoa(resp.StatusCode()), time.Since(start))

	if resp.IsError() {
		return delivery.Result{}, fmt.Errorf("deliver %s: status %s", rec.ID(), resp.Status())
	}

	return delivery.Result{
		Success:      body.Success,
		AssetsAdded:  body.AssetsAdded,
		AssetsFailed: body.AssetsFailed,
		ErrorMessage: body.Error,
	}, nil
}
