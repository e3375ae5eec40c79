// Package api implements a listing source backed by a paged JSON API. It
// expects the remote to serve GET {base}/items?page=N&page_size=M with an
// items array plus a total count, and GET {base}/items/{id} for details.
package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

const defaultPageSize = 50

// Config controls the API client behavior.
type Config struct {
	BaseURL      string
	APIKey       string
	PageSize     int
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Source fetches listing pages and item details from a remote JSON API.
type Source struct {
	client   *resty.Client
	baseURL  string
	pageSize int
}

// listingPage mirrors the listing endpoint response body.
type listingPage struct {
	Items []delivery.Record `json:"items"`
	Total int               `json:"total"`
}

// New builds a Source. BaseURL is required.
func New(cfg Config) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api source: base url is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
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
	if cfg.MaxRetries > 0 {
		client.SetRetryCount(cfg.MaxRetries)
		if cfg.RetryWaitMin > 0 {
			client.SetRetryWaitTime(cfg.RetryWaitMin)
		}
		if cfg.RetryWaitMax > 0 {
			client.SetRetryMaxWaitTime(cfg.RetryWaitMax)
		}
		// Server errors are worth another attempt; 4xx are not.
		client.AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	}

	return &Source{
		client:   client,
		baseURL:  cfg.BaseURL,
		pageSize: cfg.PageSize,
	}, nil
}

// FetchPage requests one listing page. An empty Items array on a 200 signals
// exhaustion to the session loop; a 404 is treated the same way since some
// backends answer past-the-end pages with it.
func (s *Source) FetchPage(ctx context.Context, page int) (parser.PageResult, error) {
	var body listingPage
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("page_size", strconv.Itoa(s.pageSize)).
		SetResult(&body).
		Get("items")
	if err != nil {
		return parser.PageResult{}, fmt.Errorf("fetch listing page %d: %w", page, err)
	}
	telemetry.ObserveFetch(s.baseURL, strconv.Itoa(resp.StatusCode()), len(resp.Body()))

	if resp.StatusCode() == 404 {
		return parser.PageResult{}, nil
	}
	if resp.IsError() {
		return parser.PageResult{}, fmt.Errorf("listing page %d: unexpected status %s", page, resp.Status())
	}
	return parser.PageResult{Records: body.Items, Total: body.Total}, nil
}

// FetchDetail looks up the per-item detail document. The session merges it
// into the raw record before transformation.
func (s *Source) FetchDetail(ctx context.Context, rec delivery.Record) (delivery.Record, error) {
	id := rec.ID()
	if id == "" {
		return nil, errors.New("detail fetch: record has no id")
	}
	var detail delivery.Record
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&detail).
		Get("items/" + id)
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", id, err)
	}
	telemetry.ObserveFetch(s.baseURL, strconv.Itoa(resp.StatusCode()), len(resp.Body()))

	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detail %s: unexpected status %s", id, resp.Status())
	}
	return detail, nil
}
