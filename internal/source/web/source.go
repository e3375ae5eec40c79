// Package web implements a listing source that scrapes server-rendered HTML
// with colly. Listing items are any elements matched by the configured
// selector; each yields a record with id, url, text, and photos fields.
//
// When a page comes back looking client-rendered, the source escalates to an
// optional Renderer instead of returning an empty page.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/headless/detector"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

const defaultItemSelector = "[data-id]"

// Config controls the scraping collector.
type Config struct {
	// PageURLTemplate expands the page number into a listing URL and must
	// contain a %d verb.
	PageURLTemplate string
	AllowedDomains  []string
	UserAgent       string
	IgnoreRobots    bool
	// ItemSelector matches one listing item per element. Defaults to any
	// element with a data-id attribute.
	ItemSelector string
	Timeout      time.Duration
}

// Renderer extracts listing items from a browser-rendered page. The web
// source hands the page URL over when static HTML looks client-rendered.
type Renderer interface {
	RenderItems(ctx context.Context, pageURL string) ([]delivery.Record, error)
}

// Source implements parser.Source on top of a colly collector.
type Source struct {
	cfg       Config
	heuristic *detector.Heuristic
	renderer  Renderer
	base      *colly.Collector
}

// New builds a Source. The heuristic and renderer may be nil; without them
// client-rendered pages simply yield no items.
func New(cfg Config, heuristic *detector.Heuristic, renderer Renderer) (*Source, error) {
	if cfg.PageURLTemplate == "" {
		return nil, errors.New("web source: page url template is required")
	}
	if !strings.Contains(cfg.PageURLTemplate, "%d") {
		return nil, fmt.Errorf("web source: page url template %q must contain %%d", cfg.PageURLTemplate)
	}
	if cfg.ItemSelector == "" {
		cfg.ItemSelector = defaultItemSelector
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	opts := []colly.CollectorOption{colly.Async(false)}
	if len(cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(cfg.AllowedDomains...))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = cfg.IgnoreRobots
	// Pages are revisited when an outer retry refetches them.
	c.AllowURLRevisit = true
	c.SetRequestTimeout(cfg.Timeout)

	return &Source{
		cfg:       cfg,
		heuristic: heuristic,
		renderer:  renderer,
		base:      c,
	}, nil
}

// FetchPage scrapes one listing page. A 404 means the pagination ran past the
// end and reads as an exhausted source.
func (s *Source) FetchPage(ctx context.Context, page int) (parser.PageResult, error) {
	pageURL := fmt.Sprintf(s.cfg.PageURLTemplate, page)

	var (
		records  []delivery.Record
		status   int
		body     []byte
		fetchErr error
	)

	collector := s.base.Clone()
	collector.OnHTML(s.cfg.ItemSelector, func(e *colly.HTMLElement) {
		records = append(records, itemFromElement(e))
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := s.visit(ctx, collector, pageURL); err != nil {
		telemetry.ObserveFetch(pageURL, strconv.Itoa(status), 0)
		// Response-level failures arrive through OnError; a 404 there means
		// the pagination ran past the last page.
		if fetchErr != nil && status == http.StatusNotFound {
			return parser.PageResult{}, nil
		}
		return parser.PageResult{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	telemetry.ObserveFetch(pageURL, strconv.Itoa(status), len(body))

	if len(records) == 0 && s.needsRender(status, body) {
		rendered, err := s.renderer.RenderItems(ctx, pageURL)
		if err != nil {
			return parser.PageResult{}, fmt.Errorf("render page %d: %w", page, err)
		}
		records = rendered
	}

	return parser.PageResult{Records: records}, nil
}

// visit runs the collector, bridging colly's synchronous Visit to context
// cancellation.
func (s *Source) visit(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", pageURL, err)
		}
		return nil
	}
}

func (s *Source) needsRender(status int, body []byte) bool {
	if s.renderer == nil || s.heuristic == nil {
		return false
	}
	return s.heuristic.ShouldPromote(status, body)
}

// itemFromElement pulls the listing fields out of one matched element.
func itemFromElement(e *colly.HTMLElement) delivery.Record {
	rec := delivery.Record{}
	if id := e.Attr("data-id"); id != "" {
		rec["id"] = id
	}
	if href := e.ChildAttr("a[href]", "href"); href != "" {
		rec["url"] = e.Request.AbsoluteURL(href)
	}
	if text := strings.Join(strings.Fields(e.Text), " "); text != "" {
		rec["text"] = text
	}
	if srcs := e.ChildAttrs("img[src]", "src"); len(srcs) > 0 {
		photos := make([]string, 0, len(srcs))
		for _, src := range srcs {
			photos = append(photos, e.Request.AbsoluteURL(src))
		}
		rec["photos"] = photos
	}
	return rec
}
