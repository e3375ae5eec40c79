package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
	"github.com/markolofsen/unrealon-sdk/internal/telemetry"
)

const defaultItemSelector = "[data-id]"

// Config controls the rendering source.
type Config struct {
	// PageURLTemplate expands the page number into a listing URL and must
	// contain a %d verb.
	PageURLTemplate string
	// ItemSelector matches one listing item per element. Defaults to any
	// element with a data-id attribute.
	ItemSelector string
	UserAgent    string
	MaxParallel  int
	NavTimeout   time.Duration
}

// Renderer produces the rendered DOM of a page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Source implements parser.Source by rendering listing pages in a browser.
// It doubles as the escalation target of the plain web source.
type Source struct {
	cfg     Config
	browser Renderer
}

// New builds a Source backed by headless Chrome.
func New(cfg Config) (*Source, error) {
	cd, err := NewChromedp(ChromedpConfig{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavTimeout,
	})
	if err != nil {
		return nil, err
	}
	return NewWithRenderer(cfg, cd)
}

// NewWithRenderer builds a Source on an explicit renderer.
func NewWithRenderer(cfg Config, r Renderer) (*Source, error) {
	if cfg.PageURLTemplate == "" {
		return nil, errors.New("browser source: page url template is required")
	}
	if !strings.Contains(cfg.PageURLTemplate, "%d") {
		return nil, fmt.Errorf("browser source: page url template %q must contain %%d", cfg.PageURLTemplate)
	}
	if cfg.ItemSelector == "" {
		cfg.ItemSelector = defaultItemSelector
	}
	if r == nil {
		return nil, errors.New("browser source: renderer is required")
	}
	return &Source{cfg: cfg, browser: r}, nil
}

// Close releases the underlying browser when it holds one.
func (s *Source) Close() {
	if c, ok := s.browser.(interface{ Close() }); ok {
		c.Close()
	}
}

// FetchPage renders one listing page and extracts its items. A rendered page
// with no matching items reads as an exhausted source.
func (s *Source) FetchPage(ctx context.Context, page int) (parser.PageResult, error) {
	pageURL := fmt.Sprintf(s.cfg.PageURLTemplate, page)
	records, err := s.RenderItems(ctx, pageURL)
	if err != nil {
		return parser.PageResult{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	return parser.PageResult{Records: records}, nil
}

// RenderItems renders pageURL and extracts listing items from the DOM. It
// also serves the plain web source as its escalation hook.
func (s *Source) RenderItems(ctx context.Context, pageURL string) ([]delivery.Record, error) {
	html, err := s.browser.Render(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	telemetry.ObserveFetch(pageURL, "rendered", len(html))
	return extractItems(html, s.cfg.ItemSelector, pageURL)
}

// extractItems applies the item selector to the rendered DOM.
func extractItems(html, selector, pageURL string) ([]delivery.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse rendered page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	var records []delivery.Record
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		rec := delivery.Record{}
		if id, ok := sel.Attr("data-id"); ok && id != "" {
			rec["id"] = id
		}
		if href, ok := sel.Find("a[href]").First().Attr("href"); ok {
			rec["url"] = absoluteURL(base, href)
		}
		if text := strings.Join(strings.Fields(sel.Text()), " "); text != "" {
			rec["text"] = text
		}
		var photos []string
		sel.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
			if src, ok := img.Attr("src"); ok && src != "" {
				photos = append(photos, absoluteURL(base, src))
			}
		})
		if len(photos) > 0 {
			rec["photos"] = photos
		}
		records = append(records, rec)
	})
	return records, nil
}

func absoluteURL(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
