// Package headless renders JavaScript-heavy article pages with a shared
// headless Chrome allocator.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/telemetry"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettle            = 500 * time.Millisecond
	defaultWaitSelector      = "body"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent tabs; zero leaves rendering unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is the element that must be ready before the DOM is read.
	WaitSelector string
	// Settle is how long scripts get to hydrate the article after WaitSelector.
	Settle  time.Duration
	Headers http.Header
}

// Fetcher implements ingest.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome is not
// started until the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = defaultSettle
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close stops the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders req.URL and returns the hydrated DOM.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.Page, error) {
	ctx, span := telemetry.Tracer("headless").Start(ctx, "headless.render")
	defer span.End()
	span.SetAttributes(attribute.String("source", req.Source), attribute.String("url", req.URL))

	page, err := f.render(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return ingest.Page{}, err
	}
	span.SetAttributes(attribute.Int("status", page.StatusCode), attribute.Int("bytes", len(page.Body)))
	return page, nil
}

func (f *Fetcher) render(ctx context.Context, req ingest.FetchRequest) (ingest.Page, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return ingest.Page{}, fmt.Errorf("wait for render slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.listen)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ingest.Page{}, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		kind := ingest.FailureServerError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ingest.FailureTimeout
		}
		return ingest.Page{}, ingest.NewFetchError(kind, req.URL, 0, fmt.Errorf("chromedp run: %w", err))
	}

	status, contentType, finalURL := doc.result(req.URL, location)
	if kind := ingest.StatusKind(status); kind != ingest.FailureNone {
		return ingest.Page{}, ingest.NewFetchError(kind, req.URL, status, nil)
	}
	if html == "" {
		return ingest.Page{}, ingest.NewFetchError(ingest.FailureEmpty, req.URL, status, nil)
	}
	return ingest.Page{
		URL:         req.URL,
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: contentType,
		Body:        []byte(html),
		Duration:    time.Since(start),
		Rendered:    true,
	}, nil
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if headers := networkHeaders(f.cfg.Headers); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse remembers the last top-level document response, which
// after redirects is the article itself.
type documentResponse struct {
	mu          sync.Mutex
	status      int
	contentType string
	url         string
}

func (d *documentResponse) listen(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.contentType = resp.Response.MimeType
	for key, value := range resp.Response.Headers {
		if http.CanonicalHeaderKey(key) == "Content-Type" {
			d.contentType = fmt.Sprint(value)
		}
	}
}

// result falls back to the browser location and a 200 status when no
// document response was observed, as happens for pages served from cache.
func (d *documentResponse) result(requestURL, location string) (int, string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	switch {
	case url != "":
	case location != "":
		url = location
	default:
		url = requestURL
	}
	return status, d.contentType, url
}

func networkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
