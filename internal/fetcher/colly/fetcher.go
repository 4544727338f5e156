// Package collyfetcher implements the static article and feed fetcher on gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxBytes = 8 << 20
	acceptHeader    = "text/html,application/xhtml+xml,application/rss+xml,application/atom+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Media types that never carry article text or feed entries.
var binaryPrefixes = []string{"image/", "audio/", "video/", "font/", "application/pdf", "application/zip"}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates larger responses; zero means 8 MiB.
	MaxBodyBytes int
	Headers      http.Header
}

// Fetcher implements ingest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Every Fetch clones one configured collector so
// connections are pooled across sources.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBytes
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.MaxBodySize = cfg.MaxBodyBytes
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport}
	}
	c.WithTransport(transport)
	return &Fetcher{cfg: cfg, base: c}
}

// visit collects the outcome of one collector run.
type visit struct {
	start time.Time
	page  ingest.Page
	err   error
}

// Fetch executes a single HTTP GET. Error statuses, empty bodies and binary
// payloads are returned as *ingest.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.Page, error) {
	v := &visit{start: time.Now()}
	collector := f.base.Clone()
	f.register(collector, v)

	if err := run(ctx, collector, req.URL, v); err != nil {
		if ctx.Err() != nil {
			return ingest.Page{}, err
		}
		kind := ingest.Classify(err)
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			kind = ingest.FailureBlocked
		}
		return ingest.Page{}, ingest.NewFetchError(kind, req.URL, v.page.StatusCode, err)
	}

	page := v.page
	if kind := ingest.StatusKind(page.StatusCode); kind != ingest.FailureNone {
		return ingest.Page{}, ingest.NewFetchError(kind, req.URL, page.StatusCode, nil)
	}
	if len(page.Body) == 0 {
		return ingest.Page{}, ingest.NewFetchError(ingest.FailureEmpty, req.URL, page.StatusCode, nil)
	}
	if isBinary(page.ContentType) {
		return ingest.Page{}, ingest.NewFetchError(ingest.FailureEmpty, req.URL, page.StatusCode,
			fmt.Errorf("unsupported content type %q", page.ContentType))
	}
	page.URL = req.URL
	return page, nil
}

func (f *Fetcher) register(hooks collectorHooks, v *visit) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		for key, values := range f.cfg.Headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		v.page = ingest.Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.start),
		}
		if r.Headers != nil {
			v.page.ContentType = r.Headers.Get("Content-Type")
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			v.page.StatusCode = r.StatusCode
		}
		v.err = err
	})
}

// run visits url, giving up as soon as ctx ends. The collector keeps no
// reference to ctx, so a canceled visit finishes in the background.
func run(ctx context.Context, collector *colly.Collector, url string, v *visit) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if v.err != nil {
			return fmt.Errorf("colly response failed: %w", v.err)
		}
		return nil
	}
}

func isBinary(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range binaryPrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
