// Package fetcher composes the static and headless fetchers behind the
// ingest.Fetcher interface.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/news-ingest/internal/headless/detector"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/metrics"
)

// Fetch kinds used as metric labels.
const (
	KindStatic   = "static"
	KindHeadless = "headless"
)

// Router sends render-flagged requests to the headless fetcher and the rest
// to the static one. With a detector set, static pages that look like
// script shells or challenges are refetched headless.
type Router struct {
	static   ingest.Fetcher
	headless ingest.Fetcher
	detector *detector.Heuristic
	logger   *zap.Logger
}

// NewRouter builds a Router. headless and det may be nil.
func NewRouter(static, headless ingest.Fetcher, det *detector.Heuristic, logger *zap.Logger) (*Router, error) {
	if static == nil {
		return nil, errors.New("static fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{static: static, headless: headless, detector: det, logger: logger}, nil
}

// Fetch implements ingest.Fetcher.
func (r *Router) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.Page, error) {
	if req.Render {
		if r.headless == nil {
			return ingest.Page{}, ingest.NewFetchError(ingest.FailureServerError, req.URL, 0, errors.New("render requested without a headless fetcher"))
		}
		return r.timed(ctx, r.headless, KindHeadless, req)
	}

	page, err := r.timed(ctx, r.static, KindStatic, req)
	if err != nil {
		return page, err
	}
	if r.headless != nil && r.detector != nil && r.detector.ShouldPromote(page) {
		r.logger.Debug("promoting to headless", zap.String("source", req.Source), zap.String("url", req.URL))
		page, err = r.timed(ctx, r.headless, KindHeadless, req)
		if err != nil {
			return page, err
		}
	}
	if detector.Challenge(page.Body) {
		return ingest.Page{}, ingest.NewFetchError(ingest.FailureBlocked, req.URL, page.StatusCode, errors.New("challenge page"))
	}
	return page, nil
}

func (r *Router) timed(ctx context.Context, f ingest.Fetcher, kind string, req ingest.FetchRequest) (ingest.Page, error) {
	start := time.Now()
	page, err := f.Fetch(ctx, req)
	metrics.ObserveFetch(req.Source, kind, time.Since(start), len(page.Body))
	if err != nil {
		return ingest.Page{}, err
	}
	if page.URL == "" {
		page.URL = req.URL
	}
	if page.FinalURL == "" {
		page.FinalURL = page.URL
	}
	return page, nil
}

// Throttled caps the request rate across every source.
type Throttled struct {
	next    ingest.Fetcher
	limiter *rate.Limiter
}

// NewThrottled wraps next with a global ceiling of rps requests per second.
// A non-positive rps disables the ceiling.
func NewThrottled(next ingest.Fetcher, rps float64, burst int) *Throttled {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Fetch waits for a global token, then delegates.
func (t *Throttled) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.Page, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return ingest.Page{}, fmt.Errorf("wait for global rate limit: %w", err)
	}
	return t.next.Fetch(ctx, req)
}
