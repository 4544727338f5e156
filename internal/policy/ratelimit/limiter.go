// Package ratelimit implements per-source request spacing. Each source owns a
// Gate that grants acquisitions one at a time, in arrival order, never sooner
// than the configured interval after the previous grant.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/news-ingest/internal/metrics"
)

// Gate serializes acquisitions for one source.
type Gate struct {
	name     string
	interval time.Duration
	// token has capacity one; blocked receivers are woken in FIFO order.
	token chan struct{}

	mu      sync.Mutex
	last    time.Time
	waiting int
}

// NewGate creates a Gate enforcing interval between grants.
func NewGate(name string, interval time.Duration) *Gate {
	if interval < 0 {
		interval = 0
	}
	g := &Gate{
		name:     name,
		interval: interval,
		token:    make(chan struct{}, 1),
	}
	g.token <- struct{}{}
	return g
}

// Interval returns the configured spacing.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Acquire blocks until the caller may issue a request and returns the grant
// time. The only error is context cancellation.
func (g *Gate) Acquire(ctx context.Context) (time.Time, error) {
	start := time.Now()
	g.mu.Lock()
	g.waiting++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	select {
	case <-g.token:
	case <-ctx.Done():
		return time.Time{}, fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	defer func() { g.token <- struct{}{} }()

	g.mu.Lock()
	last := g.last
	g.mu.Unlock()

	if !last.IsZero() {
		next := last.Add(g.interval)
		for wait := time.Until(next); wait > 0; wait = time.Until(next) {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return time.Time{}, fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
		}
	}

	granted := time.Now()
	g.mu.Lock()
	g.last = granted
	g.mu.Unlock()

	if delay := granted.Sub(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(g.name, delay)
	}
	return granted, nil
}

// ReadyAt estimates when the next new caller would be granted. The zero time
// means immediately.
func (g *Gate) ReadyAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last.IsZero() && g.waiting == 0 {
		return time.Time{}
	}
	base := g.last
	if base.IsZero() {
		base = time.Now()
	}
	return base.Add(g.interval * time.Duration(g.waiting+1))
}

// Limiter holds one Gate per source.
type Limiter struct {
	mu       sync.Mutex
	gates    map[string]*Gate
	fallback time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultInterval applies to sources registered without an explicit interval.
	DefaultInterval time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		gates:    make(map[string]*Gate),
		fallback: cfg.DefaultInterval,
	}
}

// Register installs a gate for source, replacing any existing one. A negative
// interval selects the default.
func (l *Limiter) Register(source string, interval time.Duration) *Gate {
	if interval < 0 {
		interval = l.fallback
	}
	g := NewGate(source, interval)
	l.mu.Lock()
	l.gates[source] = g
	l.mu.Unlock()
	return g
}

// Gate returns the gate for source, creating one with the default interval.
func (l *Limiter) Gate(source string) *Gate {
	l.mu.Lock()
	g, ok := l.gates[source]
	if !ok {
		g = NewGate(source, l.fallback)
		l.gates[source] = g
	}
	l.mu.Unlock()
	return g
}

// Wait blocks until source may issue its next request.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	if _, err := l.Gate(source).Acquire(ctx); err != nil {
		return err
	}
	return nil
}
