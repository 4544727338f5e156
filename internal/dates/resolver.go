// Package dates resolves an article's publication time from the raw signals
// found on its page, trying each signal in a fixed order of trust.
package dates

import (
	"fmt"
	"time"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Signal names the source of a resolved date.
type Signal string

const (
	SignalMeta     Signal = "meta"
	SignalTimeAttr Signal = "time"
	SignalNearText Signal = "text"
	SignalURL      Signal = "url"
	SignalBody     Signal = "body"
	SignalFeed     Signal = "feed"
)

// bodyScanLimit bounds how much article text is searched for a date.
const bodyScanLimit = 3000

// Policy is the per-source date context.
type Policy struct {
	// Location interprets times that carry no zone.
	Location *time.Location
	// Earliest is the oldest acceptable publication time.
	Earliest time.Time
	// FutureTolerance is how far past now a date may fall.
	FutureTolerance time.Duration
}

// Resolver runs the date waterfall.
type Resolver struct {
	clock    ingest.Clock
	defaults Policy
}

// New builds a Resolver. Zero fields of defaults fall back to UTC, 2006-01-01
// and 48 hours.
func New(clock ingest.Clock, defaults Policy) (*Resolver, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if defaults.Location == nil {
		defaults.Location = time.UTC
	}
	if defaults.Earliest.IsZero() {
		defaults.Earliest = time.Date(2006, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if defaults.FutureTolerance <= 0 {
		defaults.FutureTolerance = 48 * time.Hour
	}
	return &Resolver{clock: clock, defaults: defaults}, nil
}

// Defaults returns the policy applied where a source sets nothing.
func (r *Resolver) Defaults() Policy {
	return r.defaults
}

// Merge overlays the set fields of p on the resolver defaults.
func (r *Resolver) Merge(p Policy) Policy {
	out := r.defaults
	if p.Location != nil {
		out.Location = p.Location
	}
	if !p.Earliest.IsZero() {
		out.Earliest = p.Earliest
	}
	if p.FutureTolerance > 0 {
		out.FutureTolerance = p.FutureTolerance
	}
	return out
}

// Resolve returns the first plausible date found in signals, in the order
// meta tag, time element, text near the title, URL, body text and feed
// entry. A signal that parses to an implausible time is skipped. The result
// is in UTC. ingest.ErrNoDate is returned when nothing qualifies.
func (r *Resolver) Resolve(signals ingest.DateSignals, p Policy) (time.Time, Signal, error) {
	p = r.Merge(p)
	loc := p.Location
	latest := r.clock.Now().Add(p.FutureTolerance)

	steps := []struct {
		signal Signal
		parse  func() (time.Time, bool)
	}{
		{SignalMeta, func() (time.Time, bool) { return parseStructured(signals.Meta, loc) }},
		{SignalTimeAttr, func() (time.Time, bool) { return parseStructured(signals.TimeAttr, loc) }},
		{SignalNearText, func() (time.Time, bool) { return parseText(signals.NearText, loc) }},
		{SignalURL, func() (time.Time, bool) { return parseURL(signals.URL, loc) }},
		{SignalBody, func() (time.Time, bool) { return parseText(truncateRunes(signals.Body, bodyScanLimit), loc) }},
		{SignalFeed, func() (time.Time, bool) { return parseStructured(signals.Feed, loc) }},
	}
	for _, step := range steps {
		t, ok := step.parse()
		if !ok {
			continue
		}
		if t.Before(p.Earliest) || t.After(latest) {
			continue
		}
		return t.UTC(), step.signal, nil
	}
	return time.Time{}, "", ingest.ErrNoDate
}

// Parse reads a single value as a structured timestamp or free text.
func Parse(raw string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	return parseStructured(raw, loc)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
