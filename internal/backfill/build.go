package backfill

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
)

// MethodAuto selects a source's whole configured plan.
const MethodAuto = "auto"

// ErrNoStrategies is returned when a source has nothing to backfill with.
var ErrNoStrategies = errors.New("no backfill strategies configured")

// Options narrow or override a source's configured plan for one run.
type Options struct {
	// Method restricts the plan to one strategy type; "" or "auto" keeps all.
	Method string
	// Pages overrides every archive section's page limit when positive.
	Pages int
	// Days limits date sweeps to the trailing number of days when positive.
	Days int
	// Now anchors date sweeps.
	Now time.Time
	// Location is the source timezone used to compute "today".
	Location *time.Location
}

// LatestPlan returns the one-shot discovery plan of src. feedURL takes
// precedence over the configured feed when set.
func LatestPlan(src sourceconfig.Source, feedURL string) *Plan {
	if src.FeedURL != "" {
		feedURL = src.FeedURL
	}
	return NewPlan(src.Slug, NewLatest(feedURL, src.ListingURLs))
}

// BackfillPlan builds the ordered strategies for src. A source with archive
// sections but no explicit plan gets an archive walk.
func BackfillPlan(src sourceconfig.Source, opts Options) (*Plan, error) {
	filter := opts.Method
	if filter == MethodAuto {
		filter = ""
	}
	switch filter {
	case "", sourceconfig.MethodArchive, sourceconfig.MethodIdentifier, sourceconfig.MethodDate:
	default:
		return nil, fmt.Errorf("unknown backfill method %q", opts.Method)
	}

	methods := src.Methods(filter)
	if len(src.Backfill) == 0 && len(src.Sections) > 0 && (filter == "" || filter == sourceconfig.MethodArchive) {
		methods = []sourceconfig.Method{{Type: sourceconfig.MethodArchive, MaxEmptyPages: 3}}
	}
	if len(methods) == 0 {
		return nil, ErrNoStrategies
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	today := midnight(now.In(loc))

	strategies := make([]Strategy, 0, len(methods))
	for _, m := range methods {
		m := m
		switch m.Type {
		case sourceconfig.MethodArchive:
			strategies = append(strategies, NewArchive(archiveSections(src.Sections, opts.Pages), m.MaxEmptyPages))
		case sourceconfig.MethodIdentifier:
			strategies = append(strategies, NewIdentifier(m.IdentifierURL, m.Start, m.End, m.MaxConsecutive404))
		case sourceconfig.MethodDate:
			start := m.StartTime(loc)
			days := m.Days
			if opts.Days > 0 {
				days = opts.Days
			}
			if days > 0 {
				if floor := today.AddDate(0, 0, -(days - 1)); floor.After(start) {
					start = floor
				}
			}
			strategies = append(strategies, NewDateRange(m.DateURL, start, today))
		}
	}
	return NewPlan(src.Slug, strategies...), nil
}

func archiveSections(sections []sourceconfig.Section, pages int) []ArchiveSection {
	out := make([]ArchiveSection, 0, len(sections))
	for _, s := range sections {
		s := s
		limit := s.MaxPages
		if pages > 0 {
			limit = pages
		}
		out = append(out, ArchiveSection{
			Name:     s.Name,
			URL:      s.PageURL,
			Start:    s.Start(),
			Step:     s.PageStep,
			MaxPages: limit,
		})
	}
	return out
}
