package backfill

import (
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Section labels for latest-mode discovery items.
const (
	SectionFeed    = "feed"
	SectionListing = "listing"
)

// Latest emits one discovery item per feed and listing URL, then stops.
type Latest struct {
	items []ingest.WorkItem
	next  int
}

// NewLatest builds a Latest strategy. Empty URLs are ignored.
func NewLatest(feedURL string, listingURLs []string) *Latest {
	l := &Latest{}
	if feedURL != "" {
		l.items = append(l.items, ingest.WorkItem{Kind: ingest.KindLatest, Target: feedURL, Section: SectionFeed})
	}
	for _, u := range listingURLs {
		if u == "" {
			continue
		}
		l.items = append(l.items, ingest.WorkItem{Kind: ingest.KindLatest, Target: u, Section: SectionListing})
	}
	return l
}

// Name implements Strategy.
func (l *Latest) Name() string { return "latest" }

// Poll implements Strategy.
func (l *Latest) Poll() Step {
	if l.next < len(l.items) {
		return StepReady
	}
	return StepDone
}

// Next implements Strategy.
func (l *Latest) Next() (ingest.WorkItem, bool) {
	if l.next >= len(l.items) {
		return ingest.WorkItem{}, false
	}
	item := l.items[l.next]
	l.next++
	return item, true
}

// Observe implements Strategy.
func (l *Latest) Observe(ingest.WorkItem, Feedback) {}

// Cursor implements Strategy.
func (l *Latest) Cursor() Cursor {
	return Cursor{Strategy: l.Name(), Page: l.next, Done: l.next >= len(l.items)}
}
