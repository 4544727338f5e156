package backfill

import (
	"time"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

const cursorDateLayout = "2006-01-02"

// DateRange emits one item per calendar day from start through end.
type DateRange struct {
	url  func(time.Time) string
	next time.Time
	end  time.Time
}

// NewDateRange builds a sweep over the days [start, end]. Both bounds are
// truncated to midnight in their own location.
func NewDateRange(url func(time.Time) string, start, end time.Time) *DateRange {
	return &DateRange{url: url, next: midnight(start), end: midnight(end)}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Restore resumes the sweep at the day recorded in c.
func (s *DateRange) Restore(c Cursor) {
	if c.Date == "" {
		return
	}
	t, err := time.ParseInLocation(cursorDateLayout, c.Date, s.next.Location())
	if err != nil || t.Before(s.next) {
		return
	}
	s.next = t
}

// Name implements Strategy.
func (s *DateRange) Name() string { return "date" }

// Poll implements Strategy.
func (s *DateRange) Poll() Step {
	if s.next.After(s.end) {
		return StepDone
	}
	return StepReady
}

// Next implements Strategy.
func (s *DateRange) Next() (ingest.WorkItem, bool) {
	if s.next.After(s.end) {
		return ingest.WorkItem{}, false
	}
	day := s.next
	s.next = s.next.AddDate(0, 0, 1)
	return ingest.WorkItem{
		Kind:   ingest.KindDate,
		Target: s.url(day),
		Date:   day,
	}, true
}

// Observe implements Strategy.
func (s *DateRange) Observe(ingest.WorkItem, Feedback) {}

// Cursor implements Strategy.
func (s *DateRange) Cursor() Cursor {
	return Cursor{
		Strategy: s.Name(),
		Date:     s.next.Format(cursorDateLayout),
		Done:     s.next.After(s.end),
	}
}
