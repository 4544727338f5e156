package backfill

import (
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Identifier sweeps a numeric identifier range. It never emits an identifier
// more than maxMisses past the highest identifier that produced an article,
// so a run of maxMisses consecutive misses ends the sweep without
// enumerating the rest of the range.
type Identifier struct {
	url       func(int64) string
	start     int64
	end       int64
	maxMisses int64

	next        int64
	highestHit  int64
	outstanding int
}

// NewIdentifier builds a sweep over [start, end]. An end of zero leaves the
// range open upward.
func NewIdentifier(url func(int64) string, start, end int64, maxMisses int) *Identifier {
	if maxMisses < 1 {
		maxMisses = 1
	}
	return &Identifier{
		url:        url,
		start:      start,
		end:        end,
		maxMisses:  int64(maxMisses),
		next:       start,
		highestHit: start - 1,
	}
}

// Restore resumes the sweep at the identifier recorded in c.
func (s *Identifier) Restore(c Cursor) {
	if c.Identifier <= s.start {
		return
	}
	s.next = c.Identifier
	s.highestHit = c.Identifier - 1
}

// Name implements Strategy.
func (s *Identifier) Name() string { return "identifier" }

func (s *Identifier) emittable() bool {
	if s.end > 0 && s.next > s.end {
		return false
	}
	return s.next <= s.highestHit+s.maxMisses
}

// Poll implements Strategy.
func (s *Identifier) Poll() Step {
	switch {
	case s.emittable():
		return StepReady
	case s.outstanding > 0:
		return StepPending
	default:
		return StepDone
	}
}

// Next implements Strategy.
func (s *Identifier) Next() (ingest.WorkItem, bool) {
	if !s.emittable() {
		return ingest.WorkItem{}, false
	}
	id := s.next
	s.next++
	s.outstanding++
	return ingest.WorkItem{
		Kind:       ingest.KindIdentifier,
		Target:     s.url(id),
		Identifier: id,
	}, true
}

// Observe implements Strategy.
func (s *Identifier) Observe(item ingest.WorkItem, fb Feedback) {
	if s.outstanding > 0 {
		s.outstanding--
	}
	if fb.Found && item.Identifier > s.highestHit {
		s.highestHit = item.Identifier
	}
}

// HighestHit returns the largest identifier that produced an article.
func (s *Identifier) HighestHit() int64 {
	return s.highestHit
}

// Cursor implements Strategy. Resuming from it re-probes at most the misses
// that followed the last hit.
func (s *Identifier) Cursor() Cursor {
	return Cursor{
		Strategy:   s.Name(),
		Identifier: s.highestHit + 1,
		Done:       s.Poll() == StepDone,
	}
}
