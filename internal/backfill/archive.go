package backfill

import (
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// ArchiveSection is one paginated listing walked by Archive.
type ArchiveSection struct {
	Name     string
	URL      func(page int) string
	Start    int
	Step     int
	MaxPages int
}

// Archive walks archive sections in order with one page in flight at a time.
// A section ends after MaxPages pages, on a page with no links at all, or
// after maxEmpty consecutive pages that yield no new links. Pages that fail
// to fetch count as yielding no new links.
type Archive struct {
	sections []ArchiveSection
	maxEmpty int

	section     int
	index       int
	empty       int
	outstanding bool
}

// NewArchive builds an Archive. maxEmpty below one is treated as one.
func NewArchive(sections []ArchiveSection, maxEmpty int) *Archive {
	if maxEmpty < 1 {
		maxEmpty = 1
	}
	kept := make([]ArchiveSection, 0, len(sections))
	for _, s := range sections {
		if s.URL == nil || s.MaxPages <= 0 {
			continue
		}
		if s.Step <= 0 {
			s.Step = 1
		}
		kept = append(kept, s)
	}
	return &Archive{sections: kept, maxEmpty: maxEmpty}
}

// Restore moves the walk to cursor c.
func (a *Archive) Restore(c Cursor) {
	if c.Section < 0 || c.Section > len(a.sections) {
		return
	}
	a.section = c.Section
	a.index = 0
	if c.Section < len(a.sections) && c.Page > 0 && c.Page < a.sections[c.Section].MaxPages {
		a.index = c.Page
	}
}

// Name implements Strategy.
func (a *Archive) Name() string { return "archive" }

// Poll implements Strategy.
func (a *Archive) Poll() Step {
	switch {
	case a.outstanding:
		return StepPending
	case a.section >= len(a.sections):
		return StepDone
	default:
		return StepReady
	}
}

// Next implements Strategy.
func (a *Archive) Next() (ingest.WorkItem, bool) {
	if a.Poll() != StepReady {
		return ingest.WorkItem{}, false
	}
	sec := a.sections[a.section]
	page := sec.Start + a.index*sec.Step
	a.index++
	a.outstanding = true
	return ingest.WorkItem{
		Kind:    ingest.KindArchivePage,
		Target:  sec.URL(page),
		Section: sec.Name,
		Page:    page,
	}, true
}

// Observe implements Strategy.
func (a *Archive) Observe(_ ingest.WorkItem, fb Feedback) {
	if !a.outstanding || a.section >= len(a.sections) {
		return
	}
	a.outstanding = false

	switch {
	case fb.Failed:
		a.empty++
	case fb.Links == 0:
		a.advance()
		return
	case fb.NewLinks == 0:
		a.empty++
	default:
		a.empty = 0
	}
	if a.empty >= a.maxEmpty || a.index >= a.sections[a.section].MaxPages {
		a.advance()
	}
}

func (a *Archive) advance() {
	a.section++
	a.index = 0
	a.empty = 0
}

// Cursor implements Strategy.
func (a *Archive) Cursor() Cursor {
	return Cursor{
		Strategy: a.Name(),
		Section:  a.section,
		Page:     a.index,
		Done:     a.section >= len(a.sections),
	}
}
