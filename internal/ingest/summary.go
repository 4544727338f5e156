package ingest

import (
	"sort"
	"time"
)

// Counters is the per-source outcome breakdown of a run.
type Counters struct {
	Discovered int `json:"discovered"`
	Fetched    int `json:"fetched"`
	Accepted   int `json:"accepted"`
	Duplicate  int `json:"duplicate"`
	Dead       int `json:"dead"`
	Failed     int `json:"failed"`
	Rejected   int `json:"rejected"`
	Skipped    int `json:"skipped"`
	Retried    int `json:"retried"`
}

// ErrorRate is the share of fetch attempts that failed.
func (c Counters) ErrorRate() float64 {
	if c.Fetched == 0 {
		return 0
	}
	return float64(c.Failed) / float64(c.Fetched)
}

// Add returns the element-wise sum of two counter sets.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Discovered: c.Discovered + o.Discovered,
		Fetched:    c.Fetched + o.Fetched,
		Accepted:   c.Accepted + o.Accepted,
		Duplicate:  c.Duplicate + o.Duplicate,
		Dead:       c.Dead + o.Dead,
		Failed:     c.Failed + o.Failed,
		Rejected:   c.Rejected + o.Rejected,
		Skipped:    c.Skipped + o.Skipped,
		Retried:    c.Retried + o.Retried,
	}
}

// Mode selects which plan a run executes.
type Mode string

const (
	// ModeLatest discovers fresh articles from feeds and listing pages.
	ModeLatest Mode = "latest"
	// ModeBackfill runs each source's configured backfill plan.
	ModeBackfill Mode = "backfill"
)

// SourceSummary is one row of the final report.
type SourceSummary struct {
	Source    string   `json:"source"`
	Counters  Counters `json:"counters"`
	ErrorRate float64  `json:"error_rate"`
	Flagged   bool     `json:"flagged"`
}

// Summary is what a run hands back to its caller.
type Summary struct {
	RunID      string          `json:"run_id"`
	Mode       Mode            `json:"mode"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Sources    []SourceSummary `json:"sources"`
	Totals     Counters        `json:"totals"`
	Canceled   bool            `json:"canceled"`
}

// Flagged returns the slugs of sources flagged for operator attention.
func (s Summary) Flagged() []string {
	var out []string
	for _, row := range s.Sources {
		if row.Flagged {
			out = append(out, row.Source)
		}
	}
	return out
}

// BuildSummary turns raw counters into sorted report rows. A source is flagged
// when it made at least minFetches attempts and its error rate exceeds flagRate.
func BuildSummary(counters map[string]Counters, flagRate float64, minFetches int) ([]SourceSummary, Counters) {
	rows := make([]SourceSummary, 0, len(counters))
	var totals Counters
	for slug, c := range counters {
		rate := c.ErrorRate()
		rows = append(rows, SourceSummary{
			Source:    slug,
			Counters:  c,
			ErrorRate: rate,
			Flagged:   c.Fetched >= minFetches && rate > flagRate,
		})
		totals = totals.Add(c)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Source < rows[j].Source })
	return rows, totals
}
