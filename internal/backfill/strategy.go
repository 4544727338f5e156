// Package backfill models discovery as finite, restartable strategies that
// lazily hand out work items and stop on their own termination rules.
package backfill

import (
	"sync"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Step is a strategy's answer to "is there work now".
type Step int

const (
	// StepReady means Next will return an item.
	StepReady Step = iota
	// StepPending means nothing can be emitted until outstanding items report back.
	StepPending
	// StepDone means the strategy has terminated.
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepReady:
		return "ready"
	case StepPending:
		return "pending"
	default:
		return "done"
	}
}

// Feedback reports how an emitted item turned out.
type Feedback struct {
	// Found is true when the item resolved to an article, new or already stored.
	Found bool
	// Links is the number of article links a listing page carried.
	Links int
	// NewLinks is how many of those links passed admission.
	NewLinks int
	// Failed is true when the fetch itself failed.
	Failed bool
}

// Cursor is the resumable position of a strategy.
type Cursor struct {
	Strategy   string `json:"strategy"`
	Section    int    `json:"section,omitempty"`
	Page       int    `json:"page,omitempty"`
	Identifier int64  `json:"identifier,omitempty"`
	Date       string `json:"date,omitempty"`
	Done       bool   `json:"done,omitempty"`
}

// Strategy is a lazy generator of work items. Implementations are not safe
// for concurrent use; Plan serializes access.
type Strategy interface {
	Name() string
	Poll() Step
	Next() (ingest.WorkItem, bool)
	Observe(item ingest.WorkItem, fb Feedback)
	Cursor() Cursor
}

// Plan runs a source's strategies in order, activating the next one once the
// current one is done. Items carry the index of the strategy that made them
// so feedback reaches it even after the plan has moved on.
type Plan struct {
	mu         sync.Mutex
	source     string
	strategies []Strategy
	active     int
}

// NewPlan builds a plan for source.
func NewPlan(source string, strategies ...Strategy) *Plan {
	return &Plan{source: source, strategies: strategies}
}

// Source returns the owning source slug.
func (p *Plan) Source() string {
	return p.source
}

// Len returns the number of strategies.
func (p *Plan) Len() int {
	return len(p.strategies)
}

// Poll reports the state of the active strategy, skipping finished ones.
func (p *Plan) Poll() Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollLocked()
}

func (p *Plan) pollLocked() Step {
	for p.active < len(p.strategies) {
		step := p.strategies[p.active].Poll()
		if step != StepDone {
			return step
		}
		p.active++
	}
	return StepDone
}

// Next returns the next item of the active strategy, if it is ready.
func (p *Plan) Next() (ingest.WorkItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollLocked() != StepReady {
		return ingest.WorkItem{}, false
	}
	item, ok := p.strategies[p.active].Next()
	if !ok {
		return ingest.WorkItem{}, false
	}
	item.Source = p.source
	item.Origin = p.active
	return item, true
}

// Observe routes feedback to the strategy that produced item. Items made
// by discovery carry ingest.OriginDiscovery and are ignored.
func (p *Plan) Observe(item ingest.WorkItem, fb Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item.Origin < 0 || item.Origin >= len(p.strategies) {
		return
	}
	p.strategies[item.Origin].Observe(item, fb)
}

// Active returns the name of the running strategy, or "" when done.
func (p *Plan) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollLocked() == StepDone {
		return ""
	}
	return p.strategies[p.active].Name()
}

// Cursors returns every strategy's position in plan order.
func (p *Plan) Cursors() []Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Cursor, 0, len(p.strategies))
	for _, s := range p.strategies {
		out = append(out, s.Cursor())
	}
	return out
}
