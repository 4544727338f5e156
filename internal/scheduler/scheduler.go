// Package scheduler interleaves work across sources under per-source
// politeness limits and runs an autoscaling pool of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/news-ingest/internal/backfill"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/metrics"
	"github.com/JakeFAU/news-ingest/internal/policy/ratelimit"
)

// admitBatch caps how many identifier items are pulled from a strategy at once.
const admitBatch = 20

// SourceSpec registers one source with the scheduler.
type SourceSpec struct {
	Slug     string
	Schedule ingest.Schedule
	Plan     *backfill.Plan
}

type sourceState struct {
	slug     string
	schedule ingest.Schedule
	plan     *backfill.Plan
	gate     *ratelimit.Gate

	queue      []ingest.WorkItem
	inFlight   int
	acquiring  int
	admitting  int
	lastServed time.Time
	stalled    bool
	counters   ingest.Counters
}

func (st *sourceState) planStep() backfill.Step {
	if st.plan == nil {
		return backfill.StepDone
	}
	return st.plan.Poll()
}

func (st *sourceState) hasWork() bool {
	return len(st.queue) > 0 || st.planStep() == backfill.StepReady
}

func (st *sourceState) idle() bool {
	return len(st.queue) == 0 && st.inFlight == 0 && st.admitting == 0
}

type task struct {
	st     *sourceState
	item   ingest.WorkItem
	refill []ingest.WorkItem
}

// Scheduler is the per-run state shared by workers and the autoscaler. It is
// built fresh for each run and must not be reused.
type Scheduler struct {
	cfg     Config
	handler Handler
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	sources  []*sourceState
	bySlug   map[string]*sourceState
	changed  chan struct{}
	target   int
	live     int
	nextID   int
	active   []int
	retiring map[int]bool
	outcomes errorWindow
	group    *errgroup.Group
	done     chan struct{}
	started  bool
}

// New builds a Scheduler. A nil limiter gets one with no default spacing.
func New(cfg Config, handler Handler, limiter *ratelimit.Limiter, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		handler:  handler,
		limiter:  limiter,
		logger:   logger.Named("scheduler"),
		bySlug:   make(map[string]*sourceState),
		changed:  make(chan struct{}),
		retiring: make(map[int]bool),
		outcomes: newErrorWindow(outcomeWindow),
		done:     make(chan struct{}),
	}, nil
}

// Add registers a source. It must be called before Run.
func (s *Scheduler) Add(spec SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already running")
	}
	if spec.Slug == "" {
		return fmt.Errorf("source slug is required")
	}
	if _, ok := s.bySlug[spec.Slug]; ok {
		return fmt.Errorf("source %q registered twice", spec.Slug)
	}
	if spec.Schedule.MaxConcurrency <= 0 {
		spec.Schedule.MaxConcurrency = 1
	}
	st := &sourceState{
		slug:     spec.Slug,
		schedule: spec.Schedule,
		plan:     spec.Plan,
		gate:     s.limiter.Register(spec.Slug, spec.Schedule.RateLimit),
	}
	s.sources = append(s.sources, st)
	s.bySlug[spec.Slug] = st
	return nil
}

// Enqueue places article-level items directly on a source queue, bypassing
// admission.
func (s *Scheduler) Enqueue(slug string, items ...ingest.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.bySlug[slug]
	if !ok {
		return fmt.Errorf("unknown source %q", slug)
	}
	for _, item := range items {
		item.Source = slug
		item.Origin = ingest.OriginDiscovery
		if item.Kind == "" {
			item.Kind = ingest.KindArticle
		}
		st.queue = append(st.queue, item)
	}
	s.broadcastLocked()
	return nil
}

// Counters returns a snapshot of the per-source counters.
func (s *Scheduler) Counters() map[string]ingest.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ingest.Counters, len(s.sources))
	for _, st := range s.sources {
		out[st.slug] = st.counters
	}
	return out
}

// Workers returns the current target pool size.
func (s *Scheduler) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Run drives every source to completion and returns the per-source counters.
// A fatal handler error stops all workers and is returned. Cancellation of
// ctx stops workers at their next suspension point without error.
func (s *Scheduler) Run(ctx context.Context) (map[string]ingest.Counters, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler already running")
	}
	s.started = true
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.target = s.cfg.InitialWorkers
	for i := 0; i < s.target; i++ {
		s.spawnLocked(gctx)
	}
	metrics.SetWorkers(s.target)
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		zap.Int("sources", len(s.sources)),
		zap.Int("workers", s.cfg.InitialWorkers),
		zap.Int("max_workers", s.cfg.MaxWorkers),
	)

	g.Go(func() error { return s.autoscale(gctx) })
	err := g.Wait()
	counters := s.Counters()
	if err != nil && !errors.Is(err, context.Canceled) {
		return counters, err
	}
	return counters, nil
}

func (s *Scheduler) spawnLocked(ctx context.Context) {
	id := s.nextID
	s.nextID++
	s.live++
	s.active = append(s.active, id)
	s.group.Go(func() error { return s.worker(ctx, id) })
}

func (s *Scheduler) retireLocked(n int) {
	for ; n > 0 && len(s.active) > 1; n-- {
		id := s.active[len(s.active)-1]
		s.active = s.active[:len(s.active)-1]
		s.retiring[id] = true
	}
	s.broadcastLocked()
}

func (s *Scheduler) exitLocked(id int) {
	s.live--
	delete(s.retiring, id)
	for i, a := range s.active {
		if a == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	if s.live == 0 {
		close(s.done)
	}
}

func (s *Scheduler) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) worker(ctx context.Context, id int) error {
	defer func() {
		s.mu.Lock()
		s.exitLocked(id)
		s.mu.Unlock()
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		t, wake, changed, finished := s.pick(id)
		if finished {
			return nil
		}
		if t == nil {
			if err := wait(ctx, wake, changed); err != nil {
				return nil
			}
			continue
		}
		var err error
		if t.refill != nil {
			err = s.admit(ctx, t.st, t.refill)
		} else {
			err = s.execute(ctx, t.st, t.item)
		}
		if err != nil {
			return err
		}
	}
}

func wait(ctx context.Context, wake time.Time, changed <-chan struct{}) error {
	var timer <-chan time.Time
	if !wake.IsZero() {
		d := time.Until(wake)
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timer:
	}
	return nil
}

// better orders ready sources: lower priority value first, then the source
// served longest ago.
func better(a, b *sourceState) bool {
	if a.schedule.Priority != b.schedule.Priority {
		return a.schedule.Priority < b.schedule.Priority
	}
	return a.lastServed.Before(b.lastServed)
}

// pick selects the next task for worker id. When nothing is ready it returns
// the earliest time a gate opens, if any, and the channel that signals state
// changes.
func (s *Scheduler) pick(id int) (*task, time.Time, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retiring[id] {
		return nil, time.Time{}, nil, true
	}

	now := time.Now()
	finished := true
	var (
		best     *sourceState
		earliest time.Time
	)
	for _, st := range s.sources {
		if !s.finishedLocked(st) {
			finished = false
		}
		if st.inFlight >= st.schedule.MaxConcurrency || !st.hasWork() {
			continue
		}
		at := st.gate.ReadyAt()
		if st.acquiring > 0 {
			if est := now.Add(st.gate.Interval() * time.Duration(st.acquiring)); est.After(at) {
				at = est
			}
		}
		if at.After(now) {
			if earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
			continue
		}
		if best == nil || better(st, best) {
			best = st
		}
	}
	if finished {
		return nil, time.Time{}, nil, true
	}
	if best == nil {
		return nil, earliest, s.changed, false
	}

	if len(best.queue) > 0 {
		item := best.queue[0]
		best.queue = best.queue[1:]
		s.claimLocked(best, now)
		return &task{st: best, item: item}, time.Time{}, nil, false
	}

	item, ok := best.plan.Next()
	if !ok {
		return nil, now.Add(10 * time.Millisecond), s.changed, false
	}
	if !item.Kind.IsArticle() {
		s.claimLocked(best, now)
		return &task{st: best, item: item}, time.Time{}, nil, false
	}
	batch := []ingest.WorkItem{item}
	for len(batch) < admitBatch && best.plan.Poll() == backfill.StepReady {
		next, ok := best.plan.Next()
		if !ok {
			break
		}
		if !next.Kind.IsArticle() {
			best.queue = append(best.queue, next)
			break
		}
		batch = append(batch, next)
	}
	best.admitting++
	return &task{st: best, refill: batch}, time.Time{}, nil, false
}

func (s *Scheduler) claimLocked(st *sourceState, now time.Time) {
	st.inFlight++
	st.acquiring++
	st.lastServed = now
}

func (s *Scheduler) finishedLocked(st *sourceState) bool {
	if !st.idle() {
		return false
	}
	switch st.planStep() {
	case backfill.StepDone:
		return true
	case backfill.StepPending:
		if !st.stalled {
			st.stalled = true
			s.logger.Warn("strategy pending with no outstanding work", zap.String("source", st.slug))
		}
		return true
	default:
		return false
	}
}

// admit runs admission for items pulled from a strategy.
func (s *Scheduler) admit(ctx context.Context, st *sourceState, items []ingest.WorkItem) error {
	adm, err := s.handler.Admit(ctx, st.slug, items)
	s.mu.Lock()
	defer s.mu.Unlock()
	st.admitting--
	defer s.broadcastLocked()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("admit %s items: %w", st.slug, err)
	}
	s.applyAdmissionLocked(st, adm)
	return nil
}

func (s *Scheduler) applyAdmissionLocked(st *sourceState, adm Admission) {
	st.queue = append(st.queue, adm.Accepted...)
	st.counters.Discovered += len(adm.Accepted)
	for _, r := range adm.Rejected {
		fb := backfill.Feedback{}
		switch r.Reason {
		case RejectStored:
			st.counters.Duplicate++
			fb.Found = true
			metrics.ObserveItem(st.slug, string(StatusDuplicate))
		case RejectDead:
			st.counters.Skipped++
			metrics.ObserveItem(st.slug, "skipped")
		}
		if st.plan != nil {
			st.plan.Observe(r.Item, fb)
		}
	}
}

// execute fetches one item through the source gate and classifies the result.
func (s *Scheduler) execute(ctx context.Context, st *sourceState, item ingest.WorkItem) error {
	_, err := st.gate.Acquire(ctx)
	s.mu.Lock()
	st.acquiring--
	s.mu.Unlock()
	if err != nil {
		s.release(st)
		return nil
	}

	res, err := s.handler.Handle(ctx, item)
	if err != nil {
		s.release(st)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("handle %s %s: %w", item.Kind, item.Target, err)
	}
	return s.complete(ctx, st, item, res)
}

func (s *Scheduler) release(st *sourceState) {
	s.mu.Lock()
	st.inFlight--
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Scheduler) complete(ctx context.Context, st *sourceState, item ingest.WorkItem, res Result) error {
	log := s.logger.With(
		zap.String("source", st.slug),
		zap.String("kind", string(item.Kind)),
		zap.String("url", item.Target),
	)
	metrics.ObserveItem(st.slug, string(res.Status))

	var (
		fb    backfill.Feedback
		adm   Admission
		retry bool
		dead  bool
	)
	switch res.Status {
	case StatusListed:
		fb.Links = len(res.Links)
		if len(res.Links) > 0 {
			links := make([]ingest.WorkItem, 0, len(res.Links))
			for _, l := range res.Links {
				l.Source = st.slug
				l.Origin = ingest.OriginDiscovery
				if l.Kind == "" {
					l.Kind = ingest.KindArticle
				}
				links = append(links, l)
			}
			var err error
			adm, err = s.handler.Admit(ctx, st.slug, links)
			if err != nil {
				s.release(st)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("admit %s links: %w", st.slug, err)
			}
			fb.NewLinks = len(adm.Accepted)
		}
		log.Debug("listing read", zap.Int("links", fb.Links), zap.Int("new", fb.NewLinks))
	case StatusAccepted, StatusDuplicate:
		fb.Found = true
		log.Debug("article handled", zap.String("status", string(res.Status)))
	case StatusRejected:
		fb.Found = res.Found
		log.Debug("article rejected", zap.String("reason", string(res.Failure)))
	case StatusFailed:
		fb.Failed = true
		switch {
		case res.Failure.Retryable() && item.Attempt < s.cfg.RetryBudget:
			retry = true
			log.Info("retrying", zap.String("failure", string(res.Failure)), zap.Int("attempt", item.Attempt+1))
		case item.Kind.IsArticle() && !res.Failure.IsContent():
			if err := s.handler.Escalate(ctx, item, res.Failure); err != nil {
				s.release(st)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("escalate %s: %w", item.Target, err)
			}
			dead = true
			log.Info("marked dead", zap.String("failure", string(res.Failure)), zap.Int("attempts", item.Attempt+1))
		default:
			log.Warn("fetch failed", zap.String("failure", string(res.Failure)))
		}
	default:
		s.release(st)
		return fmt.Errorf("handle %s: unknown status %q", item.Target, res.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := &st.counters
	c.Fetched++
	s.outcomes.record(res.Status == StatusFailed)
	switch res.Status {
	case StatusAccepted:
		c.Accepted++
	case StatusDuplicate:
		c.Duplicate++
	case StatusRejected:
		c.Rejected++
	case StatusFailed:
		c.Failed++
	}
	switch {
	case retry:
		c.Retried++
		item.Attempt++
		st.queue = append(st.queue, item)
	case dead:
		c.Dead++
	}
	if res.Status == StatusListed {
		s.applyAdmissionLocked(st, adm)
	}
	if !retry && st.plan != nil {
		st.plan.Observe(item, fb)
	}
	st.inFlight--
	s.broadcastLocked()
	return nil
}

// autoscale resizes the pool every interval until the workers finish.
func (s *Scheduler) autoscale(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.AutoscaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			s.rescale(ctx)
		}
	}
}

func (s *Scheduler) rescale(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == 0 {
		return
	}

	depth := 0
	for _, st := range s.sources {
		depth += len(st.queue)
	}
	metrics.SetQueueDepth(depth)
	// No outcome since the last tick: nothing new to act on.
	rate, ok := s.outcomes.sample()
	if !ok {
		return
	}

	target := Decide(s.target, depth, rate, s.cfg)
	switch {
	case target > s.target:
		for i := s.target; i < target; i++ {
			s.spawnLocked(ctx)
		}
		metrics.ObserveScale("up")
		s.logger.Info("scaled up", zap.Int("workers", target), zap.Int("queue_depth", depth))
	case target < s.target:
		s.retireLocked(s.target - target)
		metrics.ObserveScale("down")
		s.logger.Info("scaled down", zap.Int("workers", target), zap.Float64("error_rate", rate))
	default:
		return
	}
	s.target = target
	metrics.SetWorkers(target)
}
