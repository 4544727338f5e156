package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Scope values for Config.Scope.
const (
	ScopeSource   = "source"
	ScopeLanguage = "language"
)

// Config controls duplicate detection.
type Config struct {
	Window         time.Duration
	MinTitleLength int
	Scope          string
}

// Reason explains a duplicate verdict.
type Reason string

const (
	// NotDuplicate is the zero Reason.
	NotDuplicate Reason = ""
	// ReasonURL means the URL is already stored.
	ReasonURL Reason = "url"
	// ReasonTitle means a stored article in scope carries the same normalized title.
	ReasonTitle Reason = "title"
)

// Partition is the result of filtering discovered URLs.
type Partition struct {
	// Fresh URLs are neither stored nor seen earlier in the run.
	Fresh []string
	// Stored URLs already exist in storage.
	Stored []string
	// Repeated URLs were already handed out earlier in this run.
	Repeated []string
}

// Deduplicator holds run-local memory of seen URLs and claimed titles.
type Deduplicator struct {
	store  ingest.ArticleStore
	cfg    Config
	clock  ingest.Clock
	logger *zap.Logger

	mu     sync.Mutex
	seen   map[string]bool
	titles map[string]map[string]bool

	loadMu sync.Mutex
}

// New builds a Deduplicator.
func New(store ingest.ArticleStore, cfg Config, clock ingest.Clock, logger *zap.Logger) (*Deduplicator, error) {
	if store == nil {
		return nil, fmt.Errorf("article store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.MinTitleLength <= 0 {
		cfg.MinTitleLength = 10
	}
	switch cfg.Scope {
	case "":
		cfg.Scope = ScopeSource
	case ScopeSource, ScopeLanguage:
	default:
		return nil, fmt.Errorf("unknown dedup scope %q", cfg.Scope)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		store:  store,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		seen:   make(map[string]bool),
		titles: make(map[string]map[string]bool),
	}, nil
}

// FilterKnown partitions discovered URLs with one storage round trip. Fresh
// URLs are remembered so later pages that link to them again are reported as
// repeated.
func (d *Deduplicator) FilterKnown(ctx context.Context, urls []string) (Partition, error) {
	var part Partition
	candidates := make([]string, 0, len(urls))
	batch := make(map[string]bool, len(urls))

	d.mu.Lock()
	for _, u := range urls {
		if d.seen[u] || batch[u] {
			part.Repeated = append(part.Repeated, u)
			continue
		}
		batch[u] = true
		candidates = append(candidates, u)
	}
	d.mu.Unlock()

	if len(candidates) == 0 {
		return part, nil
	}
	existing, err := d.store.ExistingURLs(ctx, candidates)
	if err != nil {
		return Partition{}, fmt.Errorf("check existing urls: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range candidates {
		switch {
		case existing[u]:
			part.Stored = append(part.Stored, u)
		case d.seen[u]:
			part.Repeated = append(part.Repeated, u)
		default:
			part.Fresh = append(part.Fresh, u)
		}
		d.seen[u] = true
	}
	return part, nil
}

// MarkSeen records url as handed out without asking storage.
func (d *Deduplicator) MarkSeen(url string) {
	d.mu.Lock()
	d.seen[url] = true
	d.mu.Unlock()
}

// IsDuplicate applies the URL check and then claims the candidate's title.
// A non-duplicate verdict reserves the title for the rest of the run, so two
// workers racing on the same story cannot both accept it.
func (d *Deduplicator) IsDuplicate(ctx context.Context, src ingest.Source, cand ingest.Candidate) (bool, Reason, error) {
	urls := []string{cand.URL}
	if c := cand.CanonicalURL(); c != cand.URL {
		urls = append(urls, c)
	}
	for _, u := range urls {
		exists, err := d.store.ArticleExists(ctx, u)
		if err != nil {
			return false, NotDuplicate, fmt.Errorf("check article exists: %w", err)
		}
		if exists {
			return true, ReasonURL, nil
		}
	}

	claimed, err := d.ClaimTitle(ctx, src, cand.Title)
	if err != nil {
		return false, NotDuplicate, err
	}
	if !claimed {
		return true, ReasonTitle, nil
	}
	return false, NotDuplicate, nil
}

// ClaimTitle returns false when title matches a stored or already-claimed
// title in scope. Titles too short to compare are always claimable.
func (d *Deduplicator) ClaimTitle(ctx context.Context, src ingest.Source, title string) (bool, error) {
	normalized := NormalizeTitle(title)
	if !Comparable(normalized, d.cfg.MinTitleLength) {
		return true, nil
	}
	key, scope := d.scopeFor(src)
	if err := d.loadScope(ctx, key, scope); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.titles[key]
	if set[normalized] {
		d.logger.Debug("title duplicate",
			zap.String("source", src.Slug),
			zap.String("title", title),
		)
		return false, nil
	}
	set[normalized] = true
	return true, nil
}

func (d *Deduplicator) scopeFor(src ingest.Source) (string, ingest.TitleScope) {
	if d.cfg.Scope == ScopeLanguage && src.Language != "" {
		return "lang:" + src.Language, ingest.TitleScope{Language: src.Language}
	}
	return "source:" + src.ID.String(), ingest.TitleScope{SourceID: src.ID}
}

func (d *Deduplicator) loadScope(ctx context.Context, key string, scope ingest.TitleScope) error {
	d.mu.Lock()
	_, ok := d.titles[key]
	d.mu.Unlock()
	if ok {
		return nil
	}

	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	d.mu.Lock()
	_, ok = d.titles[key]
	d.mu.Unlock()
	if ok {
		return nil
	}

	since := d.clock.Now().Add(-d.cfg.Window)
	titles, err := d.store.TitlesSince(ctx, scope, since)
	if err != nil {
		return fmt.Errorf("load recent titles: %w", err)
	}
	set := make(map[string]bool, len(titles))
	for _, t := range titles {
		if Comparable(t, d.cfg.MinTitleLength) {
			set[t] = true
		}
	}

	d.mu.Lock()
	d.titles[key] = set
	d.mu.Unlock()
	d.logger.Debug("loaded recent titles", zap.String("scope", key), zap.Int("count", len(set)))
	return nil
}
