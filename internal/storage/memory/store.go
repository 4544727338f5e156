package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// ErrInjected is returned by operations after Fail has been called.
var ErrInjected = errors.New("memory store: injected failure")

// Store implements ingest.Store with maps. It also counts calls so tests can
// assert batching behaviour.
type Store struct {
	mu        sync.RWMutex
	sources   []ingest.Source
	articles  map[string]ingest.Article
	deadLinks map[string]ingest.DeadLinkRecord
	failing   bool

	calls map[string]int
}

// NewStore creates an empty Store seeded with sources.
func NewStore(sources ...ingest.Source) *Store {
	return &Store{
		sources:   append([]ingest.Source(nil), sources...),
		articles:  make(map[string]ingest.Article),
		deadLinks: make(map[string]ingest.DeadLinkRecord),
		calls:     make(map[string]int),
	}
}

// Fail makes every later call return ErrInjected.
func (s *Store) Fail() {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
}

// Calls returns how many times the named method ran.
func (s *Store) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

func (s *Store) enter(method string) error {
	s.calls[method]++
	if s.failing {
		return ErrInjected
	}
	return nil
}

// ActiveSources returns the seeded sources that are active.
func (s *Store) ActiveSources(_ context.Context) ([]ingest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ActiveSources"); err != nil {
		return nil, err
	}
	out := make([]ingest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if src.Active {
			out = append(out, src)
		}
	}
	return out, nil
}

// UpsertSource adds src or refreshes the source with the same slug. An
// existing source keeps its ID and active flag.
func (s *Store) UpsertSource(_ context.Context, src ingest.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertSource"); err != nil {
		return err
	}
	for i, cur := range s.sources {
		if cur.Slug == src.Slug {
			src.ID, src.Active = cur.ID, cur.Active
			s.sources[i] = src
			return nil
		}
	}
	s.sources = append(s.sources, src)
	return nil
}

// ArticleExists reports whether url is stored.
func (s *Store) ArticleExists(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ArticleExists"); err != nil {
		return false, err
	}
	_, ok := s.articles[url]
	return ok, nil
}

// ExistingURLs returns the subset of urls already stored.
func (s *Store) ExistingURLs(_ context.Context, urls []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ExistingURLs"); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, u := range urls {
		if _, ok := s.articles[u]; ok {
			out[u] = true
		}
	}
	return out, nil
}

// UpsertArticle inserts article unless its URL is already present.
func (s *Store) UpsertArticle(_ context.Context, article ingest.Article) (ingest.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertArticle"); err != nil {
		return ingest.Duplicate, err
	}
	if _, ok := s.articles[article.URL]; ok {
		return ingest.Duplicate, nil
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}
	s.articles[article.URL] = article
	return ingest.Created, nil
}

// TitlesSince returns normalized titles in scope published at or after since.
func (s *Store) TitlesSince(_ context.Context, scope ingest.TitleScope, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("TitlesSince"); err != nil {
		return nil, err
	}
	var langSources map[uuid.UUID]bool
	if scope.Language != "" {
		langSources = make(map[uuid.UUID]bool)
		for _, src := range s.sources {
			if src.Language == scope.Language {
				langSources[src.ID] = true
			}
		}
	}
	var out []string
	for _, a := range s.articles {
		if a.PublishedAt.Before(since) || a.NormalizedTitle == "" {
			continue
		}
		if langSources != nil {
			if !langSources[a.SourceID] && a.Language != scope.Language {
				continue
			}
		} else if a.SourceID != scope.SourceID {
			continue
		}
		out = append(out, a.NormalizedTitle)
	}
	sort.Strings(out)
	return out, nil
}

// DeadLinks returns the records stored for urls.
func (s *Store) DeadLinks(_ context.Context, urls []string) (map[string]ingest.DeadLinkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeadLinks"); err != nil {
		return nil, err
	}
	out := make(map[string]ingest.DeadLinkRecord)
	for _, u := range urls {
		if rec, ok := s.deadLinks[u]; ok {
			out[u] = rec
		}
	}
	return out, nil
}

// UpsertDeadLink stores record keyed by URL.
func (s *Store) UpsertDeadLink(_ context.Context, record ingest.DeadLinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertDeadLink"); err != nil {
		return err
	}
	s.deadLinks[record.URL] = record
	return nil
}

// DeleteDeadLink removes the record for url, if any.
func (s *Store) DeleteDeadLink(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteDeadLink"); err != nil {
		return err
	}
	delete(s.deadLinks, url)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Articles returns a snapshot of stored articles ordered by URL.
func (s *Store) Articles() []ingest.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Article, 0, len(s.articles))
	for _, a := range s.articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// DeadLink returns the stored record for url.
func (s *Store) DeadLink(url string) (ingest.DeadLinkRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deadLinks[url]
	return rec, ok
}

// SeedArticle stores article directly, bypassing call accounting.
func (s *Store) SeedArticle(article ingest.Article) {
	s.mu.Lock()
	s.articles[article.URL] = article
	s.mu.Unlock()
}

// SeedDeadLink stores record directly, bypassing call accounting.
func (s *Store) SeedDeadLink(record ingest.DeadLinkRecord) {
	s.mu.Lock()
	s.deadLinks[record.URL] = record
	s.mu.Unlock()
}
