// Package ingest defines the domain types and collaborator interfaces shared by
// the ingestion engine: sources, work items, fetch outcomes, dead-link records
// and the per-source counters returned to callers.
package ingest

import (
	"time"

	"github.com/google/uuid"
)

// Source is the stored identity of one news outlet.
type Source struct {
	ID       uuid.UUID
	Slug     string
	Name     string
	Language string
	URL      string
	FeedURL  string
	Active   bool
}

// Schedule holds the per-source politeness knobs.
type Schedule struct {
	RateLimit      time.Duration
	MaxConcurrency int
	Priority       int
}

// Kind enumerates the shapes of work a worker can be handed.
type Kind string

const (
	// KindLatest fetches a feed or listing page to discover fresh articles.
	KindLatest Kind = "discover-latest"
	// KindArchivePage fetches one page of a paginated archive section.
	KindArchivePage Kind = "archive-page"
	// KindIdentifier fetches the article behind one numeric identifier.
	KindIdentifier Kind = "identifier"
	// KindDate fetches the listing page for one calendar date.
	KindDate Kind = "date"
	// KindArticle fetches a single article URL found during discovery.
	KindArticle Kind = "article"
)

// IsArticle reports whether items of this kind resolve to a single article.
func (k Kind) IsArticle() bool {
	return k == KindArticle || k == KindIdentifier
}

// OriginDiscovery marks items produced by discovery rather than by a strategy.
const OriginDiscovery = -1

// WorkItem is one unit of discovery or fetch work owned by a single source.
type WorkItem struct {
	Source     string
	Kind       Kind
	Target     string
	Section    string
	Page       int
	Identifier int64
	Date       time.Time
	// Hints carried from discovery into the article fetch.
	TitleHint string
	FeedDate  string
	FeedImage string
	// Origin is the index of the plan strategy that produced the item.
	Origin  int
	Attempt int
}

// FetchRequest asks a Fetcher for one page.
type FetchRequest struct {
	URL    string
	Source string
	Render bool
}

// Page is a successfully fetched document.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Rendered    bool
}

// DateSignals carries every raw publication-date hint found for a candidate,
// keyed by where it came from.
type DateSignals struct {
	Meta     string
	TimeAttr string
	NearText string
	URL      string
	Body     string
	Feed     string
}

// Candidate is an article extracted from a fetched page but not yet validated.
type Candidate struct {
	Source   string
	URL      string
	FinalURL string
	Title    string
	Content  string
	Excerpt  string
	Author   string
	ImageURL string
	Signals  DateSignals
	Raw      []byte
}

// CanonicalURL returns the post-redirect URL when known.
func (c Candidate) CanonicalURL() string {
	if c.FinalURL != "" {
		return c.FinalURL
	}
	return c.URL
}

// Article is the stored representation of an accepted candidate.
type Article struct {
	ID              uuid.UUID
	SourceID        uuid.UUID
	URL             string
	Title           string
	NormalizedTitle string
	Content         string
	Excerpt         string
	Author          string
	ImageURL        string
	Language        string
	PublishedAt     time.Time
	BlobURI         string
	CreatedAt       time.Time
}

// UpsertResult reports whether storage created a row or found an existing URL.
type UpsertResult int

const (
	// Created means a new article row was inserted.
	Created UpsertResult = iota
	// Duplicate means the URL was already stored.
	Duplicate
)

// DeadLinkRecord tracks a URL that failed to yield an article.
type DeadLinkRecord struct {
	URL            string
	SourceID       uuid.UUID
	ErrorType      FailureKind
	RetryCount     int
	FirstFailedAt  time.Time
	LastFailedAt   time.Time
	NextEligibleAt time.Time
	Permanent      bool
}

// TitleScope selects which stored titles take part in duplicate detection.
// A non-empty Language widens the scope to every source in that language.
type TitleScope struct {
	SourceID uuid.UUID
	Language string
}

// ArticleEvent is published whenever a new article is stored.
type ArticleEvent struct {
	ArticleID   string    `json:"article_id"`
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	BlobURI     string    `json:"blob_uri,omitempty"`
}
