package ingest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// SourceStore reads configured outlets.
type SourceStore interface {
	ActiveSources(ctx context.Context) ([]Source, error)
}

// SourceWriter registers outlets. Stores that implement it can be synced
// from sources.yaml.
type SourceWriter interface {
	UpsertSource(ctx context.Context, src Source) error
}

// ArticleStore persists articles and answers existence questions.
// Implementations must enforce URL uniqueness.
type ArticleStore interface {
	ArticleExists(ctx context.Context, url string) (bool, error)
	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)
	UpsertArticle(ctx context.Context, article Article) (UpsertResult, error)
	TitlesSince(ctx context.Context, scope TitleScope, since time.Time) ([]string, error)
}

// DeadLinkStore persists dead-link records.
type DeadLinkStore interface {
	DeadLinks(ctx context.Context, urls []string) (map[string]DeadLinkRecord, error)
	UpsertDeadLink(ctx context.Context, record DeadLinkRecord) error
	DeleteDeadLink(ctx context.Context, url string) error
}

// Store is the full storage collaborator.
type Store interface {
	SourceStore
	ArticleStore
	DeadLinkStore
	Close() error
}

// Fetcher retrieves one page. Failures are returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Page, error)
}

// BlobStore archives raw payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates article and run identifiers.
type IDGenerator interface {
	NewID() (string, error)
	NewRawID() (uuid.UUID, error)
}

// Dependencies bundles the external collaborators of a run. Blobs and
// Publisher are optional.
type Dependencies struct {
	Store     Store
	Fetcher   Fetcher
	Blobs     BlobStore
	Publisher Publisher
	Clock     Clock
	IDs       IDGenerator
}
