// Package postgres provides the Postgres-backed ingest.Store.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements ingest.Store on Postgres.
type Store struct {
	pool queryCloser
}

// New connects a Store using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool queryCloser) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertSource inserts or refreshes a source row keyed by slug.
func (s *Store) UpsertSource(ctx context.Context, src ingest.Source) error {
	const query = `
INSERT INTO sources (id, slug, name, language, url, feed_url, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (slug) DO UPDATE SET
	name = EXCLUDED.name,
	language = EXCLUDED.language,
	url = EXCLUDED.url,
	feed_url = EXCLUDED.feed_url`
	if _, err := s.pool.Exec(ctx, query, src.ID, src.Slug, src.Name, src.Language, src.URL, src.FeedURL, src.Active); err != nil {
		return fmt.Errorf("upsert source %s: %w", src.Slug, err)
	}
	return nil
}

// ActiveSources returns the active sources ordered by slug.
func (s *Store) ActiveSources(ctx context.Context) ([]ingest.Source, error) {
	const query = `
SELECT id, slug, name, language, url, feed_url, is_active
FROM sources
WHERE is_active = true
ORDER BY slug`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		var src ingest.Source
		if err := rows.Scan(&src.ID, &src.Slug, &src.Name, &src.Language, &src.URL, &src.FeedURL, &src.Active); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// ArticleExists reports whether url is stored.
func (s *Store) ArticleExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check article: %w", err)
	}
	return exists, nil
}

// ExistingURLs returns the subset of urls already stored, in one query.
func (s *Store) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(urls) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT url FROM articles WHERE url = ANY($1::text[])`, urls)
	if err != nil {
		return nil, fmt.Errorf("query existing urls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		out[u] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate urls: %w", err)
	}
	return out, nil
}

// UpsertArticle inserts article; an existing URL is reported as a duplicate.
func (s *Store) UpsertArticle(ctx context.Context, a ingest.Article) (ingest.UpsertResult, error) {
	const query = `
INSERT INTO articles (
	id,
	source_id,
	url,
	title,
	normalized_title,
	content,
	excerpt,
	author,
	image_url,
	language,
	published_at,
	blob_uri,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (url) DO NOTHING`
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, query,
		a.ID,
		a.SourceID,
		a.URL,
		a.Title,
		a.NormalizedTitle,
		a.Content,
		a.Excerpt,
		a.Author,
		a.ImageURL,
		a.Language,
		a.PublishedAt,
		a.BlobURI,
		createdAt,
	)
	if err != nil {
		return ingest.Duplicate, fmt.Errorf("insert article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.Duplicate, nil
	}
	return ingest.Created, nil
}

// TitlesSince returns normalized titles in scope published at or after since.
func (s *Store) TitlesSince(ctx context.Context, scope ingest.TitleScope, since time.Time) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if scope.Language != "" {
		rows, err = s.pool.Query(ctx, `
SELECT a.normalized_title
FROM articles a
JOIN sources s ON s.id = a.source_id
WHERE (s.language = $1 OR a.language = $1)
  AND a.published_at >= $2
  AND a.normalized_title <> ''`, scope.Language, since)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT normalized_title
FROM articles
WHERE source_id = $1
  AND published_at >= $2
  AND normalized_title <> ''`, scope.SourceID, since)
	}
	if err != nil {
		return nil, fmt.Errorf("query titles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan title row: %w", err)
		}
		out = append(out, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate titles: %w", err)
	}
	return out, nil
}

// DeadLinks returns the records stored for urls, in one query.
func (s *Store) DeadLinks(ctx context.Context, urls []string) (map[string]ingest.DeadLinkRecord, error) {
	out := make(map[string]ingest.DeadLinkRecord)
	if len(urls) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT url, source_id, error_type, retry_count, first_failed_at, last_failed_at, next_eligible_at, permanent
FROM dead_links
WHERE url = ANY($1::text[])`, urls)
	if err != nil {
		return nil, fmt.Errorf("query dead links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec       ingest.DeadLinkRecord
			errorType string
		)
		if err := rows.Scan(
			&rec.URL,
			&rec.SourceID,
			&errorType,
			&rec.RetryCount,
			&rec.FirstFailedAt,
			&rec.LastFailedAt,
			&rec.NextEligibleAt,
			&rec.Permanent,
		); err != nil {
			return nil, fmt.Errorf("scan dead link row: %w", err)
		}
		rec.ErrorType = ingest.FailureKind(errorType)
		out[rec.URL] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead links: %w", err)
	}
	return out, nil
}

// UpsertDeadLink stores record keyed by URL, keeping the first failure time.
func (s *Store) UpsertDeadLink(ctx context.Context, rec ingest.DeadLinkRecord) error {
	const query = `
INSERT INTO dead_links (url, source_id, error_type, retry_count, first_failed_at, last_failed_at, next_eligible_at, permanent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url) DO UPDATE SET
	error_type = EXCLUDED.error_type,
	retry_count = EXCLUDED.retry_count,
	last_failed_at = EXCLUDED.last_failed_at,
	next_eligible_at = EXCLUDED.next_eligible_at,
	permanent = EXCLUDED.permanent`
	_, err := s.pool.Exec(ctx, query,
		rec.URL,
		rec.SourceID,
		string(rec.ErrorType),
		rec.RetryCount,
		rec.FirstFailedAt,
		rec.LastFailedAt,
		rec.NextEligibleAt,
		rec.Permanent,
	)
	if err != nil {
		return fmt.Errorf("upsert dead link: %w", err)
	}
	return nil
}

// DeleteDeadLink removes the record for url, if any.
func (s *Store) DeleteDeadLink(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dead_links WHERE url = $1`, url); err != nil {
		return fmt.Errorf("delete dead link: %w", err)
	}
	return nil
}

var _ ingest.Store = (*Store)(nil)
