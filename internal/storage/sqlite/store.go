// Package sqlite provides a single-file ingest.Store for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Batch lookups are split to stay well under SQLite's variable limit.
const lookupChunk = 500

// Store implements ingest.Store on SQLite. Timestamps are stored as RFC 3339
// text in UTC and identifiers as canonical UUID strings.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage.sqlite_path is required")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps SQLite from reporting a locked database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sources (
		id        TEXT PRIMARY KEY,
		slug      TEXT NOT NULL UNIQUE,
		name      TEXT NOT NULL,
		language  TEXT NOT NULL DEFAULT '',
		url       TEXT NOT NULL DEFAULT '',
		feed_url  TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS articles (
		id               TEXT PRIMARY KEY,
		source_id        TEXT NOT NULL REFERENCES sources (id),
		url              TEXT NOT NULL UNIQUE,
		title            TEXT NOT NULL,
		normalized_title TEXT NOT NULL DEFAULT '',
		content          TEXT NOT NULL,
		excerpt          TEXT NOT NULL DEFAULT '',
		author           TEXT NOT NULL DEFAULT '',
		image_url        TEXT NOT NULL DEFAULT '',
		language         TEXT NOT NULL DEFAULT '',
		published_at     TEXT NOT NULL,
		blob_uri         TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_articles_source_published ON articles (source_id, published_at);

	CREATE TABLE IF NOT EXISTS dead_links (
		url              TEXT PRIMARY KEY,
		source_id        TEXT NOT NULL REFERENCES sources (id),
		error_type       TEXT NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 1,
		first_failed_at  TEXT NOT NULL,
		last_failed_at   TEXT NOT NULL,
		next_eligible_at TEXT NOT NULL,
		permanent        INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// UpsertSource inserts or refreshes a source row keyed by slug.
func (s *Store) UpsertSource(ctx context.Context, src ingest.Source) error {
	const query = `
	INSERT INTO sources (id, slug, name, language, url, feed_url, is_active)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (slug) DO UPDATE SET
		name = excluded.name,
		language = excluded.language,
		url = excluded.url,
		feed_url = excluded.feed_url`
	_, err := s.db.ExecContext(ctx, query, src.ID.String(), src.Slug, src.Name, src.Language, src.URL, src.FeedURL, src.Active)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.Slug, err)
	}
	return nil
}

// ActiveSources returns the active sources ordered by slug.
func (s *Store) ActiveSources(ctx context.Context) ([]ingest.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, slug, name, language, url, feed_url, is_active
	FROM sources WHERE is_active = 1 ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		var (
			src ingest.Source
			id  string
		)
		if err := rows.Scan(&id, &src.Slug, &src.Name, &src.Language, &src.URL, &src.FeedURL, &src.Active); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		if src.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse source id %q: %w", id, err)
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
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM articles WHERE url = ?`, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check article: %w", err)
	}
	return n > 0, nil
}

// ExistingURLs returns the subset of urls already stored.
func (s *Store) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	out := make(map[string]bool)
	err := eachChunk(urls, func(chunk []string) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT url FROM articles WHERE url IN (`+placeholders(len(chunk))+`)`, toArgs(chunk)...)
		if err != nil {
			return fmt.Errorf("query existing urls: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				return fmt.Errorf("scan url row: %w", err)
			}
			out[u] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertArticle inserts article; an existing URL is reported as a duplicate.
func (s *Store) UpsertArticle(ctx context.Context, a ingest.Article) (ingest.UpsertResult, error) {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO articles (id, source_id, url, title, normalized_title, content, excerpt,
		author, image_url, language, published_at, blob_uri, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (url) DO NOTHING`,
		a.ID.String(), a.SourceID.String(), a.URL, a.Title, a.NormalizedTitle, a.Content, a.Excerpt,
		a.Author, a.ImageURL, a.Language, formatTime(a.PublishedAt), a.BlobURI, formatTime(createdAt))
	if err != nil {
		return ingest.Duplicate, fmt.Errorf("insert article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ingest.Duplicate, fmt.Errorf("insert article rows: %w", err)
	}
	if n == 0 {
		return ingest.Duplicate, nil
	}
	return ingest.Created, nil
}

// TitlesSince returns normalized titles in scope published at or after since.
func (s *Store) TitlesSince(ctx context.Context, scope ingest.TitleScope, since time.Time) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if scope.Language != "" {
		rows, err = s.db.QueryContext(ctx, `
		SELECT a.normalized_title FROM articles a JOIN sources s ON s.id = a.source_id
		WHERE (s.language = ? OR a.language = ?) AND a.published_at >= ? AND a.normalized_title <> ''`,
			scope.Language, scope.Language, formatTime(since))
	} else {
		rows, err = s.db.QueryContext(ctx, `
		SELECT normalized_title FROM articles
		WHERE source_id = ? AND published_at >= ? AND normalized_title <> ''`,
			scope.SourceID.String(), formatTime(since))
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

// DeadLinks returns the records stored for urls.
func (s *Store) DeadLinks(ctx context.Context, urls []string) (map[string]ingest.DeadLinkRecord, error) {
	out := make(map[string]ingest.DeadLinkRecord)
	err := eachChunk(urls, func(chunk []string) error {
		rows, err := s.db.QueryContext(ctx, `
		SELECT url, source_id, error_type, retry_count, first_failed_at, last_failed_at, next_eligible_at, permanent
		FROM dead_links WHERE url IN (`+placeholders(len(chunk))+`)`, toArgs(chunk)...)
		if err != nil {
			return fmt.Errorf("query dead links: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanDeadLink(rows)
			if err != nil {
				return err
			}
			out[rec.URL] = rec
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanDeadLink(rows *sql.Rows) (ingest.DeadLinkRecord, error) {
	var (
		rec                         ingest.DeadLinkRecord
		sourceID, errorType         string
		firstAt, lastAt, eligibleAt string
	)
	if err := rows.Scan(&rec.URL, &sourceID, &errorType, &rec.RetryCount, &firstAt, &lastAt, &eligibleAt, &rec.Permanent); err != nil {
		return rec, fmt.Errorf("scan dead link row: %w", err)
	}
	var err error
	if rec.SourceID, err = uuid.Parse(sourceID); err != nil {
		return rec, fmt.Errorf("parse dead link source id: %w", err)
	}
	rec.ErrorType = ingest.FailureKind(errorType)
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{{firstAt, &rec.FirstFailedAt}, {lastAt, &rec.LastFailedAt}, {eligibleAt, &rec.NextEligibleAt}} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// UpsertDeadLink stores record keyed by URL, keeping the first failure time.
func (s *Store) UpsertDeadLink(ctx context.Context, rec ingest.DeadLinkRecord) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO dead_links (url, source_id, error_type, retry_count, first_failed_at, last_failed_at, next_eligible_at, permanent)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (url) DO UPDATE SET
		error_type = excluded.error_type,
		retry_count = excluded.retry_count,
		last_failed_at = excluded.last_failed_at,
		next_eligible_at = excluded.next_eligible_at,
		permanent = excluded.permanent`,
		rec.URL, rec.SourceID.String(), string(rec.ErrorType), rec.RetryCount,
		formatTime(rec.FirstFailedAt), formatTime(rec.LastFailedAt), formatTime(rec.NextEligibleAt), rec.Permanent)
	if err != nil {
		return fmt.Errorf("upsert dead link: %w", err)
	}
	return nil
}

// DeleteDeadLink removes the record for url, if any.
func (s *Store) DeleteDeadLink(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_links WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete dead link: %w", err)
	}
	return nil
}

// RFC 3339 with fixed-width nanoseconds so text comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

func eachChunk(items []string, fn func([]string) error) error {
	for start := 0; start < len(items); start += lookupChunk {
		end := min(start+lookupChunk, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(items []string) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

var _ ingest.Store = (*Store)(nil)
