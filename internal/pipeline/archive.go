package pipeline

import (
	"bytes"
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/hash/sha256"
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// ArchivePath is the blob path of an article's raw page:
// <prefix>/<slug>/<yyyy-mm-dd>/<sha256(url)>.html.
func ArchivePath(prefix, slug string, art ingest.Article) string {
	return path.Join(prefix, slug, art.PublishedAt.UTC().Format("2006-01-02"), sha256.SumString(art.URL)+".html")
}

// archive writes the raw page and returns its URI. Archive failures are
// logged and leave the article without a blob URI.
func (p *Processor) archive(ctx context.Context, src Source, art ingest.Article, page ingest.Page) string {
	if p.deps.Blobs == nil || len(page.Body) == 0 {
		return ""
	}
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	name := ArchivePath(p.cfg.ArchivePrefix, src.Identity.Slug, art)
	uri, err := p.deps.Blobs.PutObject(ctx, name, contentType, bytes.NewReader(page.Body))
	if err != nil {
		p.logger.Warn("archive raw page",
			zap.String("source", src.Identity.Slug),
			zap.String("path", name),
			zap.Error(err),
		)
		return ""
	}
	return uri
}
