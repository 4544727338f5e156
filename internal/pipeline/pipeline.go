// Package pipeline turns scheduled work items into stored articles: it
// fetches, extracts, dates, deduplicates and persists, and reports each
// outcome back to the scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/backfill"
	"github.com/JakeFAU/news-ingest/internal/dates"
	"github.com/JakeFAU/news-ingest/internal/deadlink"
	"github.com/JakeFAU/news-ingest/internal/dedup"
	"github.com/JakeFAU/news-ingest/internal/extract"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/scheduler"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
	"github.com/JakeFAU/news-ingest/internal/telemetry"
)

// DefaultMinLength is the shortest article body accepted, in runes.
const DefaultMinLength = 100

// Source is the merged, read-only view of one outlet for a run.
type Source struct {
	Identity ingest.Source
	Config   sourceconfig.Source
	Dates    dates.Policy
}

// Config tunes content validation and side outputs.
type Config struct {
	RunID         string
	MinLength     int
	ArchivePrefix string
	Topic         string
}

// Processor implements scheduler.Handler.
type Processor struct {
	cfg       Config
	deps      ingest.Dependencies
	sources   map[string]Source
	dedup     *dedup.Deduplicator
	deadLinks *deadlink.Registry
	resolver  *dates.Resolver
	extractor *extract.Extractor
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New builds a Processor over sources, keyed by slug.
func New(
	cfg Config,
	deps ingest.Dependencies,
	sources []Source,
	dd *dedup.Deduplicator,
	registry *deadlink.Registry,
	resolver *dates.Resolver,
	logger *zap.Logger,
) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case dd == nil || registry == nil || resolver == nil:
		return nil, errors.New("dedup, dead-link registry and date resolver are required")
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bySlug := make(map[string]Source, len(sources))
	for _, src := range sources {
		bySlug[src.Identity.Slug] = src
	}
	return &Processor{
		cfg:       cfg,
		deps:      deps,
		sources:   bySlug,
		dedup:     dd,
		deadLinks: registry,
		resolver:  resolver,
		extractor: extract.New(),
		tracer:    telemetry.Tracer("pipeline"),
		logger:    logger.Named("pipeline"),
	}, nil
}

func (p *Processor) source(slug string) (Source, error) {
	src, ok := p.sources[slug]
	if !ok {
		return Source{}, fmt.Errorf("unknown source %q", slug)
	}
	return src, nil
}

// Admit drops items whose URL is stored, already handed out in this run, or
// currently excluded by the dead-link registry. Each check is one batched
// storage read.
func (p *Processor) Admit(ctx context.Context, source string, items []ingest.WorkItem) (scheduler.Admission, error) {
	var adm scheduler.Admission
	if len(items) == 0 {
		return adm, nil
	}
	urls := make([]string, len(items))
	for i, it := range items {
		urls[i] = it.Target
	}
	part, err := p.dedup.FilterKnown(ctx, urls)
	if err != nil {
		return adm, fmt.Errorf("filter known urls: %w", err)
	}
	eligible, _, err := p.deadLinks.Filter(ctx, part.Fresh)
	if err != nil {
		return adm, fmt.Errorf("filter dead links: %w", err)
	}

	stored := toSet(part.Stored)
	fresh := toSet(part.Fresh)
	open := toSet(eligible)
	for _, it := range items {
		switch {
		case stored[it.Target]:
			adm.Rejected = append(adm.Rejected, scheduler.Rejection{Item: it, Reason: scheduler.RejectStored})
		case open[it.Target]:
			adm.Accepted = append(adm.Accepted, it)
			// Later copies in the same batch are repeats.
			delete(open, it.Target)
			delete(fresh, it.Target)
		case fresh[it.Target]:
			adm.Rejected = append(adm.Rejected, scheduler.Rejection{Item: it, Reason: scheduler.RejectDead})
			delete(fresh, it.Target)
		default:
			adm.Rejected = append(adm.Rejected, scheduler.Rejection{Item: it, Reason: scheduler.RejectRepeated})
		}
	}
	p.logger.Debug("admission",
		zap.String("source", source),
		zap.Int("accepted", len(adm.Accepted)),
		zap.Int("rejected", len(adm.Rejected)),
	)
	return adm, nil
}

// Handle fetches item and processes the page according to its kind.
func (p *Processor) Handle(ctx context.Context, item ingest.WorkItem) (scheduler.Result, error) {
	src, err := p.source(item.Source)
	if err != nil {
		return scheduler.Result{}, err
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("source", item.Source),
		attribute.String("kind", string(item.Kind)),
		attribute.String("url", item.Target),
		attribute.Int("attempt", item.Attempt),
	))
	defer span.End()

	page, err := p.deps.Fetcher.Fetch(ctx, ingest.FetchRequest{
		URL:    item.Target,
		Source: item.Source,
		Render: src.Config.Render,
	})
	if err != nil {
		if ctx.Err() != nil {
			return scheduler.Result{}, fmt.Errorf("fetch %s: %w", item.Target, ctx.Err())
		}
		kind := ingest.Classify(err)
		span.SetStatus(codes.Error, string(kind))
		if kind.IsContent() {
			p.logger.Debug("empty page", zap.String("source", item.Source), zap.String("url", item.Target))
			return scheduler.Result{Status: scheduler.StatusRejected, Failure: kind}, nil
		}
		p.logger.Debug("fetch failed",
			zap.String("source", item.Source),
			zap.String("url", item.Target),
			zap.String("failure", string(kind)),
			zap.Error(err),
		)
		return scheduler.Result{Status: scheduler.StatusFailed, Failure: kind}, nil
	}

	var res scheduler.Result
	if item.Kind.IsArticle() {
		res, err = p.article(ctx, src, item, page)
	} else {
		res = p.listing(src, item, page)
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	return res, err
}

// listing turns a discovery page into article items. Feeds are parsed as
// feeds; a feed URL that turns out to be HTML is read as a listing.
func (p *Processor) listing(src Source, item ingest.WorkItem, page ingest.Page) scheduler.Result {
	log := p.logger.With(zap.String("source", item.Source), zap.String("url", item.Target))
	if item.Kind == ingest.KindLatest && item.Section == backfill.SectionFeed {
		entries, err := extract.Feed(page.Body)
		if err == nil {
			links := make([]ingest.WorkItem, 0, len(entries))
			for _, e := range entries {
				if extract.SkipURL(e.URL) || !src.Config.AllowsURL(e.URL) {
					continue
				}
				links = append(links, ingest.WorkItem{
					Kind:      ingest.KindArticle,
					Target:    e.URL,
					TitleHint: e.Title,
					FeedDate:  e.Published,
					FeedImage: e.Image,
				})
			}
			log.Debug("feed read", zap.Int("entries", len(entries)), zap.Int("links", len(links)))
			return scheduler.Result{Status: scheduler.StatusListed, Found: true, Links: links}
		}
		log.Debug("feed unparseable, reading as listing", zap.Error(err))
	}

	found, err := extract.Links(page, src.Config)
	if err != nil {
		log.Debug("listing unparseable", zap.Error(err))
		return scheduler.Result{Status: scheduler.StatusListed}
	}
	links := make([]ingest.WorkItem, 0, len(found))
	for _, l := range found {
		links = append(links, ingest.WorkItem{Kind: ingest.KindArticle, Target: l.URL, TitleHint: l.Title})
	}
	return scheduler.Result{Status: scheduler.StatusListed, Found: len(links) > 0, Links: links}
}

// article validates and stores one candidate. Only storage failures are
// returned as errors.
func (p *Processor) article(ctx context.Context, src Source, item ingest.WorkItem, page ingest.Page) (scheduler.Result, error) {
	log := p.logger.With(zap.String("source", item.Source), zap.String("url", item.Target))
	reject := func(found bool, reason error) (scheduler.Result, error) {
		log.Debug("article rejected", zap.Error(reason))
		return scheduler.Result{Status: scheduler.StatusRejected, Found: found}, nil
	}

	cand, err := p.extractor.Article(page, src.Config, item)
	switch {
	case errors.Is(err, extract.ErrNoContent):
		return scheduler.Result{Status: scheduler.StatusRejected, Failure: ingest.FailureEmpty}, nil
	case err != nil:
		return reject(false, err)
	}
	if cand.Title == "" {
		return reject(true, ingest.ErrNoTitle)
	}
	if utf8.RuneCountInString(cand.Content) < p.cfg.MinLength {
		return reject(false, ingest.ErrContentTooShort)
	}
	published, signal, err := p.resolver.Resolve(cand.Signals, src.Dates)
	if err != nil {
		return reject(true, err)
	}

	storeURL := cand.URL
	if item.Kind == ingest.KindIdentifier {
		storeURL = cand.CanonicalURL()
	}
	p.dedup.MarkSeen(cand.CanonicalURL())
	dup, reason, err := p.dedup.IsDuplicate(ctx, src.Identity, cand)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("check duplicate %s: %w", storeURL, err)
	}
	if dup {
		log.Debug("duplicate", zap.String("reason", string(reason)))
		return scheduler.Result{Status: scheduler.StatusDuplicate, Found: true}, nil
	}

	id, err := p.deps.IDs.NewRawID()
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("generate article id: %w", err)
	}
	art := ingest.Article{
		ID:              id,
		SourceID:        src.Identity.ID,
		URL:             storeURL,
		Title:           cand.Title,
		NormalizedTitle: dedup.NormalizeTitle(cand.Title),
		Content:         cand.Content,
		Excerpt:         cand.Excerpt,
		Author:          cand.Author,
		ImageURL:        cand.ImageURL,
		Language:        src.Identity.Language,
		PublishedAt:     published,
		CreatedAt:       p.deps.Clock.Now(),
	}
	art.BlobURI = p.archive(ctx, src, art, page)

	created, err := p.deps.Store.UpsertArticle(ctx, art)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("store article %s: %w", storeURL, err)
	}
	if created == ingest.Duplicate {
		log.Debug("duplicate", zap.String("reason", "storage"))
		return scheduler.Result{Status: scheduler.StatusDuplicate, Found: true}, nil
	}

	for _, u := range uniq(item.Target, storeURL) {
		if err := p.deadLinks.RecordSuccess(ctx, u); err != nil {
			return scheduler.Result{}, fmt.Errorf("clear dead link %s: %w", u, err)
		}
	}
	p.publish(ctx, src, art)
	log.Debug("article stored",
		zap.String("article_id", art.ID.String()),
		zap.String("date_signal", string(signal)),
		zap.Time("published_at", published),
	)
	return scheduler.Result{Status: scheduler.StatusAccepted, Found: true}, nil
}

// Escalate records a final fetch failure. Content problems never mark a
// URL dead.
func (p *Processor) Escalate(ctx context.Context, item ingest.WorkItem, failure ingest.FailureKind) error {
	if failure.IsContent() || failure == ingest.FailureNone {
		return nil
	}
	src, err := p.source(item.Source)
	if err != nil {
		return err
	}
	if _, err := p.deadLinks.RecordFailure(ctx, item.Target, src.Identity, failure); err != nil {
		return fmt.Errorf("record dead link %s: %w", item.Target, err)
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, src Source, art ingest.Article) {
	if p.deps.Publisher == nil {
		return
	}
	evt := ingest.ArticleEvent{
		ArticleID:   art.ID.String(),
		RunID:       p.cfg.RunID,
		Source:      src.Identity.Slug,
		URL:         art.URL,
		Title:       art.Title,
		PublishedAt: art.PublishedAt,
		BlobURI:     art.BlobURI,
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, evt); err != nil {
		p.logger.Warn("publish article event",
			zap.String("source", src.Identity.Slug),
			zap.String("url", art.URL),
			zap.Error(err),
		)
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

func uniq(a, b string) []string {
	if a == b || b == "" {
		return []string{a}
	}
	return []string{a, b}
}

var _ scheduler.Handler = (*Processor)(nil)
