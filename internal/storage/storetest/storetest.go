// Package storetest holds the behaviour every ingest.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Factory opens an empty store seeded with sources.
type Factory func(t *testing.T, sources []ingest.Source) ingest.Store

var (
	srcEN    = ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-000000000001"), Slug: "daily-en", Name: "Daily", Language: "en", URL: "https://daily.example", Active: true}
	srcEN2   = ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-000000000002"), Slug: "mirror-en", Name: "Mirror", Language: "en", URL: "https://mirror.example", Active: true}
	srcSI    = ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-000000000003"), Slug: "lanka-si", Name: "Lanka", Language: "si", URL: "https://lanka.example", Active: true}
	srcIdle  = ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-000000000004"), Slug: "idle", Name: "Idle", Language: "en", URL: "https://idle.example"}
	baseTime = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
)

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	sources := []ingest.Source{srcEN, srcEN2, srcSI, srcIdle}

	t.Run("ActiveSources", func(t *testing.T) {
		t.Parallel()
		s := newStore(t, sources)
		got, err := s.ActiveSources(context.Background())
		require.NoError(t, err)
		slugs := make([]string, 0, len(got))
		for _, src := range got {
			slugs = append(slugs, src.Slug)
		}
		assert.ElementsMatch(t, []string{"daily-en", "mirror-en", "lanka-si"}, slugs)
	})

	t.Run("UpsertSource", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := newStore(t, sources)
		w, ok := s.(ingest.SourceWriter)
		if !ok {
			t.Skip("store does not register sources")
		}
		renamed := srcEN
		renamed.ID = uuid.MustParse("00000000-0000-7000-8000-0000000000aa")
		renamed.Name = "Daily Renamed"
		require.NoError(t, w.UpsertSource(ctx, renamed))
		fresh := ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-000000000005"), Slug: "fresh", Name: "Fresh", Language: "ta", Active: true}
		require.NoError(t, w.UpsertSource(ctx, fresh))

		got, err := s.ActiveSources(ctx)
		require.NoError(t, err)
		bySlug := make(map[string]ingest.Source)
		for _, src := range got {
			bySlug[src.Slug] = src
		}
		require.Contains(t, bySlug, "fresh")
		assert.Equal(t, "Daily Renamed", bySlug["daily-en"].Name)
		assert.Equal(t, srcEN.ID, bySlug["daily-en"].ID)
	})

	t.Run("UpsertArticleIsIdempotent", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := newStore(t, sources)
		a := article(srcEN, "https://daily.example/a", "budget passes", baseTime)

		res, err := s.UpsertArticle(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, ingest.Created, res)

		a.ID = uuid.MustParse("00000000-0000-7000-8000-0000000000ff")
		res, err = s.UpsertArticle(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, ingest.Duplicate, res)

		ok, err := s.ArticleExists(ctx, a.URL)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.ArticleExists(ctx, "https://daily.example/missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ExistingURLs", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := newStore(t, sources)
		for _, u := range []string{"https://daily.example/1", "https://daily.example/2"} {
			_, err := s.UpsertArticle(ctx, article(srcEN, u, "title "+u, baseTime))
			require.NoError(t, err)
		}
		got, err := s.ExistingURLs(ctx, []string{"https://daily.example/1", "https://daily.example/3", "https://daily.example/2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"https://daily.example/1": true, "https://daily.example/2": true}, got)

		got, err = s.ExistingURLs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("TitlesSince", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := newStore(t, sources)
		seed := []ingest.Article{
			article(srcEN, "https://daily.example/old", "old story", baseTime.AddDate(0, 0, -10)),
			article(srcEN, "https://daily.example/new", "new story", baseTime),
			article(srcEN2, "https://mirror.example/new", "mirror story", baseTime),
			article(srcSI, "https://lanka.example/new", "sinhala story", baseTime),
		}
		for _, a := range seed {
			_, err := s.UpsertArticle(ctx, a)
			require.NoError(t, err)
		}
		since := baseTime.AddDate(0, 0, -7)

		got, err := s.TitlesSince(ctx, ingest.TitleScope{SourceID: srcEN.ID}, since)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"new story"}, got)

		got, err = s.TitlesSince(ctx, ingest.TitleScope{SourceID: srcEN.ID, Language: "en"}, since)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"new story", "mirror story"}, got)
	})

	t.Run("DeadLinks", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := newStore(t, sources)
		rec := ingest.DeadLinkRecord{
			URL:            "https://daily.example/gone",
			SourceID:       srcEN.ID,
			ErrorType:      ingest.FailureTimeout,
			RetryCount:     2,
			FirstFailedAt:  baseTime.Add(-time.Hour),
			LastFailedAt:   baseTime,
			NextEligibleAt: baseTime.AddDate(0, 0, 14),
		}
		require.NoError(t, s.UpsertDeadLink(ctx, rec))

		rec.RetryCount = 3
		rec.Permanent = true
		rec.NextEligibleAt = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertDeadLink(ctx, rec))

		got, err := s.DeadLinks(ctx, []string{rec.URL, "https://daily.example/fine"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		stored := got[rec.URL]
		assert.Equal(t, rec.URL, stored.URL)
		assert.Equal(t, rec.SourceID, stored.SourceID)
		assert.Equal(t, ingest.FailureTimeout, stored.ErrorType)
		assert.Equal(t, 3, stored.RetryCount)
		assert.True(t, stored.Permanent)
		assert.True(t, rec.FirstFailedAt.Equal(stored.FirstFailedAt), "first failed %v", stored.FirstFailedAt)
		assert.True(t, rec.NextEligibleAt.Equal(stored.NextEligibleAt), "next eligible %v", stored.NextEligibleAt)

		require.NoError(t, s.DeleteDeadLink(ctx, rec.URL))
		require.NoError(t, s.DeleteDeadLink(ctx, rec.URL))
		got, err = s.DeadLinks(ctx, []string{rec.URL})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func article(src ingest.Source, url, title string, published time.Time) ingest.Article {
	return ingest.Article{
		ID:              uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)),
		SourceID:        src.ID,
		URL:             url,
		Title:           title,
		NormalizedTitle: title,
		Content:         "body of " + title,
		Excerpt:         "excerpt",
		Language:        src.Language,
		PublishedAt:     published,
		CreatedAt:       published,
	}
}
