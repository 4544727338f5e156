package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

func newTestPublisher(t *testing.T, topics ...string) (*Publisher, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "news-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	for _, id := range topics {
		_, err := client.CreateTopic(ctx, id)
		require.NoError(t, err)
	}
	pub, err := New(client, "article.created", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishArticleEvent(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t, "article.created")
	evt := ingest.ArticleEvent{
		ArticleID:   "0190a3c4-0000-7000-8000-000000000001",
		RunID:       "run-1",
		Source:      "daily-en",
		URL:         "https://daily.example/a",
		Title:       "Budget passes",
		PublishedAt: time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := pub.Publish(ctx, "", evt)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got ingest.ArticleEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, evt, got)
}

func TestPublishUnknownTopic(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := pub.Publish(ctx, "missing", map[string]string{"k": "v"})
	require.ErrorContains(t, err, "publish to missing")
}

func TestPublishRejectsBadPayload(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t, "article.created")
	_, err := pub.Publish(context.Background(), "article.created", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "article.created", nil)
	require.Error(t, err)
	_, err = Open(context.Background(), Config{}, nil)
	require.ErrorContains(t, err, "pubsub.project_id is required")
}

func TestAttributeCarrierInjectsTraceContext(t *testing.T) {
	t.Parallel()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	attrs := make(map[string]string)
	propagation.TraceContext{}.Inject(ctx, attributeCarrier(attrs))

	require.Contains(t, attrs, "traceparent")
	assert.Equal(t, []string{"traceparent"}, attributeCarrier(attrs).Keys())
	extracted := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(context.Background(), attributeCarrier(attrs)))
	assert.Equal(t, sc.TraceID(), extracted.TraceID())
}
