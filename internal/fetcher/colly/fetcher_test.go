package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

func TestNewConfiguresCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "news-agent", RespectRobots: true})
	assert.Equal(t, "news-agent", f.base.UserAgent)
	assert.False(t, f.base.IgnoreRobotsTxt)
	assert.True(t, f.base.ParseHTTPErrorResponse)
	assert.True(t, f.base.AllowURLRevisit)
	assert.Equal(t, defaultMaxBytes, f.base.MaxBodySize)
	assert.Equal(t, defaultTimeout, f.cfg.Timeout)

	f = New(Config{Timeout: time.Second, MaxBodyBytes: 1024})
	assert.True(t, f.base.IgnoreRobotsTxt)
	assert.Equal(t, 1024, f.base.MaxBodySize)
}

func TestRegisterHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	v := &visit{start: time.Unix(0, 0)}
	hooks := &stubHooks{}
	f.register(hooks, v)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	assert.Contains(t, collyReq.Headers.Get("Accept"), "application/rss+xml")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://daily.test/final")},
	})
	assert.Equal(t, http.StatusOK, v.page.StatusCode)
	assert.Equal(t, "body", string(v.page.Body))
	assert.Equal(t, "https://daily.test/final", v.page.FinalURL)
	assert.Equal(t, "text/html", v.page.ContentType)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	assert.EqualError(t, v.err, "boom")
	assert.Equal(t, http.StatusBadGateway, v.page.StatusCode)
}

func TestIsBinary(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"text/html; charset=utf-8": false,
		"application/rss+xml":      false,
		"":                         false,
		"image/jpeg":               true,
		" Application/PDF":         true,
		"video/mp4":                true,
	}
	for ct, want := range tests {
		assert.Equal(t, want, isBinary(ct), ct)
	}
}

func TestFetchClassifiesResponses(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/photo.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	})
	status := func(code int) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte("error page"))
		}
	}
	mux.HandleFunc("/missing", status(http.StatusNotFound))
	mux.HandleFunc("/forbidden", status(http.StatusForbidden))
	mux.HandleFunc("/broken", status(http.StatusBadGateway))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	ctx := context.Background()

	page, err := f.Fetch(ctx, ingest.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, srv.URL+"/ok", page.URL)
	assert.Contains(t, string(page.Body), "hello")

	page, err = f.Fetch(ctx, ingest.FetchRequest{URL: srv.URL + "/moved"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/moved", page.URL)
	assert.Equal(t, srv.URL+"/ok", page.FinalURL)

	// Revisiting the same URL must work for retries.
	_, err = f.Fetch(ctx, ingest.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)

	cases := map[string]ingest.FailureKind{
		"/missing":   ingest.FailureNotFound,
		"/forbidden": ingest.FailureBlocked,
		"/broken":    ingest.FailureServerError,
		"/empty":     ingest.FailureEmpty,
		"/photo.jpg": ingest.FailureEmpty,
	}
	for path, want := range cases {
		_, err := f.Fetch(ctx, ingest.FetchRequest{URL: srv.URL + path})
		var fe *ingest.FetchError
		require.ErrorAs(t, err, &fe, path)
		assert.Equal(t, want, fe.Kind, path)
	}
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, ingest.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
