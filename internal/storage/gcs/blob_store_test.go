package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/news-ingest/internal/storage/gcs"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}
}

func clientOptions(rt roundTripperFunc) []option.ClientOption {
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "raw"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = gcs.New(client, gcs.Config{})
	require.ErrorContains(t, err, "archive.bucket is required")
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
		body string
	)
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.URL.Path)
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			body = string(b)
		}
		return respond(r, http.StatusOK, `{"name":"raw/daily/2024-06-10/abc.html","bucket":"news-archive"}`), nil
	})

	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: "news-archive", Prefix: "/raw/"}, clientOptions(rt)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	uri, err := store.PutObject(context.Background(), "daily/2024-06-10/abc.html", "text/html", bytes.NewReader([]byte("<html>page</html>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://news-archive/raw/daily/2024-06-10/abc.html", uri)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Contains(t, seen[0], "/b/news-archive/o")
	assert.Contains(t, body, "<html>page</html>")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return respond(r, http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`), nil
	})
	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: "news-archive"}, clientOptions(rt)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.PutObject(context.Background(), "a.html", "text/html", bytes.NewReader([]byte("x")))
	require.ErrorContains(t, err, "a.html")

	_, err = store.PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestOpenVerifiesBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "exists", status: http.StatusOK},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				assert.Contains(t, r.URL.Path, "/storage/v1/b/news-archive")
				if tt.status != http.StatusOK {
					return respond(r, tt.status, fmt.Sprintf(`{"error":{"code":%d}}`, tt.status)), nil
				}
				return respond(r, tt.status, `{"name":"news-archive"}`), nil
			})
			store, err := gcs.Open(context.Background(), gcs.Config{Bucket: "news-archive", VerifyBucket: true}, clientOptions(rt)...)
			if tt.wantErr {
				require.ErrorContains(t, err, "news-archive")
				return
			}
			require.NoError(t, err)
			require.NoError(t, store.Close())
		})
	}
}
