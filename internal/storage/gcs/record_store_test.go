// Package gcs_test contains unit tests for the GCS record store.
package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
	"github.com/markolofsen/unrealon-sdk/internal/storage/gcs"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// newJSONAPIClient creates a storage client whose HTTP traffic is answered by
// respond.
func newJSONAPIClient(t *testing.T, respond func(r *http.Request) (int, string)) *storage.Client {
	t.Helper()

	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				status, body := respond(r)
				return &http.Response{
					StatusCode: status,
					Body:       io.NopCloser(strings.NewReader(body)),
					Header:     make(http.Header),
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}

func TestNew(t *testing.T) {
	client := newJSONAPIClient(t, func(*http.Request) (int, string) {
		return http.StatusOK, `{}`
	})

	t.Run("Valid", func(t *testing.T) {
		store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingClient", func(t *testing.T) {
		_, err := gcs.New(nil, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
		assert.Error(t, err)
	})
	t.Run("MissingBucket", func(t *testing.T) {
		_, err := gcs.New(client, gcs.Config{Session: "books"}, nil)
		assert.Error(t, err)
	})
	t.Run("MissingSession", func(t *testing.T) {
		_, err := gcs.New(client, gcs.Config{Bucket: "test-bucket"}, nil)
		assert.Error(t, err)
	})
}

func TestSaveUploadsRecord(t *testing.T) {
	bucketName := "test-bucket"

	// This handler simulates the GCS JSON API for multipart uploads.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "results/books/bk-1.json", r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"title"`)
		assert.Contains(t, string(body), `"_saved_at"`)

		fmt.Fprintln(w, `{ "name": "results/books/bk-1.json" }`)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := gcs.New(client, gcs.Config{Bucket: bucketName, Prefix: "results", Session: "books"}, nil)
	require.NoError(t, err)

	uri, err := store.Save(context.Background(), delivery.Record{"id": "bk-1", "title": "Dune"})
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/results/books/bk-1.json", uri)
}

func TestSaveRejectsBadIDs(t *testing.T) {
	client := newJSONAPIClient(t, func(*http.Request) (int, string) {
		t.Fatal("no request expected for invalid ids")
		return http.StatusInternalServerError, ""
	})
	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
	require.NoError(t, err)

	for _, id := range []string{"", "a/b", `a\b`} {
		_, err := store.Save(context.Background(), delivery.Record{"id": id})
		assert.Error(t, err, "id %q", id)
	}
}

func TestExists(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		client := newJSONAPIClient(t, func(*http.Request) (int, string) {
			return http.StatusOK, `{"name": "books/bk-1.json", "size": "42"}`
		})
		store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
		require.NoError(t, err)

		ok, err := store.Exists(context.Background(), "bk-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Missing", func(t *testing.T) {
		client := newJSONAPIClient(t, func(*http.Request) (int, string) {
			return http.StatusNotFound, ``
		})
		store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
		require.NoError(t, err)

		ok, err := store.Exists(context.Background(), "bk-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListIDsAndStats(t *testing.T) {
	listing := `{"items": [
		{"name": "books/bk-1.json", "size": "10"},
		{"name": "books/bk-2.json", "size": "20"},
		{"name": "books/nested/skip.json", "size": "5"},
		{"name": "books/notes.txt", "size": "3"}
	]}`
	client := newJSONAPIClient(t, func(r *http.Request) (int, string) {
		assert.Equal(t, "books/", r.URL.Query().Get("prefix"))
		return http.StatusOK, listing
	})
	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
	require.NoError(t, err)

	ids, err := store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bk-1", "bk-2"}, ids)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, parser.StoreStats{Count: 2, Bytes: 30}, stats)
}

func TestClear(t *testing.T) {
	deletes := 0
	client := newJSONAPIClient(t, func(r *http.Request) (int, string) {
		if r.Method == http.MethodDelete {
			deletes++
			return http.StatusNoContent, ``
		}
		return http.StatusOK, `{"items": [
			{"name": "books/bk-1.json", "size": "10"},
			{"name": "books/bk-2.json", "size": "20"}
		]}`
	})
	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Session: "books"}, nil)
	require.NoError(t, err)

	removed, err := store.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, deletes)
}
