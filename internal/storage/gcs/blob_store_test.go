package gcs

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
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL+"/storage/v1/"), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "exports"})
	require.NoError(t, err)
	require.NoError(t, store.Close(), "borrowed clients are left open")

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const object = "geojson/city-1.geojson"
	payload := `{"type":"FeatureCollection","features":[]}`
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/exports/o")
		assert.Equal(t, object, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), payload)
		assert.Contains(t, string(body), "application/geo+json")
		fmt.Fprintln(w, `{"name": "`+object+`", "bucket": "exports"}`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "exports"})
	require.NoError(t, err)
	uri, err := store.PutObject(context.Background(), object, "application/geo+json", strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://exports/"+object, uri)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store, err := New(newTestClient(t, failing), Config{Bucket: "exports"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.geojson", "", strings.NewReader("{}"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/b/exports") {
			fmt.Fprintln(w, `{"name": "exports"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opts := []option.ClientOption{option.WithEndpoint(server.URL + "/storage/v1/"), option.WithoutAuthentication()}

	store, err := Open(context.Background(), Config{Bucket: "exports"}, opts...)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(context.Background(), Config{Bucket: "missing"}, opts...)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to get GCS bucket")
}
