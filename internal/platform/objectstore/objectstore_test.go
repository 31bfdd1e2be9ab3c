package objectstore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronk/taskengine/internal/config"
)

// fakeS3 serves a path-style bucket from memory.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	types    map[string]string
	puts     []string
	modified time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets:  make(map[string]bool),
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		modified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodPut:
		f.puts = append(f.puts, path)
		f.types[path] = r.Header.Get("Content-Type")
		f.objects[path] = []byte("stored")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		data, ok := f.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Type", f.types[path])
		w.Header().Set("Last-Modified", f.modified.Format(http.TimeFormat))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, fake *fakeS3) *Client {
	t.Helper()
	return newTestClientWithLimit(t, fake, 0)
}

func newTestClientWithLimit(t *testing.T, fake *fakeS3, maxSize int64) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(config.ObjectStoreConfig{
		Endpoint:      strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:     "access",
		SecretKey:     "secret",
		Bucket:        "media",
		MaxObjectSize: maxSize,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.ObjectStoreConfig{Bucket: "media"}, nil)
	assert.Error(t, err)

	_, err = New(config.ObjectStoreConfig{Endpoint: "localhost:9000"}, nil)
	assert.Error(t, err)

	c, err := New(config.ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "media"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "media", c.Bucket())
}

func TestClient_EnsureBucket(t *testing.T) {
	fake := newFakeS3()
	c := newTestClient(t, fake)

	require.NoError(t, c.EnsureBucket(context.Background()))
	assert.True(t, fake.buckets["media"])

	require.NoError(t, c.EnsureBucket(context.Background()))
}

func TestClient_Get(t *testing.T) {
	fake := newFakeS3()
	fake.objects["media/images/a.png"] = []byte("png-bytes")
	fake.types["media/images/a.png"] = "image/png"
	c := newTestClient(t, fake)

	data, contentType, err := c.Get(context.Background(), "images/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", contentType)

	_, _, err = c.Get(context.Background(), "images/missing.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestClient_GetTooLarge(t *testing.T) {
	fake := newFakeS3()
	fake.objects["media/images/big.png"] = []byte("png-bytes")
	fake.types["media/images/big.png"] = "image/png"
	c := newTestClientWithLimit(t, fake, 4)

	_, _, err := c.Get(context.Background(), "images/big.png")
	assert.ErrorIs(t, err, ErrObjectTooLarge)

	fake.objects["media/images/small.png"] = []byte("png")
	data, _, err := c.Get(context.Background(), "images/small.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestClient_Put(t *testing.T) {
	fake := newFakeS3()
	c := newTestClient(t, fake)

	err := c.Put(context.Background(), "images/a_128.png", []byte("variant"), "image/png")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"media/images/a_128.png"}, fake.puts)
	assert.Equal(t, "image/png", fake.types["media/images/a_128.png"])
}
