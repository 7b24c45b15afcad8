package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tile.pbf":
			assert.Equal(t, "application/x-protobuf", r.Header.Get("Accept"))
			w.Header().Set("Cache-Control", "public, max-age=60")
			w.Header().Set("ETag", `"t1"`)
			w.Write([]byte("tile"))
		case "/cached.json":
			if r.Header.Get("If-None-Match") == `"s1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Write([]byte("style"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{Timeout: 5 * time.Second, MaxConcurrentRequests: 2, RequestsPerSecond: 100})
	ctx := context.Background()

	res, err := f.Fetch(ctx, FetchRequest{URL: srv.URL + "/tile.pbf", Accept: "application/x-protobuf"})
	require.NoError(t, err)
	assert.Equal(t, "tile", string(res.Body))
	assert.Equal(t, `"t1"`, res.ETag)
	assert.WithinDuration(t, time.Now().Add(time.Minute), res.Expires, 5*time.Second)

	res, err = f.Fetch(ctx, FetchRequest{URL: srv.URL + "/cached.json", ETag: `"s1"`})
	require.NoError(t, err)
	assert.True(t, res.NotModified)

	_, err = f.Fetch(ctx, FetchRequest{URL: srv.URL + "/nope"})
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))

	_, err = f.Fetch(ctx, FetchRequest{URL: srv.URL + "/busy"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPFetcherBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{MaxBodyBytes: 1024})
	_, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	assert.Error(t, err)
}

func TestHTTPFetcherCanceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	f := NewHTTPFetcher(HTTPFetcherConfig{})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, FetchRequest{URL: srv.URL})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsTransient(err))
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after cancel")
	}
}

func TestExpiresFromHeaders(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		headers map[string]string
		want    time.Time
	}{
		{"none", nil, time.Time{}},
		{"max-age", map[string]string{"Cache-Control": "public, max-age=300"}, now.Add(5 * time.Minute)},
		{"s-maxage", map[string]string{"Cache-Control": "s-maxage=10"}, now.Add(10 * time.Second)},
		{"no-cache", map[string]string{"Cache-Control": "no-cache"}, now},
		{"max-age wins", map[string]string{
			"Cache-Control": "max-age=60",
			"Expires":       "Wed, 01 May 2024 12:00:00 GMT",
		}, now.Add(time.Minute)},
		{"expires", map[string]string{"Expires": "Wed, 01 May 2024 12:00:00 GMT"}, now.Add(2 * time.Hour)},
		{"bad expires", map[string]string{"Expires": "0"}, now},
		{"bad max-age", map[string]string{"Cache-Control": "max-age=soon"}, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got := expiresFromHeaders(h, now)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{ErrOffline, true},
		{&HTTPError{StatusCode: 500}, true},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 403}, false},
		{fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 404}), false},
		{context.Canceled, false},
		{ErrCanceled, false},
		{ErrClosed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}
