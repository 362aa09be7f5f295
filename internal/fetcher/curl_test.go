package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body>
			<img src="/img/logo.png"><img src="photo.jpg">
			<a href="/about">about</a><a href="https://other.com/x">x</a>
		</body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCurlFetcher_FetchPage(t *testing.T) {
	srv := newSite(t)
	f := NewCurlFetcher(CurlOptions{Timeout: 5 * time.Second, UserAgent: "image-crawler-test"})

	page, err := f.FetchPage(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, []string{srv.URL + "/img/logo.png", srv.URL + "/photo.jpg"}, page.ImageSrcs)
	assert.Equal(t, []string{srv.URL + "/about", "https://other.com/x"}, page.LinkHrefs)
}

func TestCurlFetcher_ErrorStatus(t *testing.T) {
	srv := newSite(t)
	f := NewCurlFetcher(CurlOptions{Timeout: 5 * time.Second})

	_, err := f.FetchPage(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrFetch)
}

func TestCurlFetcher_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><img src="/a.png"></body></html>`))
	}))
	defer srv.Close()
	f := NewCurlFetcher(CurlOptions{Timeout: 5 * time.Second, RetryAttempts: 2, RetryDelay: 10 * time.Millisecond})

	page, err := f.FetchPage(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/a.png"}, page.ImageSrcs)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCurlFetcher_Closed(t *testing.T) {
	srv := newSite(t)
	f := NewCurlFetcher(CurlOptions{})
	require.NoError(t, f.Close())

	_, err := f.FetchPage(context.Background(), srv.URL)
	assert.ErrorIs(t, err, crawler.ErrResourceClosed)
}

func TestCurlFetcher_CancelledContext(t *testing.T) {
	srv := newSite(t)
	f := NewCurlFetcher(CurlOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.FetchPage(ctx, srv.URL)
	assert.ErrorIs(t, err, crawler.ErrFetch)
	assert.ErrorIs(t, err, context.Canceled)
}
