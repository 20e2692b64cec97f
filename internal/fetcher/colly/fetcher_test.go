package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/se7ensam/orion-AI/internal/ingest"
)

func TestFetchReturnsBodyAndUserAgent(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("<html>6-K</html>"))
	}))
	defer srv.Close()

	f := New(Config{
		UserAgent: "Orion Research ops@orion.example",
		Timeout:   time.Second,
		Headers:   http.Header{"X-Trace": {"yes"}},
	})
	resp, err := f.Fetch(context.Background(), srv.URL+"/filing.txt")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>6-K</html>", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	got := <-seen
	assert.Equal(t, "Orion Research ops@orion.example", got.Get("User-Agent"))
	assert.Equal(t, "yes", got.Get("X-Trace"))
}

func TestFetchReportsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusNotFound, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		f := New(Config{Timeout: time.Second})
		resp, err := f.Fetch(context.Background(), srv.URL)
		srv.Close()
		require.NoError(t, err, "status %d", status)
		assert.Equal(t, status, resp.StatusCode)
	}
}

func TestFetchAllowsRevisits(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestFetchTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), addr)
	require.Error(t, err)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/small" {
			_, _ = w.Write([]byte("0123456789"))
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second, MaxBodySize: 10})

	_, err := f.Fetch(context.Background(), srv.URL+"/large")
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrDocumentTooLarge)

	resp, err := f.Fetch(context.Background(), srv.URL+"/small")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(resp.Body))
}

func TestVisitCallbacks(t *testing.T) {
	t.Parallel()

	v := &visit{headers: http.Header{"X-Trace": {"yes"}}, start: time.Unix(0, 0)}
	hooks := &stubHooks{}
	v.register(hooks)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://www.sec.gov/x.txt"),
		},
	})
	assert.Equal(t, http.StatusCreated, v.resp.StatusCode)
	assert.Equal(t, "body", string(v.resp.Body))
	assert.Equal(t, "ok", v.resp.Headers.Get("X-Resp"))
	assert.Equal(t, "https://www.sec.gov/x.txt", v.resp.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, v.err, "boom")
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	assert.Equal(t, defaultTimeout, f.cfg.Timeout)
	assert.Equal(t, defaultMaxBodySize, f.cfg.MaxBodySize)
	assert.Equal(t, defaultMaxBodySize+1, f.base.MaxBodySize)
	assert.True(t, f.base.ParseHTTPErrorResponse)
	assert.True(t, f.base.AllowURLRevisit)
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
