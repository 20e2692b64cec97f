// Package collyfetcher implements the downloader's HTTP fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/se7ensam/orion-AI/internal/ingest"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 50 << 20
)

// Config controls the collector used for EDGAR requests.
type Config struct {
	// UserAgent must identify the operator; EDGAR rejects anonymous agents.
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// Headers are added to every request.
	Headers http.Header
}

// Fetcher issues single GET requests through a cloned Colly collector. Every
// HTTP status comes back as a Response so the downloader can classify it;
// only transport failures and bodies over MaxBodySize are errors.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// callbackRegistrar is the subset of *colly.Collector a visit hooks into.
type callbackRegistrar interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	base := colly.NewCollector()
	base.WithTransport(edgarTransport())
	base.SetRequestTimeout(cfg.Timeout)
	// Colly truncates silently at the limit; one extra byte exposes the overflow.
	base.MaxBodySize = cfg.MaxBodySize + 1
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, base: base}
}

// visit collects the outcome of one request.
type visit struct {
	headers http.Header
	start   time.Time
	// limit is the largest accepted body in bytes; zero disables the check.
	limit   int
	resp    ingest.Response
	err     error
}

func (v *visit) register(r callbackRegistrar) {
	r.OnRequest(func(req *colly.Request) {
		for key, values := range v.headers {
			for _, value := range values {
				req.Headers.Add(key, value)
			}
		}
	})
	r.OnResponse(func(res *colly.Response) {
		if v.limit > 0 && len(res.Body) > v.limit {
			v.err = fmt.Errorf("%w: body exceeds %d bytes", ingest.ErrDocumentTooLarge, v.limit)
			return
		}
		v.resp = ingest.Response{
			URL:        res.Request.URL.String(),
			StatusCode: res.StatusCode,
			Headers:    res.Headers.Clone(),
			Body:       append([]byte(nil), res.Body...),
			Duration:   time.Since(v.start),
		}
	})
	r.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}

// Fetch performs one GET of url. It returns early with ctx's error when ctx
// is done before the response arrives.
func (f *Fetcher) Fetch(ctx context.Context, url string) (ingest.Response, error) {
	v := &visit{headers: f.cfg.Headers, start: time.Now(), limit: f.cfg.MaxBodySize}
	c := f.base.Clone()
	v.register(c)

	done := make(chan error, 1)
	go func() { done <- c.Visit(url) }()

	select {
	case <-ctx.Done():
		return ingest.Response{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	case err := <-done:
		switch {
		case err != nil:
			return ingest.Response{}, fmt.Errorf("visit %s: %w", url, err)
		case v.err != nil:
			return ingest.Response{}, fmt.Errorf("fetch %s: %w", url, v.err)
		}
		return v.resp, nil
	}
}

// edgarTransport keeps a small pool of connections to a single host.
func edgarTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       60 * time.Second,
	}
}
