package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// FetchRequest is one outgoing network request.
type FetchRequest struct {
	URL    string
	Accept string
	// ETag of a stale cached copy, sent for revalidation.
	ETag string
}

// FetchResult carries the body and the freshness headers of a response.
type FetchResult struct {
	Body        []byte
	ETag        string
	Modified    time.Time
	Expires     time.Time
	NotModified bool
}

// Fetcher performs network requests for the file source.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

type HTTPFetcherConfig struct {
	Timeout               time.Duration
	MaxConcurrentRequests int
	RequestsPerSecond     float64
	MaxBodyBytes          int64
	UserAgent             string
}

// HTTPFetcher fetches over HTTP with bounded concurrency and an optional
// request rate limit.
type HTTPFetcher struct {
	client    *http.Client
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	maxBody   int64
	userAgent string
	now       func() time.Time
}

func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	if cfg.MaxConcurrentRequests < 1 {
		cfg.MaxConcurrentRequests = 8
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.MaxConcurrentRequests
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		limiter:   rate.NewLimiter(limit, burst),
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
		now:       time.Now,
	}
}

var _ Fetcher = (*HTTPFetcher)(nil)

func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return FetchResult{}, err
	}
	defer f.sem.Release(1)

	if err := f.limiter.Wait(ctx); err != nil {
		return FetchResult{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	if req.Accept != "" {
		hreq.Header.Set("Accept", req.Accept)
	}
	if req.ETag != "" {
		hreq.Header.Set("If-None-Match", req.ETag)
	}
	if f.userAgent != "" {
		hreq.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	res := FetchResult{
		ETag:    resp.Header.Get("ETag"),
		Expires: expiresFromHeaders(resp.Header, f.now()),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			res.Modified = t.UTC()
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.NotModified = true
		return res, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchResult{}, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return FetchResult{}, fmt.Errorf("response body exceeds %d bytes", f.maxBody)
	}
	res.Body = body
	return res, nil
}

// expiresFromHeaders derives an absolute expiry. Cache-Control wins over
// Expires. A zero time means the response did not say.
func expiresFromHeaders(h http.Header, now time.Time) time.Time {
	if cc := h.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-cache", "no-store":
				return now
			case "max-age", "s-maxage":
				secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
				if err != nil || secs < 0 {
					continue
				}
				return now.Add(time.Duration(secs) * time.Second).UTC()
			}
		}
	}
	if exp := h.Get("Expires"); exp != "" {
		t, err := http.ParseTime(exp)
		if err != nil {
			// Invalid Expires means already expired.
			return now
		}
		return t.UTC()
	}
	return time.Time{}
}
