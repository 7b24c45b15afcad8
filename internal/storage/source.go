// Package storage implements the caching network file source: requests for
// the same resource share one cache lookup and one network fetch, and every
// completion is delivered on the source's loop.
package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilepipe/internal/cache"
	"tilepipe/internal/loop"
	"tilepipe/internal/metrics"
	"tilepipe/internal/resource"
)

// Response is the outcome of a request.
type Response struct {
	Data []byte
	Err  error
	// Expires is the expiry of the delivered body, zero if unknown.
	Expires time.Time
	// FromCache is set when the body came from the persistent cache.
	FromCache bool
	// Stale is set when an expired cached body was served because the
	// network could not be reached.
	Stale bool
}

// Callback receives a response on the source's loop.
type Callback func(Response)

// Request is a handle for one logical fetch. The source only holds a weak
// reference to it: a handle that is dropped without Cancel simply stops
// receiving its callback.
type Request struct {
	id       uuid.UUID
	res      resource.Resource
	cb       Callback
	src      *Source
	canceled atomic.Bool
	done     atomic.Bool
}

func (r *Request) ID() string { return r.id.String() }

func (r *Request) Resource() resource.Resource { return r.res }

// Cancel detaches the request from its operation. The callback is not
// invoked after Cancel returns unless it is already running. Cancel is
// idempotent and a no-op after delivery.
func (r *Request) Cancel() {
	if r.canceled.Swap(true) || r.done.Load() {
		return
	}
	r.src.loop.Post(func() { r.src.detach(r) })
}

func (r *Request) deliver(resp Response) {
	if r.canceled.Load() || r.done.Swap(true) {
		return
	}
	r.cb(resp)
}

// operation is the shared cache/network work for one resource key.
type operation struct {
	res     resource.Resource
	waiters []weak.Pointer[Request]
	cancel  context.CancelFunc
	// parked operations failed transiently and wait for SetReachability.
	parked bool
}

// live returns the attached requests that are still reachable and not
// canceled, pruning the rest.
func (op *operation) live() []*Request {
	var out []*Request
	kept := op.waiters[:0]
	for _, wp := range op.waiters {
		r := wp.Value()
		if r == nil || r.canceled.Load() {
			continue
		}
		kept = append(kept, wp)
		out = append(out, r)
	}
	op.waiters = kept
	return out
}

type Options struct {
	Store   cache.Store
	Fetcher Fetcher
	Assets  *AssetFetcher
	Loop    *loop.Loop
	// TTL is the freshness assigned to responses without expiry headers.
	TTL         time.Duration
	BaseURL     string
	AccessToken string
}

// Source is the caching network file source.
type Source struct {
	store   cache.Store
	fetcher Fetcher
	assets  *AssetFetcher
	loop    *loop.Loop
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time

	settingsMu  sync.RWMutex
	base        string
	accessToken string
	reachable   atomic.Bool

	// pending and closed are only touched on the loop.
	pending map[string]*operation
	closed  bool

	workers sync.WaitGroup
}

func NewSource(opts Options, log *zap.Logger) *Source {
	store := opts.Store
	if store == nil {
		store = cache.NewNoopStore()
	}
	s := &Source{
		store:       store,
		fetcher:     opts.Fetcher,
		assets:      opts.Assets,
		loop:        opts.Loop,
		ttl:         opts.TTL,
		log:         log.With(zap.String("component", "file_source")),
		now:         time.Now,
		base:        opts.BaseURL,
		accessToken: opts.AccessToken,
		pending:     make(map[string]*operation),
	}
	s.reachable.Store(true)
	return s
}

func (s *Source) SetBase(base string) {
	s.settingsMu.Lock()
	s.base = base
	s.settingsMu.Unlock()
}

func (s *Source) SetAccessToken(token string) {
	s.settingsMu.Lock()
	s.accessToken = token
	s.settingsMu.Unlock()
}

func (s *Source) settings() (base, token string) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.base, s.accessToken
}

// SetReachability records whether the network is usable. Every signal that
// the network is up retries the operations that failed transiently and still
// have waiters, even when the flag was already set.
func (s *Source) SetReachability(reachable bool) {
	s.reachable.Store(reachable)
	if reachable {
		s.loop.Post(s.retryParked)
	}
}

// ClearCache drops every cached record. In-flight operations are unaffected
// and write their results once they complete.
func (s *Source) ClearCache(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		metrics.CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	s.log.Info("Cache cleared")
	return nil
}

// Request starts or joins the fetch of url. The callback runs on the loop.
// The caller must keep the returned handle reachable until the callback has
// run or the handle is canceled.
func (s *Source) Request(kind resource.Kind, rawURL string, cb Callback) *Request {
	base, _ := s.settings()
	req := &Request{id: uuid.New(), cb: cb, src: s}

	res, err := resource.New(kind, base, rawURL)
	if err != nil {
		if !s.loop.Post(func() { req.deliver(Response{Err: err}) }) {
			req.done.Store(true)
		}
		return req
	}
	req.res = res

	s.log.Debug("Request",
		zap.String("id", req.ID()),
		zap.String("kind", kind.String()),
		zap.String("url", res.URL),
	)

	if !s.loop.Post(func() { s.attach(req) }) {
		req.done.Store(true)
		return req
	}
	runtime.AddCleanup(req, func(src *Source) { src.loop.Post(src.prune) }, s)
	return req
}

func (s *Source) attach(req *Request) {
	if s.closed {
		req.deliver(Response{Err: ErrClosed})
		return
	}
	if req.canceled.Load() {
		return
	}

	key := req.res.Key()
	op, ok := s.pending[key]
	if ok {
		op.waiters = append(op.waiters, weak.Make(req))
		metrics.CoalescedRequests.Inc()
		if op.parked {
			// A fresh request for a failed resource is a new attempt.
			s.start(key, op)
		}
		return
	}

	op = &operation{res: req.res, waiters: []weak.Pointer[Request]{weak.Make(req)}}
	s.pending[key] = op
	metrics.PendingOperations.Set(float64(len(s.pending)))
	s.start(key, op)
}

func (s *Source) start(key string, op *operation) {
	ctx, cancel := context.WithCancel(context.Background())
	op.cancel = cancel
	op.parked = false

	_, token := s.settings()
	offline := !s.reachable.Load()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		resp := s.resolve(ctx, op.res, token, offline)
		s.loop.Post(func() { s.complete(key, op, resp) })
	}()
}

// resolve runs off the loop: cache first, then the network, then the cache
// write, in that order.
func (s *Source) resolve(ctx context.Context, res resource.Resource, token string, offline bool) Response {
	if res.IsAsset() {
		data, err := s.assets.Read(ctx, res.AssetPath())
		return Response{Data: data, Err: err}
	}

	log := s.log.With(zap.String("url", res.URL))

	rec, cached, err := s.store.Get(ctx, res.URL)
	if err != nil {
		log.Warn("Cache read failed", zap.Error(err))
		metrics.CacheErrors.WithLabelValues("get").Inc()
		cached = false
	}
	if cached && rec.Fresh(s.now()) {
		metrics.CacheHits.Inc()
		return Response{Data: rec.Body, Expires: rec.Expires, FromCache: true}
	}
	metrics.CacheMisses.Inc()

	if offline {
		if cached {
			return Response{Data: rec.Body, Expires: rec.Expires, FromCache: true, Stale: true}
		}
		return Response{Err: ErrOffline}
	}
	if s.fetcher == nil {
		return Response{Err: ErrOffline}
	}

	freq := FetchRequest{URL: res.WithAccessToken(token), Accept: res.Kind.Accept()}
	if cached {
		freq.ETag = rec.ETag
	}

	started := time.Now()
	fres, err := s.fetcher.Fetch(ctx, freq)
	metrics.FetchDuration.WithLabelValues(res.Kind.String()).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{Err: ErrCanceled}
		}
		class := "permanent"
		if IsTransient(err) {
			class = "transient"
		}
		metrics.FetchErrors.WithLabelValues(res.Kind.String(), class).Inc()
		if cached && class == "transient" {
			log.Info("Serving stale record", zap.Error(err))
			return Response{Data: rec.Body, Expires: rec.Expires, FromCache: true, Stale: true}
		}
		return Response{Err: err}
	}

	next := cache.Record{
		Body:     fres.Body,
		ETag:     fres.ETag,
		Modified: fres.Modified,
		Expires:  fres.Expires,
	}
	if fres.NotModified {
		next.Body = rec.Body
		if next.ETag == "" {
			next.ETag = rec.ETag
		}
		if next.Modified.IsZero() {
			next.Modified = rec.Modified
		}
	}
	if next.Expires.IsZero() && s.ttl > 0 {
		next.Expires = s.now().Add(s.ttl).UTC()
	}

	if err := s.store.Set(ctx, res.URL, next); err != nil {
		log.Warn("Cache write failed", zap.Error(err))
		metrics.CacheErrors.WithLabelValues("set").Inc()
	} else {
		metrics.CacheStores.Inc()
	}

	return Response{Data: next.Body, Expires: next.Expires, FromCache: fres.NotModified}
}

func (s *Source) complete(key string, op *operation, resp Response) {
	if s.closed || s.pending[key] != op {
		return
	}

	waiters := op.live()
	if len(waiters) == 0 {
		s.remove(key)
		return
	}

	if resp.Err != nil && !op.res.IsAsset() && IsTransient(resp.Err) {
		// Keep waiters attached so that a reachability change can retry.
		op.parked = true
		op.cancel()
		s.log.Info("Request failed, waiting for network",
			zap.String("url", op.res.URL),
			zap.Int("waiters", len(waiters)),
			zap.Error(resp.Err),
		)
		for _, r := range waiters {
			r.cb(resp)
		}
		return
	}

	s.remove(key)
	for _, r := range waiters {
		r.deliver(resp)
	}
}

func (s *Source) detach(req *Request) {
	key := req.res.Key()
	op, ok := s.pending[key]
	if !ok {
		return
	}
	if len(op.live()) == 0 {
		op.cancel()
		s.remove(key)
	}
}

// prune drops operations whose waiters were all garbage collected.
func (s *Source) prune() {
	for key, op := range s.pending {
		if len(op.live()) == 0 {
			op.cancel()
			s.remove(key)
		}
	}
}

func (s *Source) retryParked() {
	if s.closed {
		return
	}
	for key, op := range s.pending {
		if !op.parked {
			continue
		}
		if len(op.live()) == 0 {
			s.remove(key)
			continue
		}
		s.log.Info("Retrying request", zap.String("url", op.res.URL))
		s.start(key, op)
	}
}

func (s *Source) remove(key string) {
	delete(s.pending, key)
	metrics.PendingOperations.Set(float64(len(s.pending)))
}

// Close fails every outstanding request with ErrClosed, waits for in-flight
// work and closes the store.
func (s *Source) Close() error {
	done := make(chan struct{})
	shutdown := func() {
		defer close(done)
		if s.closed {
			return
		}
		s.closed = true
		for key, op := range s.pending {
			op.cancel()
			for _, r := range op.live() {
				r.deliver(Response{Err: ErrClosed})
			}
			s.remove(key)
		}
	}
	if !s.loop.Post(shutdown) {
		shutdown()
	}
	<-done

	s.workers.Wait()

	var err error
	if closer, ok := s.fetcher.(interface{ Close() error }); ok {
		err = multierr.Append(err, closer.Close())
	}
	return multierr.Append(err, s.store.Close())
}
