// Package intercept decides, per proxied request, whether the answer comes
// from the current generation's store, from the network, or from the network
// with the store as fallback.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"offline0/internal/generation"
	"offline0/internal/logging"
	"offline0/internal/network"
	"offline0/internal/resource"
	"offline0/internal/store"
)

type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeNetwork     Outcome = "network"
	OutcomeFallback    Outcome = "fallback"
	OutcomeBypass      Outcome = "bypass"
	OutcomeUnavailable Outcome = "unavailable"
)

var (
	// ErrNoStoreEntry means the current generation holds nothing for the request.
	ErrNoStoreEntry = errors.New("no stored response")

	// ErrUnavailable means neither the network nor the store could answer.
	ErrUnavailable = errors.New("resource unavailable")
)

// NetworkError is a failed network attempt: no response was obtained at all.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Source reports the current generation; generation.Manager implements it.
type Source interface {
	Current() (generation.Generation, bool)
}

type Options struct {
	// WriteConcurrency bounds detached store writes in flight.
	WriteConcurrency int64

	// Bypass reports requests that must skip the store entirely.
	Bypass func(req *http.Request) bool
}

type Strategy struct {
	source  Source
	backend store.Backend
	fetcher network.Fetcher
	logger  zerolog.Logger
	warn    *logging.RateLimited
	bypass  func(req *http.Request) bool

	writeSem *semaphore.Weighted
	writes   sync.WaitGroup
}

func New(source Source, backend store.Backend, fetcher network.Fetcher, logger zerolog.Logger, opts Options) *Strategy {
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 16
	}
	return &Strategy{
		source:   source,
		backend:  backend,
		fetcher:  fetcher,
		logger:   logger,
		warn:     logging.NewRateLimited(logger, 10*time.Second),
		bypass:   opts.Bypass,
		writeSem: semaphore.NewWeighted(opts.WriteConcurrency),
	}
}

// Handle answers req, an origin-qualified outbound request. A returned error
// is either a *NetworkError (no response and nothing to fall back to under
// cache-first or bypass) or wraps ErrUnavailable.
func (s *Strategy) Handle(ctx context.Context, req *http.Request) (*resource.Response, Outcome, error) {
	if req.Method != http.MethodGet || (s.bypass != nil && s.bypass(req)) {
		resp, err := s.fetch(ctx, req)
		return s.done(resp, OutcomeBypass, err)
	}

	gen, active := s.source.Current()
	policy := gen.Policy
	if !active {
		policy = generation.NetworkFirst
	}
	key := resource.Key(req.Method, req.URL)

	switch policy {
	case generation.CacheFirst:
		return s.cacheFirst(ctx, req, gen.ID, key)
	default:
		return s.networkFirst(ctx, req, gen.ID, key)
	}
}

func (s *Strategy) cacheFirst(ctx context.Context, req *http.Request, genID, key string) (*resource.Response, Outcome, error) {
	if resp, err := s.lookup(ctx, genID, key); err == nil {
		return s.done(resp, OutcomeHit, nil)
	}
	resp, err := s.fetch(ctx, req)
	return s.done(resp, OutcomeMiss, err)
}

func (s *Strategy) networkFirst(ctx context.Context, req *http.Request, genID, key string) (*resource.Response, Outcome, error) {
	resp, err := s.fetch(ctx, req)
	if err == nil {
		if genID != "" && resp.Cacheable() {
			s.writeDetached(ctx, genID, key, resp.Clone())
		}
		return s.done(resp, OutcomeNetwork, nil)
	}

	stored, lerr := s.lookup(context.WithoutCancel(ctx), genID, key)
	if lerr == nil {
		return s.done(stored, OutcomeFallback, nil)
	}
	return s.done(nil, OutcomeUnavailable, fmt.Errorf("%w: %w: %w", ErrUnavailable, err, ErrNoStoreEntry))
}

// lookup returns ErrNoStoreEntry for anything that is not a stored response,
// including having no current generation at all.
func (s *Strategy) lookup(ctx context.Context, genID, key string) (*resource.Response, error) {
	if genID == "" {
		return nil, ErrNoStoreEntry
	}
	resp, err := s.backend.Get(ctx, genID, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.warn.Warn(err, "store lookup failed")
		}
		return nil, ErrNoStoreEntry
	}
	return resp, nil
}

func (s *Strategy) fetch(ctx context.Context, req *http.Request) (*resource.Response, error) {
	start := time.Now()
	resp, err := s.fetcher.Fetch(ctx, req)
	fetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

func (s *Strategy) done(resp *resource.Response, outcome Outcome, err error) (*resource.Response, Outcome, error) {
	if err != nil && outcome != OutcomeUnavailable {
		requestsTotal.WithLabelValues("bad-gateway").Inc()
	} else {
		requestsTotal.WithLabelValues(string(outcome)).Inc()
	}
	return resp, outcome, err
}

// writeDetached stores resp outside the request's lifetime. The caller already
// has its response; a write that fails, or that targets a generation purged in
// the meantime, is dropped.
func (s *Strategy) writeDetached(ctx context.Context, genID, key string, resp *resource.Response) {
	ctx = context.WithoutCancel(ctx)
	s.writes.Go(func() {
		if err := s.writeSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.writeSem.Release(1)

		err := s.backend.Put(ctx, genID, key, resp)
		switch {
		case err == nil:
			storeWritesTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, store.ErrStoreNotFound):
			storeWritesTotal.WithLabelValues("dropped").Inc()
			s.logger.Debug().Str("generation", genID).Str("key", key).Msg("dropped write to purged generation")
		default:
			storeWritesTotal.WithLabelValues("failed").Inc()
			s.warn.Warn(err, "detached store write failed")
		}
	})
}

// Wait blocks until every detached write has finished.
func (s *Strategy) Wait() {
	s.writes.Wait()
}
