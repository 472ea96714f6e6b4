// Package generation owns the cache generations: it populates a new
// generation's store from a manifest, switches the current generation and
// deletes every store that is no longer current.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"offline0/internal/resource"
	"offline0/internal/store"
)

type Policy string

const (
	CacheFirst   Policy = "cache-first"
	NetworkFirst Policy = "network-first"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case CacheFirst, NetworkFirst:
		return Policy(s), nil
	case "":
		return NetworkFirst, nil
	default:
		return "", fmt.Errorf("unknown policy %q", s)
	}
}

// Generation is one versioned snapshot of cached resources.
type Generation struct {
	ID          string    `json:"id"`
	Policy      Policy    `json:"policy"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// NewID returns a generation id that sorts after and differs from any id
// built earlier with the same name and version.
func NewID(name, version string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", name, version, now.UnixNano())
}

var ErrNotInstalled = errors.New("generation not installed")

// ManifestFetchError aborts an install. Status is set when the origin answered
// with anything other than 200; Err is set when no response was obtained.
type ManifestFetchError struct {
	Ref    string
	Status int
	Err    error
}

func (e *ManifestFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch manifest entry %q: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("fetch manifest entry %q: status %d", e.Ref, e.Status)
}

func (e *ManifestFetchError) Unwrap() error { return e.Err }

// PurgeError records a store that could not be deleted. Purges continue past it.
type PurgeError struct {
	Store string
	Err   error
}

func (e *PurgeError) Error() string {
	return fmt.Sprintf("delete store %q: %v", e.Store, e.Err)
}

func (e *PurgeError) Unwrap() error { return e.Err }

// Getter fetches one manifest entry from the origin.
type Getter interface {
	Get(ctx context.Context, ref string) (*resource.Response, *url.URL, error)
}

// Claimer takes control of every connected client for a generation and
// returns how many were claimed.
type Claimer interface {
	Claim(ctx context.Context, generationID string) int
}

type Options struct {
	// Concurrency bounds parallel manifest fetches during install.
	Concurrency int

	// PurgeOnInstall deletes stale stores right after a successful install.
	// The current generation and the new one are always kept.
	PurgeOnInstall bool
}

type Manager struct {
	backend store.Backend
	getter  Getter
	claimer Claimer
	logger  zerolog.Logger
	opts    Options

	current atomic.Pointer[Generation]

	// lifecycle serializes Install, Activate, Resume and Purge so a purge never
	// sees a half-recorded install or another activation's swap.
	lifecycle sync.Mutex

	mu        sync.Mutex
	installed map[string]Policy
}

func NewManager(backend store.Backend, getter Getter, claimer Claimer, logger zerolog.Logger, opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Manager{
		backend:   backend,
		getter:    getter,
		claimer:   claimer,
		logger:    logger,
		opts:      opts,
		installed: map[string]Policy{},
	}
}

// Current returns the active generation, ok is false before the first activation.
func (m *Manager) Current() (Generation, bool) {
	g := m.current.Load()
	if g == nil {
		return Generation{}, false
	}
	return *g, true
}

// Install creates store id and fills it with every manifest entry. Any failed
// entry aborts the install and removes the partial store; the current
// generation is never touched by Install. Activations wait for a running
// install to finish.
func (m *Manager) Install(ctx context.Context, id string, entries []string, policy Policy) error {
	if id == "" {
		return fmt.Errorf("install: empty generation id")
	}
	if len(entries) == 0 {
		return fmt.Errorf("install %s: empty manifest", id)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	start := time.Now()
	if err := m.backend.Open(ctx, id); err != nil {
		installsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("install %s: open store: %w", id, err)
	}

	err := m.populate(ctx, id, entries)
	installDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		installsTotal.WithLabelValues("failed").Inc()
		if derr := m.backend.Delete(context.WithoutCancel(ctx), id); derr != nil {
			m.logger.Error().Err(derr).Str("generation", id).Msg("failed to remove partially installed store")
		}
		m.logger.Warn().Err(err).Str("generation", id).Msg("install aborted")
		return fmt.Errorf("install %s: %w", id, err)
	}

	m.mu.Lock()
	m.installed[id] = policy
	m.mu.Unlock()
	installsTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Str("generation", id).
		Int("entries", len(entries)).
		Dur("took", time.Since(start)).
		Msg("generation installed")

	if m.opts.PurgeOnInstall {
		keep := []string{id}
		if cur, ok := m.Current(); ok {
			keep = append(keep, cur.ID)
		}
		m.purge(ctx, keep...)
	}
	return nil
}

func (m *Manager) populate(ctx context.Context, id string, entries []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)

	seen := make(map[string]struct{}, len(entries))
	for _, ref := range entries {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}

		g.Go(func() error {
			resp, u, err := m.getter.Get(gctx, ref)
			if err != nil {
				return &ManifestFetchError{Ref: ref, Err: err}
			}
			if !resp.Cacheable() {
				return &ManifestFetchError{Ref: ref, Status: resp.Status}
			}
			if err := m.backend.Put(gctx, id, resource.Key(http.MethodGet, u), resp); err != nil {
				return fmt.Errorf("store %q: %w", ref, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Activate makes id the current generation, deletes every other store,
// persists id for Resume and claims the connected clients.
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	policy, ok := m.installed[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("activate %s: %w", id, ErrNotInstalled)
	}

	found, err := m.storeExists(ctx, id)
	if err != nil {
		return fmt.Errorf("activate %s: list stores: %w", id, err)
	}
	if !found {
		m.mu.Lock()
		delete(m.installed, id)
		m.mu.Unlock()
		return fmt.Errorf("activate %s: store is gone: %w", id, ErrNotInstalled)
	}

	m.adopt(ctx, id, policy)
	activationsTotal.Inc()
	return nil
}

// Resume re-adopts the last activated generation when its store survived,
// for boots where a fresh install cannot reach the origin.
func (m *Manager) Resume(ctx context.Context, policy Policy) (Generation, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	id, err := m.backend.Marker(ctx)
	if err != nil {
		return Generation{}, fmt.Errorf("resume: read marker: %w", err)
	}
	if id == "" {
		return Generation{}, fmt.Errorf("resume: no generation was ever activated")
	}
	found, err := m.storeExists(ctx, id)
	if err != nil {
		return Generation{}, fmt.Errorf("resume: list stores: %w", err)
	}
	if !found {
		return Generation{}, fmt.Errorf("resume: store %s no longer exists", id)
	}

	m.mu.Lock()
	m.installed[id] = policy
	m.mu.Unlock()
	m.adopt(ctx, id, policy)
	m.logger.Info().Str("generation", id).Msg("resumed generation from marker")

	cur, _ := m.Current()
	return cur, nil
}

func (m *Manager) storeExists(ctx context.Context, id string) (bool, error) {
	names, err := m.backend.Names(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == id {
			return true, nil
		}
	}
	return false, nil
}

// adopt runs with lifecycle held.
func (m *Manager) adopt(ctx context.Context, id string, policy Policy) {
	prev := m.current.Swap(&Generation{ID: id, Policy: policy, ActivatedAt: time.Now()})

	m.purge(ctx, id)

	if err := m.backend.SetMarker(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("generation", id).Msg("failed to persist active generation")
	}

	claimed := 0
	if m.claimer != nil {
		claimed = m.claimer.Claim(ctx, id)
	}

	ev := m.logger.Info().Str("generation", id).Str("policy", string(policy)).Int("clientsClaimed", claimed)
	if prev != nil {
		ev = ev.Str("previous", prev.ID)
	}
	ev.Msg("generation activated")
}

// Purge deletes, in parallel, every store not named in keep. Failures are
// logged and counted and never stop the pass; they are returned for callers
// that want to report them.
func (m *Manager) Purge(ctx context.Context, keep ...string) []*PurgeError {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.purge(ctx, keep...)
}

func (m *Manager) purge(ctx context.Context, keep ...string) []*PurgeError {
	names, err := m.backend.Names(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("purge: failed to list stores")
		return nil
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []*PurgeError
	)
	g.SetLimit(m.opts.Concurrency)
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		g.Go(func() error {
			if err := m.backend.Delete(ctx, name); err != nil {
				deletesTotal.WithLabelValues("failed").Inc()
				pe := &PurgeError{Store: name, Err: err}
				m.logger.Warn().Err(err).Str("store", name).Msg("failed to delete stale store")
				mu.Lock()
				failed = append(failed, pe)
				mu.Unlock()
				return nil
			}
			deletesTotal.WithLabelValues("ok").Inc()
			m.mu.Lock()
			delete(m.installed, name)
			m.mu.Unlock()
			m.logger.Debug().Str("store", name).Msg("deleted stale store")
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
