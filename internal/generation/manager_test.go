package generation

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"offline0/internal/network"
	"offline0/internal/resource"
	"offline0/internal/store"
	"offline0/internal/testutil"
)

type fakeClaimer struct {
	mu     sync.Mutex
	claims []string
}

func (c *fakeClaimer) Claim(_ context.Context, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = append(c.claims, id)
	return 2
}

// failingDelete wraps a backend and refuses to delete the listed stores.
type failingDelete struct {
	store.Backend
	refuse map[string]bool
}

func (f *failingDelete) Delete(ctx context.Context, name string) error {
	if f.refuse[name] {
		return errors.New("disk on fire")
	}
	return f.Backend.Delete(ctx, name)
}

func setup(t *testing.T, opts Options) (*Manager, store.Backend, *testutil.MockOrigin, *fakeClaimer) {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	o, err := network.NewOrigin(origin.URL(), 5*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	backend := store.NewMemory()
	claimer := &fakeClaimer{}
	return NewManager(backend, o, claimer, zerolog.Nop(), opts), backend, origin, claimer
}

func keyFor(t *testing.T, origin *testutil.MockOrigin, path string) string {
	t.Helper()
	u, err := url.Parse(origin.URL() + path)
	if err != nil {
		t.Fatal(err)
	}
	return resource.Key(http.MethodGet, u)
}

func names(t *testing.T, b store.Backend) []string {
	t.Helper()
	n, err := b.Names(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewID(t *testing.T) {
	now := time.Unix(0, 1700000000123456789)
	if got := NewID("app", "v2", now); got != "app-v2-1700000000123456789" {
		t.Errorf("NewID = %q", got)
	}
	if NewID("app", "v2", now) == NewID("app", "v2", now.Add(time.Nanosecond)) {
		t.Error("ids built at different instants must differ")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"cache-first", CacheFirst, false},
		{"network-first", NetworkFirst, false},
		{"", NetworkFirst, false},
		{"stale-while-revalidate", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInstall_PopulatesEveryEntryOnce(t *testing.T) {
	m, backend, origin, _ := setup(t, Options{Concurrency: 4})
	origin.Set("/", 200, "root")
	origin.Set("/index.html", 200, "<html>")
	origin.Set("/style.css", 200, "body{}")

	ctx := context.Background()
	manifest := []string{"/", "/index.html", "/style.css", "/index.html"}
	if err := m.Install(ctx, "app-v1-1", manifest, CacheFirst); err != nil {
		t.Fatalf("Install: %v", err)
	}

	for _, p := range []string{"/", "/index.html", "/style.css"} {
		if n := origin.Hits(p); n != 1 {
			t.Errorf("%s fetched %d times, want 1", p, n)
		}
		resp, err := backend.Get(ctx, "app-v1-1", keyFor(t, origin, p))
		if err != nil {
			t.Errorf("stored %s: %v", p, err)
			continue
		}
		if resp.Status != 200 {
			t.Errorf("stored %s status = %d", p, resp.Status)
		}
	}
	if _, ok := m.Current(); ok {
		t.Error("install alone must not make a generation current")
	}
}

func TestInstall_FailureIsAtomic(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(o *testutil.MockOrigin)
		wantStatus int
	}{
		{
			name:       "non-200 entry",
			prepare:    func(o *testutil.MockOrigin) { o.Set("/missing.css", 404, "nope") },
			wantStatus: 404,
		},
		{
			name:    "transport failure",
			prepare: func(o *testutil.MockOrigin) { o.Break("/missing.css") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, backend, origin, _ := setup(t, Options{})
			origin.Set("/", 200, "root")
			tt.prepare(origin)

			ctx := context.Background()
			if err := m.Install(ctx, "app-v1-1", []string{"/"}, NetworkFirst); err != nil {
				t.Fatalf("Install v1: %v", err)
			}
			if err := m.Activate(ctx, "app-v1-1"); err != nil {
				t.Fatalf("Activate v1: %v", err)
			}

			err := m.Install(ctx, "app-v2-2", []string{"/", "/missing.css"}, NetworkFirst)
			var mfe *ManifestFetchError
			if !errors.As(err, &mfe) {
				t.Fatalf("err = %v, want *ManifestFetchError", err)
			}
			if mfe.Ref != "/missing.css" || mfe.Status != tt.wantStatus {
				t.Errorf("ManifestFetchError = %+v", mfe)
			}

			if got := names(t, backend); len(got) != 1 || got[0] != "app-v1-1" {
				t.Errorf("stores after failed install = %v, want only app-v1-1", got)
			}
			if cur, _ := m.Current(); cur.ID != "app-v1-1" {
				t.Errorf("current = %q, want app-v1-1", cur.ID)
			}
			if err := m.Activate(ctx, "app-v2-2"); !errors.Is(err, ErrNotInstalled) {
				t.Errorf("Activate failed install: err = %v, want ErrNotInstalled", err)
			}
		})
	}
}

// v1 installed and active, v2 installed and activated: only v2 survives and
// clients are claimed for it.
func TestActivate_PurgesEveryOtherStore(t *testing.T) {
	m, backend, origin, claimer := setup(t, Options{})
	origin.Set("/", 200, "root")
	ctx := context.Background()

	if err := backend.Open(ctx, "unrelated-cache"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"app-v1-1", "app-v2-2"} {
		if err := m.Install(ctx, id, []string{"/"}, CacheFirst); err != nil {
			t.Fatalf("Install %s: %v", id, err)
		}
	}
	if err := m.Activate(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}
	if got := names(t, backend); len(got) != 1 || got[0] != "app-v1-1" {
		t.Fatalf("stores = %v, want only app-v1-1", got)
	}

	if err := m.Install(ctx, "app-v2-3", []string{"/"}, NetworkFirst); err != nil {
		t.Fatal(err)
	}
	if got := names(t, backend); len(got) != 2 {
		t.Fatalf("stores during overlap = %v, want v1 and v2", got)
	}
	if cur, _ := m.Current(); cur.ID != "app-v1-1" {
		t.Fatalf("current during overlap = %q", cur.ID)
	}

	if err := m.Activate(ctx, "app-v2-3"); err != nil {
		t.Fatal(err)
	}
	cur, ok := m.Current()
	if !ok || cur.ID != "app-v2-3" || cur.Policy != NetworkFirst {
		t.Errorf("Current = %+v, %v", cur, ok)
	}
	if got := names(t, backend); len(got) != 1 || got[0] != "app-v2-3" {
		t.Errorf("stores = %v, want only app-v2-3", got)
	}
	if marker, _ := backend.Marker(ctx); marker != "app-v2-3" {
		t.Errorf("marker = %q", marker)
	}
	if len(claimer.claims) != 2 || claimer.claims[1] != "app-v2-3" {
		t.Errorf("claims = %v", claimer.claims)
	}
}

func TestInstall_Idempotent(t *testing.T) {
	m, backend, origin, _ := setup(t, Options{})
	origin.Set("/a", 200, "a")
	origin.Set("/b", 200, "b")
	ctx := context.Background()

	manifest := []string{"/a", "/b"}
	for i := 0; i < 2; i++ {
		if err := m.Install(ctx, "app-v1-1", manifest, CacheFirst); err != nil {
			t.Fatalf("Install #%d: %v", i, err)
		}
	}
	if err := m.Activate(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}
	if got := names(t, backend); len(got) != 1 {
		t.Errorf("stores = %v", got)
	}
	resp, err := backend.Get(ctx, "app-v1-1", keyFor(t, origin, "/b"))
	if err != nil || string(resp.Body) != "b" {
		t.Errorf("stored /b = %v, %v", resp, err)
	}
}

func TestInstall_PurgeOnInstallKeepsCurrent(t *testing.T) {
	m, backend, origin, _ := setup(t, Options{PurgeOnInstall: true})
	origin.Set("/", 200, "root")
	ctx := context.Background()

	if err := backend.Open(ctx, "stale"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install(ctx, "app-v1-1", []string{"/"}, CacheFirst); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}
	if err := backend.Open(ctx, "stale"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install(ctx, "app-v2-2", []string{"/"}, CacheFirst); err != nil {
		t.Fatal(err)
	}

	got := names(t, backend)
	want := []string{"app-v1-1", "app-v2-2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("stores = %v, want %v", got, want)
	}
}

func TestPurge_DeleteFailureIsNotFatal(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.Set("/", 200, "root")
	o, _ := network.NewOrigin(origin.URL(), 5*time.Second, 0)

	backend := &failingDelete{Backend: store.NewMemory(), refuse: map[string]bool{"stuck": true}}
	m := NewManager(backend, o, nil, zerolog.Nop(), Options{})
	ctx := context.Background()

	for _, n := range []string{"stuck", "gone"} {
		if err := backend.Open(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Install(ctx, "app-v1-1", []string{"/"}, CacheFirst); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "app-v1-1"); err != nil {
		t.Fatalf("Activate must survive delete failures: %v", err)
	}

	got := names(t, backend)
	if len(got) != 2 || got[0] != "app-v1-1" || got[1] != "stuck" {
		t.Errorf("stores = %v", got)
	}

	failed := m.Purge(ctx, "app-v1-1")
	if len(failed) != 1 || failed[0].Store != "stuck" {
		t.Fatalf("Purge failures = %v", failed)
	}
}

func TestResume(t *testing.T) {
	m, backend, origin, _ := setup(t, Options{})
	origin.Set("/", 200, "root")
	ctx := context.Background()

	if _, err := m.Resume(ctx, CacheFirst); err == nil {
		t.Fatal("expected error without a marker")
	}

	if err := m.Install(ctx, "app-v1-1", []string{"/"}, CacheFirst); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}

	// A fresh process over the same backend, with the origin gone.
	origin.SetDown(true)
	o, _ := network.NewOrigin(origin.URL(), time.Second, 0)
	restarted := NewManager(backend, o, nil, zerolog.Nop(), Options{})

	if err := restarted.Install(ctx, "app-v2-2", []string{"/"}, CacheFirst); err == nil {
		t.Fatal("install must fail while offline")
	}
	g, err := restarted.Resume(ctx, CacheFirst)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if g.ID != "app-v1-1" || g.Policy != CacheFirst {
		t.Errorf("resumed %+v", g)
	}
	if cur, ok := restarted.Current(); !ok || cur.ID != "app-v1-1" {
		t.Errorf("Current = %+v, %v", cur, ok)
	}
}

func TestResume_StoreGone(t *testing.T) {
	m, backend, _, _ := setup(t, Options{})
	ctx := context.Background()
	if err := backend.SetMarker(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resume(ctx, CacheFirst); err == nil {
		t.Error("expected error when the marked store is gone")
	}
}

func TestInstallActivate_ReplacesOldGeneration(t *testing.T) {
	m, backend, origin, _ := setup(t, Options{})
	origin.Set("/index.html", 200, "<html>")
	origin.Set("/style.css", 200, "body{}")
	ctx := context.Background()

	if err := backend.Open(ctx, "app-v0-0"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install(ctx, "app-v1-1", []string{"/index.html", "/style.css"}, CacheFirst); err != nil {
		t.Fatalf("Install: %v", err)
	}
	for _, p := range []string{"/index.html", "/style.css"} {
		resp, err := backend.Get(ctx, "app-v1-1", keyFor(t, origin, p))
		if err != nil || resp.Status != 200 {
			t.Errorf("%s: %v %v", p, resp, err)
		}
	}
	if err := m.Activate(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}
	for _, n := range names(t, backend) {
		if n == "app-v0-0" {
			t.Error("old generation store survived activation")
		}
	}
}

// slowNames widens the gap between listing stores and deleting them.
type slowNames struct {
	store.Backend
	delay time.Duration
}

func (s *slowNames) Names(ctx context.Context) ([]string, error) {
	n, err := s.Backend.Names(ctx)
	time.Sleep(s.delay)
	return n, err
}

// heldPut blocks the first write into store hold until release is closed.
type heldPut struct {
	store.Backend
	hold    string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (h *heldPut) Put(ctx context.Context, name, key string, resp *resource.Response) error {
	if name == h.hold {
		h.once.Do(func() { close(h.started) })
		<-h.release
	}
	return h.Backend.Put(ctx, name, key, resp)
}

func setupWith(t *testing.T, wrap func(store.Backend) store.Backend) (*Manager, store.Backend, *testutil.MockOrigin) {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	o, err := network.NewOrigin(origin.URL(), 5*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	backend := store.NewMemory()
	return NewManager(wrap(backend), o, &fakeClaimer{}, zerolog.Nop(), Options{}), backend, origin
}

func TestActivate_ConcurrentLeavesCurrentStore(t *testing.T) {
	m, backend, origin := setupWith(t, func(b store.Backend) store.Backend {
		return &slowNames{Backend: b, delay: 20 * time.Millisecond}
	})
	origin.Set("/", 200, "root")
	ctx := context.Background()

	ids := []string{"app-v1-1", "app-v2-2"}
	for _, id := range ids {
		if err := m.Install(ctx, id, []string{"/"}, CacheFirst); err != nil {
			t.Fatalf("Install %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Go(func() {
			errs[i] = m.Activate(ctx, ids[i%2])
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrNotInstalled) {
			t.Errorf("Activate #%d: %v", i, err)
		}
	}
	cur, ok := m.Current()
	if !ok {
		t.Fatal("no current generation")
	}
	if got := names(t, backend); len(got) != 1 || got[0] != cur.ID {
		t.Fatalf("stores = %v, want only current %s", got, cur.ID)
	}
	if marker, _ := backend.Marker(ctx); marker != cur.ID {
		t.Errorf("marker = %q, current = %q", marker, cur.ID)
	}
	resp, err := backend.Get(ctx, cur.ID, keyFor(t, origin, "/"))
	if err != nil || string(resp.Body) != "root" {
		t.Errorf("current store entry = %v, %v", resp, err)
	}
}

func TestActivate_WaitsForRunningInstall(t *testing.T) {
	held := &heldPut{
		hold:    "app-v2-2",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, backend, origin := setupWith(t, func(b store.Backend) store.Backend {
		held.Backend = b
		return held
	})
	origin.Set("/", 200, "root")
	ctx := context.Background()

	if err := m.Install(ctx, "app-v1-1", []string{"/"}, CacheFirst); err != nil {
		t.Fatal(err)
	}

	installErr := make(chan error, 1)
	go func() { installErr <- m.Install(ctx, "app-v2-2", []string{"/"}, CacheFirst) }()
	<-held.started

	activateErr := make(chan error, 1)
	go func() { activateErr <- m.Activate(ctx, "app-v1-1") }()

	select {
	case err := <-activateErr:
		t.Fatalf("Activate returned while an install was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(held.release)

	if err := <-installErr; err != nil {
		t.Fatalf("Install app-v2-2: %v", err)
	}
	if err := <-activateErr; err != nil {
		t.Fatalf("Activate app-v1-1: %v", err)
	}

	// app-v1-1's activation purged app-v2-2 after it was fully installed.
	if err := m.Activate(ctx, "app-v2-2"); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Activate purged generation: err = %v, want ErrNotInstalled", err)
	}
	if cur, _ := m.Current(); cur.ID != "app-v1-1" {
		t.Errorf("current = %q, want app-v1-1", cur.ID)
	}
	if got := names(t, backend); len(got) != 1 || got[0] != "app-v1-1" {
		t.Errorf("stores = %v, want only app-v1-1", got)
	}
}

func TestActivate_StoreDeletedBehindManager(t *testing.T) {
	m, backend, origin, _ := setup(t, Options{})
	origin.Set("/", 200, "root")
	ctx := context.Background()

	if err := m.Install(ctx, "app-v1-1", []string{"/"}, CacheFirst); err != nil {
		t.Fatal(err)
	}
	if err := backend.Delete(ctx, "app-v1-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "app-v1-1"); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("err = %v, want ErrNotInstalled", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("a generation without a store became current")
	}
}
