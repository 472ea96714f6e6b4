// Package offline0 wires the generation manager, the interception strategy,
// the notification router and the background sync dispatcher into one
// service, and exposes it over HTTP.
package offline0

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offline0/internal/bgsync"
	"offline0/internal/clients"
	"offline0/internal/config"
	"offline0/internal/generation"
	"offline0/internal/intercept"
	"offline0/internal/logging"
	"offline0/internal/manifest"
	"offline0/internal/network"
	"offline0/internal/notify"
	"offline0/internal/store"
)

type Service struct {
	cfg    config.Config
	policy generation.Policy
	logger zerolog.Logger

	backend  store.Backend
	origin   *network.Origin
	loader   *manifest.Loader
	gens     *generation.Manager
	strategy *intercept.Strategy
	clients  *clients.Registry
	tray     *notify.Tray
	snoozer  *notify.Snoozer
	router   *notify.Router
	syncs    *bgsync.Dispatcher

	mu            sync.Mutex
	lastInstalled string

	stopCh chan struct{}
	wg     sync.WaitGroup
	stats  *statsCollector
}

func NewService(ctx context.Context, cfg config.Config) (*Service, error) {
	policy, err := generation.ParsePolicy(cfg.Generation.Strategy)
	if err != nil {
		return nil, err
	}
	origin, err := network.NewOrigin(cfg.Server.Origin, cfg.Network.TimeoutDur, cfg.Network.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	backend, err := store.OpenBackend(ctx, store.Options{
		Backend:        cfg.Storage.Backend,
		LevelDBPath:    cfg.Storage.LevelDB.Path,
		RedisAddr:      cfg.Storage.Redis.Addr,
		RedisPassword:  cfg.Storage.Redis.Password,
		RedisDB:        cfg.Storage.Redis.DB,
		RedisNamespace: cfg.Storage.Redis.Namespace,
		SQLitePath:     cfg.Storage.SQLite.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	s := &Service{
		cfg:     cfg,
		policy:  policy,
		logger:  logging.NewLogger("service"),
		backend: backend,
		origin:  origin,
		clients: clients.NewRegistry(logging.NewLogger("clients")),
		tray:    notify.NewTray(),
		syncs:   bgsync.NewDispatcher(logging.NewLogger("bgsync")),
		stopCh:  make(chan struct{}),
	}
	s.loader = manifest.NewLoader(origin, logging.NewLogger("manifest"))
	s.gens = generation.NewManager(backend, origin, s.clients, logging.NewLogger("generation"), generation.Options{
		Concurrency:    cfg.Generation.Concurrency,
		PurgeOnInstall: cfg.Generation.PurgeOnInstall,
	})
	s.strategy = intercept.New(s.gens, backend, origin, logging.NewLogger("intercept"), intercept.Options{
		Bypass: s.bypass,
	})
	s.snoozer = notify.NewSnoozer(s.tray, cfg.Notifications.DeferDelayDur, logging.NewLogger("notify"))
	s.router = notify.NewRouter(notifyConfig(cfg), s.tray, s.snoozer, s.clients, logging.NewLogger("notify"))

	if cfg.Logging.LogStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.LogStatsEveryDur)
		}()
	}
	return s, nil
}

func notifyConfig(cfg config.Config) notify.Config {
	n := cfg.Notifications
	actions := make([]notify.Action, 0, len(n.Actions))
	for _, a := range n.Actions {
		actions = append(actions, notify.Action{ID: a.ID, Title: a.Title, Icon: a.Icon, Kind: a.Kind})
	}
	return notify.Config{
		Title:       n.Title,
		Tag:         n.Tag,
		DefaultBody: n.DefaultBody,
		Icon:        n.Icon,
		Badge:       n.Badge,
		Vibrate:     n.Vibrate,
		Actions:     actions,
		DefaultPath: n.DefaultPath,
	}
}

// Start installs and activates the configured generation. When the install
// fails, typically because the origin is unreachable, the last activated
// generation is resumed instead. Start only fails when the context is done.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Strs("syncTags", s.syncs.Tags()).Msg("starting")

	ictx, cancel := context.WithTimeout(ctx, s.cfg.Generation.InstallTimeoutDur)
	install := &InstallEvent{}
	err := s.Dispatch(ictx, install)
	cancel()
	if err == nil {
		return s.Dispatch(ctx, &ActivateEvent{ID: install.ID})
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}

	s.logger.Warn().Err(err).Msg("install failed, resuming last active generation")
	if g, rerr := s.gens.Resume(ctx, s.policy); rerr != nil {
		s.logger.Warn().Err(rerr).Msg("nothing to resume, requests go to the network until an install succeeds")
	} else {
		s.logger.Info().Str("generation", g.ID).Msg("serving resumed generation")
	}
	return nil
}

// RegisterSync sets the background handler for tag.
func (s *Service) RegisterSync(tag string, h bgsync.Handler) {
	s.syncs.Register(tag, h)
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.strategy.Wait()
	s.snoozer.Stop()
	if err := s.backend.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close store")
	}
}

func (s *Service) bypass(req *http.Request) bool {
	rule := s.cfg.PickRule(req.URL.Path)
	if rule == nil {
		return false
	}
	return rule.Bypass || hasAnyCookie(req, rule.BypassWhenCookies)
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (s *Service) install(ctx context.Context, ev *InstallEvent) error {
	start := time.Now()
	entries, err := s.loader.Load(ctx, manifest.Sources{
		Paths:    s.cfg.Manifest.Paths,
		File:     s.cfg.Manifest.File,
		Sitemaps: s.cfg.Manifest.Sitemaps,
	})
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	version := ev.Version
	if version == "" {
		version = s.cfg.Generation.Version
	}
	id := generation.NewID(s.cfg.Generation.Name, version, time.Now())
	if err := s.gens.Install(ctx, id, entries, s.policy); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastInstalled = id
	s.mu.Unlock()

	ev.ID = id
	ev.Entries = len(entries)
	ev.Took = time.Since(start)
	return nil
}

func (s *Service) activate(ctx context.Context, ev *ActivateEvent) error {
	if ev.ID == "" {
		s.mu.Lock()
		ev.ID = s.lastInstalled
		s.mu.Unlock()
	}
	if ev.ID == "" {
		return fmt.Errorf("activate: %w", generation.ErrNotInstalled)
	}
	return s.gens.Activate(ctx, ev.ID)
}
