package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	StrategyCacheFirst   = "cache-first"
	StrategyNetworkFirst = "network-first"

	ActionAcknowledge = "acknowledge"
	ActionDefer       = "defer"
	ActionOpen        = "open"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port" env:"OFFLINE0_PORT"`
		Origin        string `yaml:"origin" env:"OFFLINE0_ORIGIN"`
		ControlPrefix string `yaml:"controlPrefix" env:"OFFLINE0_CONTROL_PREFIX"`
	} `yaml:"server"`

	Network struct {
		Timeout string `yaml:"timeout" env:"OFFLINE0_NETWORK_TIMEOUT"`
		MaxBody string `yaml:"maxBody" env:"OFFLINE0_NETWORK_MAX_BODY"`

		TimeoutDur   time.Duration `yaml:"-"`
		MaxBodyBytes int64         `yaml:"-"`
	} `yaml:"network"`

	Generation struct {
		Name           string `yaml:"name" env:"OFFLINE0_GENERATION_NAME"`
		Version        string `yaml:"version" env:"OFFLINE0_VERSION"`
		Strategy       string `yaml:"strategy" env:"OFFLINE0_STRATEGY"`
		PurgeOnInstall bool   `yaml:"purgeOnInstall" env:"OFFLINE0_PURGE_ON_INSTALL"`
		InstallTimeout string `yaml:"installTimeout" env:"OFFLINE0_INSTALL_TIMEOUT"`
		Concurrency    int    `yaml:"concurrency" env:"OFFLINE0_INSTALL_CONCURRENCY"`

		InstallTimeoutDur time.Duration `yaml:"-"`
	} `yaml:"generation"`

	Manifest struct {
		Paths    []string `yaml:"paths"`
		File     string   `yaml:"file" env:"OFFLINE0_MANIFEST_FILE"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"manifest"`

	Storage struct {
		Backend string `yaml:"backend" env:"OFFLINE0_STORE_BACKEND"`
		LevelDB struct {
			Path string `yaml:"path" env:"OFFLINE0_LEVELDB_PATH"`
		} `yaml:"leveldb"`
		Redis struct {
			Addr      string `yaml:"addr" env:"OFFLINE0_REDIS_ADDR"`
			Password  string `yaml:"password" env:"OFFLINE0_REDIS_PASSWORD"`
			DB        int    `yaml:"db" env:"OFFLINE0_REDIS_DB"`
			Namespace string `yaml:"namespace" env:"OFFLINE0_REDIS_NAMESPACE"`
		} `yaml:"redis"`
		SQLite struct {
			Path string `yaml:"path" env:"OFFLINE0_SQLITE_PATH"`
		} `yaml:"sqlite"`
	} `yaml:"storage"`

	Notifications struct {
		Title       string   `yaml:"title"`
		Tag         string   `yaml:"tag"`
		DefaultBody string   `yaml:"defaultBody"`
		Icon        string   `yaml:"icon"`
		Badge       string   `yaml:"badge"`
		Vibrate     []int    `yaml:"vibrate"`
		DefaultPath string   `yaml:"defaultPath"`
		Actions     []Action `yaml:"actions"`
		DeferDelay  string   `yaml:"deferDelay"`

		DeferDelayDur time.Duration `yaml:"-"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level" env:"OFFLINE0_LOG_LEVEL"`
		Pretty        bool   `yaml:"pretty" env:"OFFLINE0_LOG_PRETTY"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"OFFLINE0_LOG_STATS_EVERY"`

		LogStatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

type Action struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Kind  string `yaml:"kind"`
	Icon  string `yaml:"icon"`
}

// Rule sends matching paths straight to the network, skipping the store.
type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// LoadConfig reads the yaml file at path and applies OFFLINE0_* environment
// overrides on top of it.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides yaml values with OFFLINE0_* variables, section by
// section; rules and notification actions are yaml only.
func (cfg *Config) applyEnv() error {
	sections := []any{
		&cfg.Server,
		&cfg.Network,
		&cfg.Generation,
		&cfg.Manifest,
		&cfg.Storage,
		&cfg.Logging,
	}
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/_offline0"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")
	if cfg.Server.ControlPrefix == "" {
		return fmt.Errorf("server.controlPrefix must not be /")
	}

	var err error
	if cfg.Network.TimeoutDur, err = durationOr(cfg.Network.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if cfg.Network.MaxBody == "" {
		cfg.Network.MaxBody = "32m"
	}
	if cfg.Network.MaxBodyBytes, err = parseBytes(cfg.Network.MaxBody); err != nil {
		return fmt.Errorf("network.maxBody: %w", err)
	}

	g := &cfg.Generation
	if g.Name == "" {
		g.Name = "offline0"
	}
	if g.Version == "" {
		g.Version = "v1"
	}
	switch g.Strategy {
	case "":
		g.Strategy = StrategyNetworkFirst
	case StrategyCacheFirst, StrategyNetworkFirst:
	default:
		return fmt.Errorf("generation.strategy: unknown strategy %q", g.Strategy)
	}
	if g.InstallTimeoutDur, err = durationOr(g.InstallTimeout, 2*time.Minute); err != nil {
		return fmt.Errorf("generation.installTimeout: %w", err)
	}
	if g.Concurrency <= 0 {
		g.Concurrency = 8
	}

	if len(cfg.Manifest.Paths) == 0 && cfg.Manifest.File == "" && len(cfg.Manifest.Sitemaps) == 0 {
		cfg.Manifest.Paths = []string{"/"}
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	switch cfg.Storage.Backend {
	case "leveldb", "sqlite", "memory":
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			cfg.Storage.Redis.Addr = "localhost:6379"
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}

	if err := cfg.normalizeNotifications(); err != nil {
		return err
	}

	if cfg.Logging.LogStatsEveryDur, err = durationOr(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func (cfg *Config) normalizeNotifications() error {
	n := &cfg.Notifications
	if n.Title == "" {
		n.Title = "Reminder"
	}
	if n.Tag == "" {
		n.Tag = cfg.Generation.Name + "-reminder"
	}
	if n.DefaultBody == "" {
		n.DefaultBody = "You have a new reminder!"
	}
	if n.DefaultPath == "" {
		n.DefaultPath = "/"
	}
	if len(n.Actions) == 0 {
		n.Actions = []Action{
			{ID: "complete", Title: "Mark Complete", Kind: ActionAcknowledge},
			{ID: "snooze", Title: "Snooze 10min", Kind: ActionDefer},
		}
	}
	seen := map[string]struct{}{}
	for i, a := range n.Actions {
		if a.ID == "" {
			return fmt.Errorf("notifications.actions[%d].id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("notifications.actions[%d].id: duplicate %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
		switch a.Kind {
		case ActionAcknowledge, ActionDefer, ActionOpen:
		case "":
			n.Actions[i].Kind = ActionAcknowledge
		default:
			return fmt.Errorf("notifications.actions[%d].kind: unknown kind %q", i, a.Kind)
		}
	}
	var err error
	if n.DeferDelayDur, err = durationOr(n.DeferDelay, 10*time.Minute); err != nil {
		return fmt.Errorf("notifications.deferDelay: %w", err)
	}
	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// PickRule returns the first rule, by priority, matching path.
func (cfg *Config) PickRule(path string) *Rule {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
