package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  origin: https://app.example/\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Origin != "https://app.example" {
		t.Errorf("Origin = %q, trailing slash not trimmed", cfg.Server.Origin)
	}
	if cfg.Server.ControlPrefix != "/_offline0" {
		t.Errorf("ControlPrefix = %q", cfg.Server.ControlPrefix)
	}
	if cfg.Generation.Strategy != StrategyNetworkFirst {
		t.Errorf("Strategy = %q", cfg.Generation.Strategy)
	}
	if cfg.Network.TimeoutDur != 30*time.Second {
		t.Errorf("TimeoutDur = %v", cfg.Network.TimeoutDur)
	}
	if cfg.Network.MaxBodyBytes != 32<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.Network.MaxBodyBytes)
	}
	if cfg.Storage.Backend != "leveldb" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
	if len(cfg.Manifest.Paths) != 1 || cfg.Manifest.Paths[0] != "/" {
		t.Errorf("Manifest.Paths = %v", cfg.Manifest.Paths)
	}
	if len(cfg.Notifications.Actions) != 2 {
		t.Fatalf("Actions = %v", cfg.Notifications.Actions)
	}
	if cfg.Notifications.Actions[1].Kind != ActionDefer {
		t.Errorf("snooze kind = %q", cfg.Notifications.Actions[1].Kind)
	}
	if cfg.Notifications.DeferDelayDur != 10*time.Minute {
		t.Errorf("DeferDelayDur = %v", cfg.Notifications.DeferDelayDur)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing origin",
			yaml:    "server:\n  port: 9000\n",
			wantErr: "server.origin is required",
		},
		{
			name:    "unknown strategy",
			yaml:    "server:\n  origin: http://o\ngeneration:\n  strategy: stale-while-revalidate\n",
			wantErr: "generation.strategy",
		},
		{
			name:    "bad rule",
			yaml:    "server:\n  origin: http://o\nrules:\n  - match: Host(x)\n",
			wantErr: "rules[0].match",
		},
		{
			name:    "root control prefix",
			yaml:    "server:\n  origin: http://o\n  controlPrefix: /\n",
			wantErr: "server.controlPrefix must not be /",
		},
		{
			name:    "slashes only control prefix",
			yaml:    "server:\n  origin: http://o\n  controlPrefix: ///\n",
			wantErr: "server.controlPrefix must not be /",
		},
		{
			name:    "bad timeout",
			yaml:    "server:\n  origin: http://o\nnetwork:\n  timeout: soon\n",
			wantErr: "network.timeout",
		},
		{
			name:    "bad backend",
			yaml:    "server:\n  origin: http://o\nstorage:\n  backend: etcd\n",
			wantErr: "storage.backend",
		},
		{
			name:    "duplicate action",
			yaml:    "server:\n  origin: http://o\nnotifications:\n  actions:\n    - id: a\n    - id: a\n",
			wantErr: "duplicate",
		},
		{
			name:    "unknown action kind",
			yaml:    "server:\n  origin: http://o\nnotifications:\n  actions:\n    - id: a\n      kind: explode\n",
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("OFFLINE0_PORT", "9191")
	t.Setenv("OFFLINE0_STRATEGY", "cache-first")
	t.Setenv("OFFLINE0_STORE_BACKEND", "memory")

	cfg, err := Parse([]byte("server:\n  origin: http://o\n  port: 8000\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Port = %d, want env override 9191", cfg.Server.Port)
	}
	if cfg.Generation.Strategy != StrategyCacheFirst {
		t.Errorf("Strategy = %q", cfg.Generation.Strategy)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Storage.Backend)
	}
}

func TestRules_PriorityAndMatch(t *testing.T) {
	yml := `
server:
  origin: http://o
rules:
  - match: PathPrefix(/)
    priority: 10
  - match: PathPrefix(/api) | PathPrefix(/auth)
    priority: 1
    bypass: true
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		path       string
		wantBypass bool
	}{
		{"/api/users", true},
		{"/auth/login", true},
		{"/index.html", false},
	}
	for _, tt := range tests {
		r := cfg.PickRule(tt.path)
		if r == nil {
			t.Fatalf("no rule for %s", tt.path)
		}
		if r.Bypass != tt.wantBypass {
			t.Errorf("PickRule(%s).Bypass = %v, want %v", tt.path, r.Bypass, tt.wantBypass)
		}
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	if err := os.WriteFile(path, []byte("server:\n  origin: http://o\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"64k", 64 << 10, false},
		{"32m", 32 << 20, false},
		{"32mb", 32 << 20, false},
		{"1.5G", 3 << 29, false},
		{"", 0, true},
		{"b", 0, true},
		{"-1k", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfig_ShippedExample(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "offline0.example.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Manifest.Paths) != 17 || cfg.Manifest.Paths[16] != "/images/sleep.svg" {
		t.Errorf("manifest = %v", cfg.Manifest.Paths)
	}
	if cfg.Notifications.DeferDelayDur != 10*time.Minute || len(cfg.Notifications.Actions) != 2 {
		t.Errorf("notifications = %+v", cfg.Notifications)
	}
	if cfg.Logging.LogStatsEveryDur != 5*time.Minute {
		t.Errorf("logStatsEvery = %s", cfg.Logging.LogStatsEveryDur)
	}
	if r := cfg.PickRule("/signup.html"); r == nil || len(r.BypassWhenCookies) != 1 {
		t.Errorf("PickRule(/signup.html) = %+v", r)
	}
}
