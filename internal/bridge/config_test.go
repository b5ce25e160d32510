package bridge

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.StoreBackend != def.StoreBackend ||
		cfg.UpdateIntervalSeconds != def.UpdateIntervalSeconds ||
		cfg.MaxMessageChars != def.MaxMessageChars ||
		cfg.DefaultPermissionMode != def.DefaultPermissionMode {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfigClampsOutOfRangeValues(t *testing.T) {
	path := writeConfigFile(t, `
update_interval_seconds: 0
max_message_chars: 10
mirror_poll_seconds: -1
approval_ttl_hours: 0
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpdateIntervalSeconds != defaultUpdateIntervalSeconds {
		t.Fatalf("update interval: %d", cfg.UpdateIntervalSeconds)
	}
	if cfg.MaxMessageChars != defaultMaxMessageChars {
		t.Fatalf("max message chars: %d", cfg.MaxMessageChars)
	}
	if cfg.MirrorPollSeconds != 5 {
		t.Fatalf("mirror poll: %d", cfg.MirrorPollSeconds)
	}
	if cfg.ApprovalTTLHours != 72 {
		t.Fatalf("approval ttl: %d", cfg.ApprovalTTLHours)
	}
}

func TestLoadConfigReadsValues(t *testing.T) {
	path := writeConfigFile(t, `
storage_root: /srv/bridge
store_backend: sqlite
default_model: opus
default_permission_mode: plan
update_interval_seconds: 10
max_message_chars: 2000
thinking_budget: 8192
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageRoot != "/srv/bridge" || cfg.StoreBackend != "sqlite" ||
		cfg.DefaultModel != "opus" || cfg.DefaultPermissionMode != PermissionPlan ||
		cfg.UpdateIntervalSeconds != 10 || cfg.MaxMessageChars != 2000 ||
		cfg.ThinkingBudget != 8192 {
		t.Fatalf("config mismatch: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.StoreBackend = "postgres" }},
		{"unknown mode", func(c *Config) { c.DefaultPermissionMode = "sudo" }},
		{"negative thinking budget", func(c *Config) { c.ThinkingBudget = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", cfg)
			}
		})
	}
}

func TestNewStoreFactory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageRoot = t.TempDir()

	cfg.StoreBackend = "file"
	store, err := cfg.NewStore()
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if _, ok := store.(*FileSessionStore); !ok {
		t.Fatalf("expected file store, got %T", store)
	}

	cfg.StoreBackend = "sqlite"
	store, err = cfg.NewStore()
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	sq, ok := store.(*SQLiteSessionStore)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	_ = sq.Close()

	cfg.StoreBackend = "postgres"
	if _, err := cfg.NewStore(); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestParsePermissionModeAliases(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"default", PermissionDefault, true},
		{"Ask", PermissionDefault, true},
		{"accept_edits", PermissionAcceptEdits, true},
		{"READONLY", PermissionPlan, true},
		{"plan", PermissionPlan, true},
		{"yolo", PermissionBypass, true},
		{"bypass permissions", PermissionBypass, true},
		{"root", "", false},
	}
	for _, tc := range cases {
		got, ok := ParsePermissionMode(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParsePermissionMode(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
	if NormalizePermissionMode("garbage") != PermissionDefault {
		t.Fatalf("normalize should fall back to default")
	}
}
