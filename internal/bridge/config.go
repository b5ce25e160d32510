package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const (
	defaultUpdateIntervalSeconds = 4
	minUpdateIntervalSeconds     = 1
	defaultMaxMessageChars       = 3800
	minMessageChars              = 500
)

type Config struct {
	StorageRoot  string `yaml:"storage_root"`
	StoreBackend string `yaml:"store_backend"` // file|sqlite

	DefaultModel          string `yaml:"default_model"`
	DefaultPermissionMode string `yaml:"default_permission_mode"`

	UpdateIntervalSeconds int `yaml:"update_interval_seconds"`
	MaxMessageChars       int `yaml:"max_message_chars"`
	ThinkingBudget        int `yaml:"thinking_budget"`

	MirrorPollSeconds       int `yaml:"mirror_poll_seconds"`
	ApprovalTTLHours        int `yaml:"approval_ttl_hours"`
	ApprovalReminderMinutes int `yaml:"approval_reminder_minutes"`
}

func DefaultConfig() Config {
	return Config{
		StorageRoot:             DefaultStorageRoot(),
		StoreBackend:            "file",
		DefaultPermissionMode:   PermissionDefault,
		UpdateIntervalSeconds:   defaultUpdateIntervalSeconds,
		MaxMessageChars:         defaultMaxMessageChars,
		ThinkingBudget:          0,
		MirrorPollSeconds:       5,
		ApprovalTTLHours:        72,
		ApprovalReminderMinutes: 60,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = DefaultStorageRoot()
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "file"
	}
	if cfg.DefaultPermissionMode == "" {
		cfg.DefaultPermissionMode = PermissionDefault
	}
	if cfg.UpdateIntervalSeconds < minUpdateIntervalSeconds {
		cfg.UpdateIntervalSeconds = defaultUpdateIntervalSeconds
	}
	if cfg.MaxMessageChars < minMessageChars {
		cfg.MaxMessageChars = defaultMaxMessageChars
	}
	if cfg.MirrorPollSeconds <= 0 {
		cfg.MirrorPollSeconds = 5
	}
	if cfg.ApprovalTTLHours <= 0 {
		cfg.ApprovalTTLHours = 72
	}
	if cfg.ApprovalReminderMinutes <= 0 {
		cfg.ApprovalReminderMinutes = 60
	}
	return cfg, nil
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.StoreBackend, validation.Required, validation.In("file", "sqlite")),
		validation.Field(&c.DefaultPermissionMode, validation.Required,
			validation.In(PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass)),
		validation.Field(&c.UpdateIntervalSeconds, validation.Min(minUpdateIntervalSeconds)),
		validation.Field(&c.MaxMessageChars, validation.Min(minMessageChars)),
		validation.Field(&c.ThinkingBudget, validation.Min(0)),
	)
}

// NewStore builds the configured session store backend.
func (c Config) NewStore() (SessionStore, error) {
	switch c.StoreBackend {
	case "", "file":
		return NewFileSessionStore(c.StorageRoot), nil
	case "sqlite":
		return NewSQLiteSessionStore(c.StorageRoot)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "chatbridge", "config.yml")
}
