// Package config loads service configuration from an optional YAML file,
// then applies INTERMAIL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. INTERMAIL_SERVER_ADDR.
const EnvPrefix = "INTERMAIL"

// DefaultFile is read by the CLI when --config is not given.
const DefaultFile = "intermail.yaml"

type Config struct {
	Storage      StorageConfig     `yaml:"storage" envconfig:"STORAGE"`
	Cache        CacheConfig       `yaml:"cache" envconfig:"CACHE"`
	Server       ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Sweeper      SweeperConfig     `yaml:"sweeper" envconfig:"SWEEPER"`
	Log          LogConfig         `yaml:"log" envconfig:"LOG"`
	Archive      ArchiveConfig     `yaml:"archive" envconfig:"ARCHIVE"`
	Reservations ReservationConfig `yaml:"reservations" envconfig:"RESERVATIONS"`
	Slots        SlotConfig        `yaml:"slots" envconfig:"SLOTS"`
}

type StorageConfig struct {
	// Root is the archive working tree.
	Root   string `yaml:"root" envconfig:"ROOT"`
	DBPath string `yaml:"db_path" envconfig:"DB_PATH"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity" envconfig:"CAPACITY"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr" envconfig:"ADDR"`
	SocketPath string `yaml:"socket_path" envconfig:"SOCKET_PATH"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	// ReconcileGrace is how old an unarchived message must be before the
	// sweeper re-archives it. Zero disables reconciliation in the sweeper.
	ReconcileGrace time.Duration `yaml:"reconcile_grace" envconfig:"RECONCILE_GRACE"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

type ArchiveConfig struct {
	AuthorName  string `yaml:"author_name" envconfig:"AUTHOR_NAME"`
	AuthorEmail string `yaml:"author_email" envconfig:"AUTHOR_EMAIL"`
	// Layout is "shared" (one repository) or "per_project".
	Layout string `yaml:"layout" envconfig:"LAYOUT"`
}

type ReservationConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
	// Strict makes the transport refuse overlapping exclusive claims.
	Strict bool `yaml:"strict" envconfig:"STRICT"`
}

type SlotConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{Root: "archive", DBPath: "intermail.db"},
		Cache:   CacheConfig{Capacity: 8},
		Server:  ServerConfig{Addr: ":8765"},
		Sweeper: SweeperConfig{Interval: time.Minute, ReconcileGrace: 5 * time.Minute},
		Log:     LogConfig{Level: "info", Format: "json"},
		Archive: ArchiveConfig{
			AuthorName:  "mcp-bot",
			AuthorEmail: "mcp-bot@localhost",
			Layout:      "shared",
		},
		Reservations: ReservationConfig{DefaultTTL: 30 * time.Minute},
		Slots:        SlotConfig{DefaultTTL: time.Hour},
	}
}

// Load reads path when it exists, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Storage.Root) == "" {
		problems = append(problems, "storage.root is required")
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		problems = append(problems, "storage.db_path is required")
	}
	if c.Cache.Capacity <= 0 {
		problems = append(problems, fmt.Sprintf("cache.capacity must be positive, got %d", c.Cache.Capacity))
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Sweeper.Interval <= 0 {
		problems = append(problems, "sweeper.interval must be positive")
	}
	if c.Sweeper.ReconcileGrace < 0 {
		problems = append(problems, "sweeper.reconcile_grace must not be negative")
	}
	if c.Reservations.DefaultTTL <= 0 {
		problems = append(problems, "reservations.default_ttl must be positive")
	}
	if c.Slots.DefaultTTL <= 0 {
		problems = append(problems, "slots.default_ttl must be positive")
	}
	switch c.Archive.Layout {
	case "shared", "per_project":
	default:
		problems = append(problems, fmt.Sprintf("archive.layout must be shared or per_project, got %q", c.Archive.Layout))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be json or console, got %q", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LockPath is the file serve locks so only one process owns the store.
func (c Config) LockPath() string {
	return c.Storage.DBPath + ".lock"
}

// Save writes c as YAML, creating the parent directory.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
