// Package cli holds the non-serving commands' logic so it can be tested
// without the cobra wiring.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/archive"
	"github.com/mistakeknot/intermail/internal/config"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

type InitOptions struct {
	ConfigPath string
	// Root and DBPath override the config when set.
	Root   string
	DBPath string
	Layout string
	// Force rewrites an existing config file.
	Force bool
}

// Init writes the config file, creates the database schema and initializes
// the archive repository. It is safe to run again: existing repositories and
// databases are opened, not replaced.
func Init(opts InitOptions, logger zerolog.Logger) (config.Config, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		return config.Config{}, fmt.Errorf("config path required")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Root != "" {
		cfg.Storage.Root = opts.Root
	}
	if opts.DBPath != "" {
		cfg.Storage.DBPath = opts.DBPath
	}
	if opts.Layout != "" {
		cfg.Archive.Layout = opts.Layout
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	_, statErr := os.Stat(path)
	switch {
	case errors.Is(statErr, os.ErrNotExist) || opts.Force:
		if err := cfg.Save(path); err != nil {
			return config.Config{}, err
		}
		logger.Info().Str("path", path).Msg("config written")
	case statErr != nil:
		return config.Config{}, fmt.Errorf("stat config: %w", statErr)
	default:
		logger.Info().Str("path", path).Msg("config exists, left unchanged")
	}

	store, err := sqlite.New(cfg.Storage.DBPath, logger)
	if err != nil {
		return config.Config{}, err
	}
	if err := store.Close(); err != nil {
		return config.Config{}, fmt.Errorf("close store: %w", err)
	}

	// per-project repositories are created on first message
	if cfg.Archive.Layout == "shared" {
		repo, err := archive.Open(cfg.Storage.Root, archive.Options{
			Author: archive.Identity{Name: cfg.Archive.AuthorName, Email: cfg.Archive.AuthorEmail},
			Logger: logger,
		})
		if err != nil {
			return config.Config{}, err
		}
		repo.Close()
	} else if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return config.Config{}, fmt.Errorf("create archive root: %w", err)
	}
	return cfg, nil
}
