package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/config"
)

func TestInitCreatesConfigArchiveAndDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intermail.yaml")
	root := filepath.Join(dir, "archive")
	db := filepath.Join(dir, "state", "intermail.db")

	cfg, err := Init(InitOptions{ConfigPath: path, Root: root, DBPath: db}, zerolog.Nop())
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if cfg.Storage.Root != root {
		t.Fatalf("expected root %q, got %q", root, cfg.Storage.Root)
	}
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		t.Fatalf("expected archive repository: %v", err)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if loaded.Storage.DBPath != db {
		t.Fatalf("expected db path %q in config, got %q", db, loaded.Storage.DBPath)
	}
}

func TestInitKeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intermail.yaml")
	opts := InitOptions{ConfigPath: path, Root: filepath.Join(dir, "a"), DBPath: filepath.Join(dir, "a.db")}
	if _, err := Init(opts, zerolog.Nop()); err != nil {
		t.Fatalf("first init: %v", err)
	}
	before, _ := os.ReadFile(path)

	opts.Root = filepath.Join(dir, "b")
	if _, err := Init(opts, zerolog.Nop()); err != nil {
		t.Fatalf("second init: %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("expected config untouched without --force")
	}

	opts.Force = true
	if _, err := Init(opts, zerolog.Nop()); err != nil {
		t.Fatalf("forced init: %v", err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Storage.Root != opts.Root {
		t.Fatalf("expected forced rewrite, got root %q", loaded.Storage.Root)
	}
}

func TestInitRequiresPath(t *testing.T) {
	if _, err := Init(InitOptions{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without config path")
	}
}
