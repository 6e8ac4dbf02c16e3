package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitCommandWritesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "intermail.yaml")

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--config", cfgPath,
		"--root", filepath.Join(tmp, "archive"), "--db", filepath.Join(tmp, "intermail.db")})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init: %v", err)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !bytes.Contains(data, []byte("db_path:")) {
		t.Fatalf("expected storage section to be written, got:\n%s", data)
	}
	if !strings.Contains(out.String(), "archive:") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestReconcileCommandOnEmptyStore(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "intermail.yaml")
	setup := rootCmd()
	setup.SetArgs([]string{"init", "--config", cfgPath,
		"--root", filepath.Join(tmp, "archive"), "--db", filepath.Join(tmp, "intermail.db")})
	if err := setup.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"reconcile", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out.String(), "archived 0 message(s)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
