package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Session.MaxDiagnostics != 64 {
		t.Errorf("MaxDiagnostics = %d, want 64", cfg.Session.MaxDiagnostics)
	}
	if cfg.Session.Concurrency != "block" {
		t.Errorf("Concurrency = %q, want block", cfg.Session.Concurrency)
	}
	if cfg.Library.Backend != "dynlib" {
		t.Errorf("Backend = %q, want dynlib", cfg.Library.Backend)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MaxDiagnostics != 64 {
		t.Errorf("expected defaults, got MaxDiagnostics=%d", cfg.Session.MaxDiagnostics)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "umka.yaml")
	content := `
session:
  max_diagnostics: 8
  call_timeout_ms: 250
  working_directory: "./scripts"
  args: ["-v", "x"]
  concurrency: reject
library:
  backend: wasm
  path: ./umka.wasm
logger:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MaxDiagnostics != 8 {
		t.Errorf("MaxDiagnostics = %d, want 8", cfg.Session.MaxDiagnostics)
	}
	if got := cfg.Session.CallTimeout(); got != 250*time.Millisecond {
		t.Errorf("CallTimeout = %v", got)
	}
	if cfg.Session.Concurrency != "reject" || len(cfg.Session.Args) != 2 {
		t.Errorf("session mismatch: %+v", cfg.Session)
	}
	if cfg.Library.Backend != "wasm" || cfg.Library.WASMMaxMemoryMB != 256 {
		t.Errorf("library mismatch: %+v", cfg.Library)
	}
	if cfg.Session.StackSize != 1024*1024 {
		t.Errorf("unset fields must keep defaults, StackSize = %d", cfg.Session.StackSize)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("session: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadRunsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(path, []byte("session:\n  max_diagnostics: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var ve *ValidationError
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	assertContains(t, ve.Error(), "session.max_diagnostics")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("UMKA_LIBRARY_PATH", "/opt/umka/libumka.so")
	t.Setenv("UMKA_LOGGER_LEVEL", "debug")
	t.Setenv("UMKA_CALL_TIMEOUT_MS", "1500")
	t.Setenv("UMKA_TRACER_ENABLED", "true")
	t.Setenv("UMKA_CONCURRENCY", "reject")

	cfg := Defaults()
	if err := ApplyEnvOverrides(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Library.Path != "/opt/umka/libumka.so" {
		t.Errorf("Library.Path = %q", cfg.Library.Path)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
	if cfg.Session.CallTimeoutMs != 1500 {
		t.Errorf("CallTimeoutMs = %d", cfg.Session.CallTimeoutMs)
	}
	if !cfg.Tracer.Enabled {
		t.Error("tracer should be enabled")
	}
	if cfg.Session.Concurrency != "reject" {
		t.Errorf("Concurrency = %q", cfg.Session.Concurrency)
	}
}

func TestEnvOverridesBadInt(t *testing.T) {
	t.Setenv("UMKA_MAX_DIAGNOSTICS", "many")
	err := ApplyEnvOverrides(Defaults())
	if err == nil || !strings.Contains(err.Error(), "UMKA_MAX_DIAGNOSTICS") {
		t.Fatalf("expected env error, got %v", err)
	}
}
