package config

import (
	"strings"
	"testing"
)

func TestValidateSession(t *testing.T) {
	cfg := Defaults()
	cfg.Session.MaxDiagnostics = 0
	cfg.Session.CallTimeoutMs = -1
	cfg.Session.Concurrency = "spin"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "session.max_diagnostics must be >= 1")
	assertContains(t, err.Error(), "session.call_timeout_ms must be >= 0")
	assertContains(t, err.Error(), `session.concurrency must be block or reject, got "spin"`)
}

func TestValidateLibrary(t *testing.T) {
	cfg := Defaults()
	cfg.Library.Backend = "jni"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "library.backend must be dynlib or wasm")

	cfg = Defaults()
	cfg.Library.Backend = "wasm"
	cfg.Library.WASMMaxMemoryMB = 9999
	err = Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "library.path is required for the wasm backend")
	assertContains(t, err.Error(), "library.wasm_max_memory_mb must be 1..4096")
}

func TestValidatePool(t *testing.T) {
	cfg := Defaults()
	cfg.Pool.Size = 0
	cfg.Pool.CreateRate = 2
	cfg.Pool.CreateBurst = 0
	cfg.Pool.BreakerCooldown = "soon"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "pool.size must be >= 1")
	assertContains(t, err.Error(), "pool.create_burst must be >= 1")
	assertContains(t, err.Error(), "pool.breaker_cooldown")
}

func TestValidateLoggerAndTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Format = "xml"
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "logger.format must be text or json")
	assertContains(t, err.Error(), "tracer.exporter must be noop or stdout")

	cfg.Tracer.Enabled = false
	cfg.Logger.Format = "json"
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled tracer should not be validated: %v", err)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first error")
	ve.Add("second error")

	msg := ve.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Errorf("unexpected prefix: %s", msg)
	}
	if !strings.Contains(msg, "first error") || !strings.Contains(msg, "second error") {
		t.Errorf("missing error details: %s", msg)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
