package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSession(cfg, ve)
	validateLibrary(cfg, ve)
	validatePool(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.MaxDiagnostics < 1 {
		ve.Add("session.max_diagnostics must be >= 1, got %d", s.MaxDiagnostics)
	}
	if s.CallTimeoutMs < 0 {
		ve.Add("session.call_timeout_ms must be >= 0, got %d", s.CallTimeoutMs)
	}
	if s.StackSize < 0 {
		ve.Add("session.stack_size must be >= 0, got %d", s.StackSize)
	}
	switch s.Concurrency {
	case "", "block", "reject":
	default:
		ve.Add("session.concurrency must be block or reject, got %q", s.Concurrency)
	}
}

func validateLibrary(cfg *Config, ve *ValidationError) {
	l := cfg.Library
	switch l.Backend {
	case "dynlib":
	case "wasm":
		if l.Path == "" {
			ve.Add("library.path is required for the wasm backend")
		}
		if l.WASMMaxMemoryMB < 1 || l.WASMMaxMemoryMB > 4096 {
			ve.Add("library.wasm_max_memory_mb must be 1..4096, got %d", l.WASMMaxMemoryMB)
		}
	default:
		ve.Add("library.backend must be dynlib or wasm, got %q", l.Backend)
	}
}

func validatePool(cfg *Config, ve *ValidationError) {
	p := cfg.Pool
	if p.Size < 1 {
		ve.Add("pool.size must be >= 1, got %d", p.Size)
	}
	if p.CreateRate < 0 {
		ve.Add("pool.create_rate must be >= 0, got %g", p.CreateRate)
	}
	if p.CreateRate > 0 && p.CreateBurst < 1 {
		ve.Add("pool.create_burst must be >= 1 when create_rate is set")
	}
	if p.BreakerFailures < 1 {
		ve.Add("pool.breaker_failures must be >= 1, got %d", p.BreakerFailures)
	}
	if p.BreakerCooldown != "" {
		if d, err := time.ParseDuration(p.BreakerCooldown); err != nil {
			ve.Add("pool.breaker_cooldown: %v", err)
		} else if d <= 0 {
			ve.Add("pool.breaker_cooldown must be positive")
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not recognized", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}
}
