package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of the umka tool and of sessions
// opened from it.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Library LibraryConfig `yaml:"library"`
	Pool    PoolConfig    `yaml:"pool"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// SessionConfig holds per-VM settings.
type SessionConfig struct {
	MaxDiagnostics   int      `yaml:"max_diagnostics"`
	CallTimeoutMs    int      `yaml:"call_timeout_ms"` // advisory, 0 disables
	WorkingDirectory string   `yaml:"working_directory"`
	StackSize        int      `yaml:"stack_size"` // VM stack slots
	Args             []string `yaml:"args"`
	FileSystem       bool     `yaml:"file_system"`
	ImplLibs         bool     `yaml:"impl_libs"`
	Concurrency      string   `yaml:"concurrency"` // "block" or "reject"
}

// CallTimeout returns the advisory timeout as a duration.
func (s SessionConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutMs) * time.Millisecond
}

// LibraryConfig selects the native runtime.
type LibraryConfig struct {
	Backend         string `yaml:"backend"` // "dynlib" or "wasm"
	Path            string `yaml:"path"`    // empty: search the platform's default names
	WASMMaxMemoryMB int    `yaml:"wasm_max_memory_mb"`
}

// PoolConfig holds session pool settings.
type PoolConfig struct {
	Size            int     `yaml:"size"`
	CreateRate      float64 `yaml:"create_rate"` // sessions per second, 0 = unlimited
	CreateBurst     int     `yaml:"create_burst"`
	BreakerFailures int     `yaml:"breaker_failures"`
	BreakerCooldown string  `yaml:"breaker_cooldown"` // duration string
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // "stderr", "stdout", "discard" or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			MaxDiagnostics: 64,
			StackSize:      1024 * 1024,
			Concurrency:    "block",
		},
		Library: LibraryConfig{
			Backend:         "dynlib",
			WASMMaxMemoryMB: 256,
		},
		Pool: PoolConfig{
			Size:            4,
			CreateRate:      0,
			CreateBurst:     1,
			BreakerFailures: 3,
			BreakerCooldown: "30s",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps UMKA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("UMKA_LIBRARY_BACKEND"); v != "" {
		cfg.Library.Backend = v
	}
	if v := os.Getenv("UMKA_LIBRARY_PATH"); v != "" {
		cfg.Library.Path = v
	}
	if v := os.Getenv("UMKA_WORKING_DIRECTORY"); v != "" {
		cfg.Session.WorkingDirectory = v
	}
	if v := os.Getenv("UMKA_CONCURRENCY"); v != "" {
		cfg.Session.Concurrency = v
	}
	if v := os.Getenv("UMKA_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("UMKA_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("UMKA_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("UMKA_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"UMKA_MAX_DIAGNOSTICS", &cfg.Session.MaxDiagnostics},
		{"UMKA_CALL_TIMEOUT_MS", &cfg.Session.CallTimeoutMs},
		{"UMKA_STACK_SIZE", &cfg.Session.StackSize},
		{"UMKA_POOL_SIZE", &cfg.Pool.Size},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", o.env, err)
		}
		*o.dst = n
	}
	return nil
}
