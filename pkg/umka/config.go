package umka

import (
	"log/slog"
	"time"

	"umka-embed/internal/infra/config"
	"umka-embed/pkg/umka/native"
)

// Config configures one session.
type Config struct {
	// Library is the native runtime the session allocates its VM on.
	Library native.Library

	// MaxDiagnostics bounds the pending diagnostics kept between drains.
	MaxDiagnostics int
	// CallTimeout is advisory: a call running past it returns ErrTimeout but
	// keeps the session busy until the VM actually returns. Zero disables it.
	CallTimeout time.Duration
	// WorkingDirectory resolves relative paths given to AddModuleFile.
	WorkingDirectory string

	StackSize  int
	Args       []string
	FileSystem bool
	ImplLibs   bool
	// Concurrency is "block" (default) or "reject".
	Concurrency string

	Logger *slog.Logger
}

// FromSettings builds a session Config from file settings.
func FromSettings(s config.SessionConfig, lib native.Library, logger *slog.Logger) Config {
	return Config{
		Library:          lib,
		MaxDiagnostics:   s.MaxDiagnostics,
		CallTimeout:      s.CallTimeout(),
		WorkingDirectory: s.WorkingDirectory,
		StackSize:        s.StackSize,
		Args:             s.Args,
		FileSystem:       s.FileSystem,
		ImplLibs:         s.ImplLibs,
		Concurrency:      s.Concurrency,
		Logger:           logger,
	}
}

func (c Config) features() native.Features {
	var f native.Features
	if c.FileSystem {
		f |= native.FeatureFileSystem
	}
	if c.ImplLibs {
		f |= native.FeatureImplLibs
	}
	return f
}
