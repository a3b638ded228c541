package wasmabi

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"umka-embed/internal/domain"
)

// HostModule is the import module the shim's warning callback resolves to.
const HostModule = "env"

// Options configure the WebAssembly runtime.
type Options struct {
	// MaxMemoryPages is the maximum number of 64KB pages per VM instance.
	// Default 4096 = 256MB.
	MaxMemoryPages uint32
	// MountDir is exposed to scripts as "/" when set.
	MountDir string
	Stdout   io.Writer
	Stderr   io.Writer
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{MaxMemoryPages: 4096}
}

// PagesForMB converts a memory budget to 64KB pages.
func PagesForMB(mb int) uint32 {
	if mb <= 0 {
		return 0
	}
	return uint32(mb) * 16
}

// newRuntime creates a wazero runtime with WASI and the host module.
func newRuntime(ctx context.Context, opts Options, warn api.GoModuleFunc, logger *slog.Logger) (wazero.Runtime, error) {
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(opts.MaxMemoryPages)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate wasi: %v", domain.ErrCreationFailed, err)
	}
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(warn, []api.ValueType{api.ValueTypeI32}, nil).
		Export("umka_warning").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate host module: %v", domain.ErrCreationFailed, err)
	}

	logger.Info("wasm runtime created",
		"max_memory_pages", opts.MaxMemoryPages,
		"max_memory_mb", opts.MaxMemoryPages*64/1024,
	)
	return rt, nil
}

func (l *Library) moduleConfig(name string) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")
	if l.opts.Stdout != nil {
		cfg = cfg.WithStdout(l.opts.Stdout)
	}
	if l.opts.Stderr != nil {
		cfg = cfg.WithStderr(l.opts.Stderr)
	}
	if l.opts.MountDir != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(l.opts.MountDir, "/"))
	}
	return cfg
}
