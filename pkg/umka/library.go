package umka

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"umka-embed/internal/infra/config"
	"umka-embed/internal/native/dynlib"
	"umka-embed/internal/native/wasmabi"
	"umka-embed/pkg/umka/native"
)

// OpenLibrary loads the native runtime selected by cfg. Libraries that hold
// process resources implement native.Closer.
func OpenLibrary(ctx context.Context, cfg config.LibraryConfig, stdout io.Writer, logger *slog.Logger) (native.Library, error) {
	switch cfg.Backend {
	case "", "dynlib":
		lib, err := dynlib.Open(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return lib, nil
	case "wasm":
		opts := wasmabi.DefaultOptions()
		if pages := wasmabi.PagesForMB(cfg.WASMMaxMemoryMB); pages > 0 {
			opts.MaxMemoryPages = pages
		}
		opts.Stdout = stdout
		lib, err := wasmabi.Open(ctx, cfg.Path, opts, logger)
		if err != nil {
			return nil, err
		}
		return lib, nil
	}
	return nil, fmt.Errorf("%w: unknown library backend %q", ErrCreationFailed, cfg.Backend)
}

// CloseLibrary releases lib if it holds process resources.
func CloseLibrary(lib native.Library) error {
	if c, ok := lib.(native.Closer); ok {
		return c.Close()
	}
	return nil
}
