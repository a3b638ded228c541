//go:build !linux && !darwin

package dynlib

import (
	"fmt"
	"log/slog"
	"runtime"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// Library is unavailable on this platform.
type Library struct{ native.Library }

// DefaultName is the file name searched when no path is configured.
func DefaultName() string { return "umka.dll" }

// Open always fails: dynamic loading is supported on linux and darwin only.
func Open(path string, logger *slog.Logger) (*Library, error) {
	return nil, fmt.Errorf("%w: dynamic library backend is not supported on %s", domain.ErrCreationFailed, runtime.GOOS)
}
