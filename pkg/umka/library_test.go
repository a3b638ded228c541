package umka

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"umka-embed/internal/infra/config"
	"umka-embed/pkg/umka/native/nativetest"
)

func TestOpenLibrary_UnknownBackend(t *testing.T) {
	lib, err := OpenLibrary(context.Background(), config.LibraryConfig{Backend: "jvm"}, nil, nil)
	assert.ErrorIs(t, err, ErrCreationFailed)
	assert.Nil(t, lib)
}

func TestOpenLibrary_MissingWASM(t *testing.T) {
	cfg := config.LibraryConfig{Backend: "wasm", Path: filepath.Join(t.TempDir(), "umka.wasm")}
	lib, err := OpenLibrary(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, ErrCreationFailed)
	assert.Nil(t, lib)
}

func TestCloseLibrary_WithoutCloser(t *testing.T) {
	assert.NoError(t, CloseLibrary(nativetest.New()))
}
