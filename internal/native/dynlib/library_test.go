//go:build linux || darwin

package dynlib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

func TestOpen_MissingLibrary(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "libumka-missing.so"), nil)
	assert.ErrorIs(t, err, domain.ErrCreationFailed)
}

// TestLibrary_Smoke runs against a real libumka when UMKA_TEST_LIBRARY
// points at one.
func TestLibrary_Smoke(t *testing.T) {
	path := os.Getenv("UMKA_TEST_LIBRARY")
	if path == "" {
		t.Skip("UMKA_TEST_LIBRARY not set")
	}
	lib, err := Open(path, nil)
	require.NoError(t, err)
	again, err := Open(path, nil)
	require.NoError(t, err)
	assert.Same(t, lib, again, "library is loaded once per path")
	assert.NotEmpty(t, lib.Version())

	h := lib.Alloc()
	require.NotZero(t, h)
	defer lib.Free(h)

	src := "fn add(a, b: int): int { return a + b }\nfn main() {}"
	require.True(t, lib.Init(h, native.InitParams{FileName: "main.um", Source: src}))
	require.True(t, lib.Compile(h))

	fn, ok := lib.GetFunc(h, "", "add")
	require.True(t, ok)
	require.True(t, lib.SetParam(h, fn, 0, native.IntSlot(2)))
	require.True(t, lib.SetParam(h, fn, 1, native.IntSlot(3)))
	require.Equal(t, native.StatusOK, lib.Call(h, fn))
	assert.Equal(t, int64(5), lib.Result(h, fn).Int())
}
