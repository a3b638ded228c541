package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umka-embed/internal/infra/config"
	"umka-embed/internal/infra/logger"
	"umka-embed/pkg/umka"
	"umka-embed/pkg/umka/native"
	"umka-embed/pkg/umka/native/nativetest"
)

type harness struct {
	cli    *cli
	lib    *nativetest.Stub
	stdout bytes.Buffer
	stderr bytes.Buffer
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{lib: nativetest.New(), dir: t.TempDir()}
	h.config = filepath.Join(h.dir, "umka.yaml")
	require.NoError(t, os.WriteFile(h.config, []byte("logger:\n  output: discard\n"), 0o600))
	h.cli = &cli{
		stdout: &h.stdout,
		stderr: &h.stderr,
		openLibrary: func(context.Context, config.LibraryConfig, io.Writer, *slog.Logger) (native.Library, error) {
			return h.lib, nil
		},
	}
	return h
}

func (h *harness) write(t *testing.T, name, text string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func (h *harness) run(cmd string, args ...string) error {
	return h.cli.dispatch(context.Background(), cmd, append([]string{"--config", h.config}, args...))
}

func TestRun(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "main.um", "warn \"shadowed\"\nreturn 1+1")

	require.NoError(t, h.run("run", path, "first", "second"))
	assert.Contains(t, h.stderr.String(), "shadowed")
	assert.Equal(t, h.lib.Creates(), h.lib.Destroys())
}

func TestCall(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "calc.um", "fn add(a: int, b: int): int { return a + b }\nfn greet(n: str): str { return \"hi \" + n }")

	require.NoError(t, h.run("call", path, "add", "2", "3"))
	require.NoError(t, h.run("call", path, "greet", "bob"))
	assert.Equal(t, "5\nhi bob\n", h.stdout.String())

	err := h.run("call", path, "missing")
	assert.ErrorIs(t, err, umka.ErrNotFound)
	assert.Equal(t, h.lib.Creates(), h.lib.Destroys())
}

func TestCall_DeclaresSignatures(t *testing.T) {
	h := newHarness(t)
	h.lib.HideSignatures.Store(true)
	path := h.write(t, "calc.um", "fn add(a: int, b: int): int { return a + b }\nfn greet(n: str): str { return \"hi \" + n }")

	err := h.run("call", path, "add", "2", "3")
	require.ErrorIs(t, err, umka.ErrUnsupportedType)
	assert.Contains(t, err.Error(), "declare")

	require.NoError(t, h.run("call", "--sig", "add:int,int:int", path, "add", "2", "3"))
	require.NoError(t, h.run("call", "--sig=greet:str:str", "--sig", "add:int,int:int", path, "greet", "ann"))
	assert.Equal(t, "5\nhi ann\n", h.stdout.String())
	assert.Equal(t, h.lib.Creates(), h.lib.Destroys())
}

func TestParseSig(t *testing.T) {
	tests := []struct {
		in   string
		want umka.Signature
	}{
		{"add:int,int:int", umka.Sig(umka.KindInt, umka.KindInt, umka.KindInt)},
		{"greet:str:str", umka.Sig(umka.KindString, umka.KindString)},
		{"tick::", umka.Sig(umka.KindVoid)},
		{"log:str", umka.Sig(umka.KindVoid, umka.KindString)},
		{"now::real", umka.Sig(umka.KindReal)},
	}
	for _, tt := range tests {
		d, err := parseSig(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want.Result, d.sig.Result, tt.in)
		assert.Equal(t, len(tt.want.Params), len(d.sig.Params), tt.in)
		for i := range tt.want.Params {
			assert.Equal(t, tt.want.Params[i], d.sig.Params[i], tt.in)
		}
	}

	for _, bad := range []string{"add", ":int:int", "add:int:int:int", "add:cheese:int", "add:void:int", "add:int:cheese"} {
		_, err := parseSig(bad)
		assert.Error(t, err, bad)
	}

	_, _, err := parseFlags("call", []string{"--sig", "add:nope", "a.um", "add"}, false)
	assert.ErrorIs(t, err, errUsage)
	_, _, err = parseFlags("run", []string{"--sig", "add:int:int", "a.um"}, true)
	assert.ErrorIs(t, err, errUsage, "--sig belongs to call")
}

func TestCall_RuntimeErrorExitCode(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "boom.um", "fn boom(): int { error \"bad\" }\nfn run(): int { return boom() }")

	err := h.run("call", path, "run")
	require.ErrorIs(t, err, umka.ErrRuntime)
	assert.Equal(t, 4, exitCode(err))
	assert.Contains(t, h.stderr.String(), "bad")
	assert.Contains(t, h.stderr.String(), "\tat boom.um:1 (in boom)\n\tat boom.um:2 (in run)\n")
}

func TestCheck(t *testing.T) {
	h := newHarness(t)
	good := h.write(t, "good.um", "return 0")
	bad := h.write(t, "bad.um", "return 1 +")

	require.NoError(t, h.run("check", good))
	assert.Equal(t, "good.um: ok\n", h.stdout.String())

	err := h.run("check", bad)
	require.ErrorIs(t, err, umka.ErrCompile)
	assert.Equal(t, 3, exitCode(err))
	assert.Contains(t, h.stderr.String(), "bad.um:1")
}

func TestCheck_WithModules(t *testing.T) {
	h := newHarness(t)
	util := h.write(t, "util.um", "fn sq(x: int): int { return x * x }")
	mainPath := h.write(t, "main.um", "return 0")

	require.NoError(t, h.run("asm", "--module", util, mainPath))
	assert.Contains(t, h.stdout.String(), "sq")
	assert.Contains(t, h.stdout.String(), "ENTRY")

	err := h.run("check", "--module", filepath.Join(h.dir, "none.um"), mainPath)
	assert.ErrorIs(t, err, umka.ErrNotFound)
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("version"))
	assert.Contains(t, h.stdout.String(), "umka dev")
	assert.Contains(t, h.stdout.String(), nativetest.Version)
}

func TestVersion_WithoutLibrary(t *testing.T) {
	h := newHarness(t)
	h.cli.openLibrary = func(context.Context, config.LibraryConfig, io.Writer, *slog.Logger) (native.Library, error) {
		return nil, umka.ErrCreationFailed
	}
	require.NoError(t, h.run("version"))
	assert.Contains(t, h.stdout.String(), "vm: unavailable")
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct {
		cmd  string
		args []string
	}{
		{"bogus", nil},
		{"run", nil},
		{"call", []string{"only-script.um"}},
		{"check", nil},
		{"asm", []string{"a.um", "b.um"}},
		{"call", []string{"--watch", "a.um", "f"}},
		{"run", []string{"--nope"}},
	} {
		err := h.cli.dispatch(context.Background(), tc.cmd, tc.args)
		assert.ErrorIs(t, err, errUsage, "%s %v", tc.cmd, tc.args)
		assert.Equal(t, 2, exitCode(err))
	}
	assert.Zero(t, h.lib.Creates())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("other")))
	assert.Equal(t, 4, exitCode(umka.ErrResourceExhausted))
}

func TestParseFlags(t *testing.T) {
	f, rest, err := parseFlags("run", []string{"--module", "a.um", "--module=b.um", "--watch", "main.um", "--not-a-flag"}, true)
	require.NoError(t, err)
	assert.Equal(t, stringList{"a.um", "b.um"}, f.modules)
	assert.True(t, f.watch)
	assert.Equal(t, []string{"main.um", "--not-a-flag"}, rest)
	assert.Equal(t, "umka.yaml", (&commonFlags{}).configPath())

	t.Setenv("UMKA_CONFIG", "/etc/umka.yaml")
	assert.Equal(t, "/etc/umka.yaml", (&commonFlags{}).configPath())
	assert.Equal(t, "x.yaml", (&commonFlags{config: "x.yaml"}).configPath())
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"2.5", 2.5},
		{"1e3", 1000.0},
		{"true", true},
		{"false", false},
		{"hello", "hello"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseArg(tt.in), tt.in)
	}
}

func TestWatch_RerunsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.um")
	require.NoError(t, os.WriteFile(path, []byte("return 0"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, []string{path}, logger.Discard(), func() { runs.Add(1) })
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("return 1"), 0o600))
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := watch(context.Background(), []string{filepath.Join(t.TempDir(), "gone", "main.um")}, logger.Discard(), func() {})
	assert.Error(t, err)
}
