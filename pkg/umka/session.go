package umka

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"umka-embed/internal/bridge"
	"umka-embed/internal/domain"
	"umka-embed/internal/infra/logger"
	"umka-embed/internal/infra/tracer"
	"umka-embed/internal/marshal"
)

// Session owns one VM. It is safe for concurrent use; calls into the VM are
// serialized according to Config.Concurrency.
type Session struct {
	id     string
	cfg    Config
	b      *bridge.Bridge
	logger *slog.Logger

	digest  atomic.Uint64
	closed  atomic.Bool
	cleanup runtime.Cleanup
}

// leaked is what the cleanup of an unreachable session needs. It must not
// reference the Session.
type leaked struct {
	b      *bridge.Bridge
	logger *slog.Logger
}

func reclaim(l leaked) {
	if l.b.State() == domain.StateDestroyed {
		return
	}
	l.logger.Warn("session was never closed, destroying native handle")
	_ = l.b.Close()
}

// Open allocates a VM on cfg.Library.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	_, span := tracer.Start(ctx, "open", "")
	s, err := open(cfg)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.Session(s.id))
	tracer.Finish(span, nil)
	return s, nil
}

func open(cfg Config) (*Session, error) {
	const op = "umka.open"
	if cfg.Library == nil {
		return nil, domain.NewDomainError(op, domain.ErrCreationFailed, "no native library")
	}
	policy, err := bridge.ParsePolicy(cfg.Concurrency)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrCreationFailed, err.Error())
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	id := ulid.Make().String()
	b, err := bridge.New(cfg.Library, bridge.Options{
		ID:             id,
		StackSize:      cfg.StackSize,
		Args:           cfg.Args,
		Features:       cfg.features(),
		Policy:         policy,
		CallTimeout:    cfg.CallTimeout,
		MaxDiagnostics: cfg.MaxDiagnostics,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{id: id, cfg: cfg, b: b, logger: logger.ForSession(cfg.Logger, id)}
	s.cleanup = runtime.AddCleanup(s, reclaim, leaked{b: b, logger: s.logger})
	s.logger.Debug("session opened", "library", cfg.Library.Version())
	return s, nil
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return s.b.State() }

// Version reports the native library version.
func (s *Session) Version() string { return s.b.Version() }

// Digest returns the digest of the loaded script, or zero before a
// successful load.
func (s *Session) Digest() uint64 { return s.digest.Load() }

// AddModule registers an extra source module. Allowed only before
// LoadScript.
func (s *Session) AddModule(src ScriptSource) error {
	return s.b.AddModule(src.Name, src.Text)
}

// AddModuleFile reads a module from disk, relative to the configured
// working directory, and registers it under path.
func (s *Session) AddModuleFile(path string) error {
	const op = "umka.add_module_file"
	full := path
	if !filepath.IsAbs(path) && s.cfg.WorkingDirectory != "" {
		full = filepath.Join(s.cfg.WorkingDirectory, path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewDomainError(op, domain.ErrNotFound, "module file "+full)
		}
		return domain.WrapOp(op, err)
	}
	return s.b.AddModule(filepath.ToSlash(path), data)
}

// AddFunc registers a host function scripts can call. The script declares
// it as a prototype with a matching signature. Allowed only before
// LoadScript.
func (s *Session) AddFunc(name string, sig Signature, fn HostFunc) error {
	return s.b.AddFunc(name, sig, fn)
}

// Declare supplies the signature of a script function for libraries that
// cannot report it. An empty module means the main script.
func (s *Session) Declare(module, name string, sig Signature) error {
	return s.b.Declare(module, name, sig)
}

// LoadScript compiles src together with registered modules and host
// functions. A failed load leaves the session Faulted; only Close remains.
func (s *Session) LoadScript(ctx context.Context, src ScriptSource) error {
	if err := s.b.Load(ctx, src.Name, src.Text); err != nil {
		return err
	}
	s.digest.Store(src.Digest())
	return nil
}

// Run executes the script's main entry.
func (s *Session) Run(ctx context.Context) error {
	return s.b.Run(ctx)
}

// CallFunction calls a function of the main script. Arguments are Go values
// (ints, floats, bool, string, []byte, Opaque or Value); the result is
// int64, float64, bool, string, Opaque or nil.
func (s *Session) CallFunction(ctx context.Context, name string, args ...any) (any, error) {
	return s.CallIn(ctx, "", name, args...)
}

// CallIn calls a function of an added module.
func (s *Session) CallIn(ctx context.Context, module, name string, args ...any) (any, error) {
	v, err := s.call(ctx, module, name, args)
	if err != nil {
		return nil, err
	}
	return marshal.FromNative(v)
}

func (s *Session) call(ctx context.Context, module, name string, args []any) (Value, error) {
	vals, err := marshal.ToNativeAll(args)
	if err != nil {
		return domain.Void(), domain.WrapOp("umka.call "+name, err)
	}
	return s.b.Call(ctx, module, name, vals)
}

// Call calls a function of the main script and decodes its result into T.
// Decoding never loses precision; a lossy conversion fails with
// ErrPrecisionLoss.
func Call[T any](ctx context.Context, s *Session, name string, args ...any) (T, error) {
	v, err := s.call(ctx, "", name, args)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := marshal.As[T](v)
	if err != nil {
		return out, domain.WrapOp("umka.call "+name, err)
	}
	return out, nil
}

// Diagnostics drains the diagnostics reported since the last drain.
func (s *Session) Diagnostics() []ErrorRecord {
	return s.b.Diagnostics()
}

// Asm returns the VM's assembly listing.
func (s *Session) Asm(ctx context.Context) (string, error) {
	return s.b.Asm(ctx)
}

// MemoryUsage returns the VM heap usage in bytes.
func (s *Session) MemoryUsage(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "mem_usage", s.id)
	n, err := s.b.MemoryUsage(ctx)
	tracer.Finish(span, err)
	return n, err
}

// Close destroys the VM. It is idempotent and never waits for a call in
// flight: the VM is destroyed when that call returns.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cleanup.Stop()
	s.logger.Debug("session closed", "state", s.b.State())
	return s.b.Close()
}
