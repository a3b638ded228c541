// Package bridge wraps the native entry points of one VM handle with
// precondition checks, serialization and status mapping.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"umka-embed/internal/diag"
	"umka-embed/internal/domain"
	"umka-embed/internal/infra/tracer"
	"umka-embed/internal/marshal"
	"umka-embed/pkg/umka/native"
)

// Bridge owns one native handle. All methods are safe for concurrent use;
// native calls on the handle never overlap.
type Bridge struct {
	lib    native.Library
	opts   Options
	logger *slog.Logger
	diags  *diag.Channel

	mu             sync.Mutex
	handle         *nativeHandle
	state          domain.State
	busy           bool
	wake           chan struct{}
	destroyPending bool
	fileName       string
	modules        []module
	hostFuncs      []hostFunc
	declared       map[string]domain.Signature

	// guarded by the gate, not mu
	funcs   map[string]resolved
	callCtx context.Context

	destroyed chan struct{}
}

type resolved struct {
	fn  *native.Func
	sig domain.Signature
}

// New allocates a handle on lib.
func New(lib native.Library, opts Options) (*Bridge, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h, err := createHandle(lib)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		lib:       lib,
		opts:      opts,
		logger:    opts.Logger,
		diags:     diag.New(opts.MaxDiagnostics),
		handle:    h,
		state:     domain.StateCreated,
		wake:      make(chan struct{}),
		declared:  make(map[string]domain.Signature),
		funcs:     make(map[string]resolved),
		destroyed: make(chan struct{}),
	}
	b.logger.Debug("native handle created", "session", opts.ID)
	return b, nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() domain.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(s domain.State) {
	b.mu.Lock()
	from := b.state
	if from != domain.StateDestroyed {
		b.state = s
	}
	b.mu.Unlock()
	if from != s {
		b.logger.Debug("state change", "session", b.opts.ID, "from", from, "to", s)
	}
}

// Diagnostics drains pending native diagnostics.
func (b *Bridge) Diagnostics() []domain.ErrorRecord {
	return b.diags.Capture(b.State())
}

// Warnings returns the callback the library uses to report warnings.
func (b *Bridge) Warnings() native.WarningFunc { return b.diags.Warnings() }

// Destroyed is closed once the native handle has been freed.
func (b *Bridge) Destroyed() <-chan struct{} { return b.destroyed }

// Version reports the native library version.
func (b *Bridge) Version() string { return b.lib.Version() }

func funcKey(module, name string) string { return module + "\x00" + name }

// registration checks that modules and host functions may still be added.
// The caller holds b.mu.
func (b *Bridge) registration(op string) error {
	if !b.handle.live() || b.destroyPending {
		return b.violation(op, domain.ErrUseAfterDestroy)
	}
	if b.busy {
		return domain.NewDomainError(op, domain.ErrConcurrentAccess, "load in progress")
	}
	if !b.state.CanRegister() {
		return domain.NewDomainError(op, domain.ErrInvalidState, "session is "+b.state.String())
	}
	return nil
}

// AddModule queues an extra source module compiled together with the main
// script.
func (b *Bridge) AddModule(name string, text []byte) error {
	const op = "bridge.add_module"
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.registration(op); err != nil {
		return err
	}
	for _, m := range b.modules {
		if m.name == name {
			return domain.NewDomainError(op, domain.ErrInvalidState, "module "+name+" already added")
		}
	}
	b.modules = append(b.modules, module{name: name, text: string(text)})
	return nil
}

// AddFunc queues a host function registration.
func (b *Bridge) AddFunc(name string, sig domain.Signature, fn HostFunc) error {
	const op = "bridge.add_func"
	if fn == nil {
		return domain.NewDomainError(op, domain.ErrUnsupportedType, "nil host function")
	}
	for _, k := range sig.Params {
		if k == domain.KindVoid || k > domain.KindPtr {
			return domain.NewDomainError(op, domain.ErrUnsupportedType, fmt.Sprintf("parameter kind %s", k))
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.registration(op); err != nil {
		return err
	}
	b.hostFuncs = append(b.hostFuncs, hostFunc{name: name, sig: sig, fn: fn})
	return nil
}

// Declare records the signature of a script function for libraries that
// cannot introspect function types. An empty module means the main module.
func (b *Bridge) Declare(module, name string, sig domain.Signature) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.handle.live() || b.destroyPending {
		return b.violation("bridge.declare", domain.ErrUseAfterDestroy)
	}
	b.declared[funcKey(module, name)] = sig
	return nil
}

// Load initializes the VM with the main script, applies queued modules and
// host functions, and compiles. On failure the session is Faulted.
func (b *Bridge) Load(ctx context.Context, fileName string, text []byte) (err error) {
	const op = "bridge.load"
	ctx, span := tracer.Start(ctx, "load", b.opts.ID, tracer.File(fileName), tracer.Bytes(len(text)))
	defer func() { tracer.Finish(span, err) }()

	h, err := b.acquire(ctx, op)
	if err != nil {
		return err
	}
	b.mu.Lock()
	state := b.state
	modules := append([]module(nil), b.modules...)
	hostFuncs := append([]hostFunc(nil), b.hostFuncs...)
	b.mu.Unlock()
	if !state.CanLoad() {
		b.release()
		return domain.NewDomainError(op, domain.ErrInvalidState, "session is "+state.String())
	}

	source := string(text)
	_, err = b.run(ctx, op, h, func() (domain.NativeValue, error) {
		ok := b.lib.Init(h, native.InitParams{
			FileName:  fileName,
			Source:    source,
			StackSize: b.opts.StackSize,
			Args:      b.opts.Args,
			Features:  b.opts.Features,
			Warning:   b.diags.Warnings(),
		})
		if !ok {
			return domain.Void(), b.fail(op, h, domain.ErrCompile, "init "+fileName)
		}
		for _, m := range modules {
			if !b.lib.AddModule(h, m.name, m.text) {
				return domain.Void(), b.fail(op, h, domain.ErrCompile, "add module "+m.name)
			}
		}
		for _, f := range hostFuncs {
			if !b.lib.AddFunc(h, f.name, f.sig, b.extern(f)) {
				return domain.Void(), b.fail(op, h, domain.ErrUnsupportedType, "host function "+f.name+" rejected by library")
			}
		}
		if !b.lib.Compile(h) {
			return domain.Void(), b.fail(op, h, domain.ErrCompile, "")
		}
		b.mu.Lock()
		b.fileName = fileName
		b.mu.Unlock()
		b.setState(domain.StateLoaded)
		return domain.Void(), nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("script loaded", "session", b.opts.ID, "file", fileName, "modules", len(modules), "host_funcs", len(hostFuncs))
	return nil
}

// Run executes the script's main entry.
func (b *Bridge) Run(ctx context.Context) (err error) {
	const op = "bridge.run"
	ctx, span := tracer.Start(ctx, "run", b.opts.ID)
	defer func() { tracer.Finish(span, err) }()

	h, err := b.acquire(ctx, op)
	if err != nil {
		return err
	}
	if err := b.executable(op); err != nil {
		b.release()
		return err
	}
	_, err = b.run(ctx, op, h, func() (domain.NativeValue, error) {
		b.setState(domain.StateRunning)
		if err := b.status(op, h, b.lib.Run(h)); err != nil {
			b.setState(domain.StateFaulted)
			return domain.Void(), err
		}
		b.setState(domain.StateIdle)
		return domain.Void(), nil
	})
	return err
}

// Call invokes a script function. Arguments are checked against the
// function's signature before anything reaches the library.
func (b *Bridge) Call(ctx context.Context, module, name string, args []domain.NativeValue) (domain.NativeValue, error) {
	ctx, span := tracer.Start(ctx, "call", b.opts.ID, tracer.Function(name), tracer.Args(len(args)))
	v, err := b.call(ctx, "bridge.call", module, name, args)
	tracer.Finish(span, err)
	if err != nil {
		return domain.Void(), err
	}
	return v, nil
}

func (b *Bridge) call(ctx context.Context, op, module, name string, args []domain.NativeValue) (domain.NativeValue, error) {
	h, err := b.acquire(ctx, op)
	if err != nil {
		return domain.Void(), err
	}
	if err := b.executable(op); err != nil {
		b.release()
		return domain.Void(), err
	}
	r, err := b.resolve(op, h, module, name)
	if err == nil {
		err = checkArgs(op, name, r.sig, args)
	}
	if err != nil {
		b.release()
		return domain.Void(), err
	}

	return b.run(ctx, op, h, func() (domain.NativeValue, error) {
		b.setState(domain.StateRunning)
		arena := marshal.NewArena(b.lib, h)
		defer arena.Release()
		for i, a := range args {
			slot, err := arena.Lower(r.sig.Params[i], a)
			if err != nil {
				b.setState(domain.StateIdle)
				return domain.Void(), domain.WrapOp(op, err)
			}
			if !b.lib.SetParam(h, r.fn, i, slot) {
				b.setState(domain.StateFaulted)
				return domain.Void(), b.fail(op, h, domain.ErrUnknownNativeFault, fmt.Sprintf("set parameter %d of %s", i+1, name))
			}
		}
		if err := b.status(op, h, b.lib.Call(h, r.fn)); err != nil {
			b.setState(domain.StateFaulted)
			return domain.Void(), err
		}
		v, err := marshal.Lift(b.lib, h, r.sig.Result, b.lib.Result(h, r.fn))
		if err != nil {
			b.setState(domain.StateFaulted)
			return domain.Void(), domain.WrapOp(op, err)
		}
		b.setState(domain.StateIdle)
		return v, nil
	})
}

func (b *Bridge) executable(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CanExecute() {
		return domain.NewDomainError(op, domain.ErrInvalidState, "session is "+b.state.String())
	}
	return nil
}

// resolve looks up a function and its signature. The caller holds the gate.
func (b *Bridge) resolve(op string, h native.Handle, module, name string) (resolved, error) {
	key := funcKey(module, name)
	if r, ok := b.funcs[key]; ok {
		return r, nil
	}
	fn, ok := b.lib.GetFunc(h, module, name)
	if !ok {
		return resolved{}, domain.NewDomainError(op, domain.ErrNotFound, "function "+name)
	}
	r := resolved{fn: fn}
	if fn.Sig != nil {
		r.sig = *fn.Sig
	} else {
		b.mu.Lock()
		sig, declared := b.declared[key]
		b.mu.Unlock()
		if !declared {
			return resolved{}, domain.NewDomainError(op, domain.ErrUnsupportedType, "signature of "+name+" is unknown; declare it")
		}
		r.sig = sig
	}
	b.funcs[key] = r
	return r, nil
}

func checkArgs(op, name string, sig domain.Signature, args []domain.NativeValue) error {
	if len(args) != len(sig.Params) {
		return domain.NewDomainError(op, domain.ErrUnsupportedType,
			fmt.Sprintf("%s %s takes %d arguments, got %d", name, sig, len(sig.Params), len(args)))
	}
	for i, a := range args {
		if err := marshal.Check(sig.Params[i], a); err != nil {
			return domain.NewDomainError(op, err, fmt.Sprintf("argument %d of %s", i+1, name))
		}
	}
	return nil
}

// Asm returns the VM's assembly listing.
func (b *Bridge) Asm(ctx context.Context) (string, error) {
	h, err := b.acquire(ctx, "bridge.asm")
	if err != nil {
		return "", err
	}
	defer b.release()
	return b.lib.Asm(h), nil
}

// MemoryUsage returns the VM heap usage in bytes.
func (b *Bridge) MemoryUsage(ctx context.Context) (int64, error) {
	h, err := b.acquire(ctx, "bridge.mem_usage")
	if err != nil {
		return 0, err
	}
	defer b.release()
	return b.lib.MemUsage(h), nil
}

// Close destroys the handle. It never waits: if a call is in flight the
// destroy happens when that call returns. Only the first Close has effect.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if !b.handle.live() || b.destroyPending {
		b.mu.Unlock()
		return nil
	}
	if b.busy {
		b.destroyPending = true
		b.mu.Unlock()
		b.logger.Debug("destroy deferred until in-flight call returns", "session", b.opts.ID)
		return nil
	}
	raw := b.handle.take()
	b.state = domain.StateDestroyed
	b.mu.Unlock()
	b.destroy(raw)
	return nil
}

func (b *Bridge) destroy(raw native.Handle) {
	b.lib.Free(raw)
	clear(b.funcs)
	close(b.destroyed)
	b.logger.Debug("native handle destroyed", "session", b.opts.ID)
}
