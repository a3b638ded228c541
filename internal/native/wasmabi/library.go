// Package wasmabi runs scripts on an Umka build compiled to WebAssembly.
//
// Each VM handle is its own module instance, so VMs share no memory. The
// guest is a thin shim over umka_api.h exporting, besides malloc and free:
//
//	umka_version() -> str
//	umka_alloc() -> umka
//	umka_init(umka, file, src, stack, argc, argv, fs, impl) -> bool
//	umka_add_module(umka, file, src) -> bool
//	umka_compile(umka) -> bool
//	umka_run(umka) -> code
//	umka_get_func(umka, module, name) -> fn          (0 when missing)
//	umka_set_param(fn, index, i64) -> bool
//	umka_call(umka, fn) -> code
//	umka_get_result(fn) -> i64
//	umka_get_error(umka) -> *UmkaError
//	umka_get_call_stack(umka, depth, size, *offset, file, fn, *line) -> bool  (optional)
//	umka_make_str(umka, s) -> str
//	umka_get_str_len(str) -> len
//	umka_inc_ref(umka, p), umka_dec_ref(umka, p)
//	umka_asm(umka) -> str                           (released with free)
//	umka_mem_usage(umka) -> i64
//	umka_free(umka)
//
// and importing env.umka_warning(*UmkaError) for warnings. Host functions
// are not supported: a shim cannot mint native function pointers.
package wasmabi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"umka-embed/internal/domain"
	ilogger "umka-embed/internal/infra/logger"
	"umka-embed/pkg/umka/native"
)

var requiredExports = []string{
	"malloc", "free",
	"umka_version", "umka_alloc", "umka_init", "umka_add_module", "umka_compile",
	"umka_run", "umka_get_func", "umka_set_param", "umka_call", "umka_get_result",
	"umka_get_error", "umka_make_str", "umka_get_str_len", "umka_inc_ref",
	"umka_dec_ref", "umka_asm", "umka_mem_usage", "umka_free",
}

type instance struct {
	mod  api.Module
	umka uint32
	warn native.WarningFunc
}

// Library hosts VM instances of one compiled Umka module.
type Library struct {
	ctx      context.Context
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	opts     Options
	version  string
	logger   *slog.Logger

	mu        sync.Mutex
	next      native.Handle
	instances map[native.Handle]*instance
	byName    map[string]*instance
}

var (
	_ native.Library = (*Library)(nil)
	_ native.Closer  = (*Library)(nil)
)

// Open reads and compiles the module at path.
func Open(ctx context.Context, path string, opts Options, logger *slog.Logger) (*Library, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrCreationFailed, path, err)
	}
	return New(ctx, wasm, opts, logger)
}

// New compiles wasm and checks that it exports the shim contract. The
// context is used for every call into the guest; cancelling it stops all
// running VMs.
func New(ctx context.Context, wasm []byte, opts Options, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = ilogger.Discard()
	}
	if opts.MaxMemoryPages == 0 {
		opts.MaxMemoryPages = DefaultOptions().MaxMemoryPages
	}
	l := &Library{
		ctx:       ctx,
		opts:      opts,
		logger:    logger,
		instances: make(map[native.Handle]*instance),
		byName:    make(map[string]*instance),
	}

	rt, err := newRuntime(ctx, opts, l.onWarning, logger)
	if err != nil {
		return nil, err
	}
	l.rt = rt

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: compile: %v", domain.ErrCreationFailed, err)
	}
	if missing := missingExports(compiled); len(missing) > 0 {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: module does not export %s", domain.ErrCreationFailed, strings.Join(missing, ", "))
	}
	l.compiled = compiled

	probe, err := rt.InstantiateModule(ctx, compiled, l.moduleConfig("umka-probe"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate: %v", domain.ErrCreationFailed, err)
	}
	if p, ok := l.call(probe, "umka_version"); ok {
		l.version, _ = cString(probe.Memory(), uint32(p))
	}
	_ = probe.Close(ctx)

	logger.Info("wasm library loaded", "version", l.version)
	return l, nil
}

func missingExports(compiled wazero.CompiledModule) []string {
	exported := compiled.ExportedFunctions()
	var missing []string
	for _, name := range requiredExports {
		if _, ok := exported[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// onWarning is env.umka_warning.
func (l *Library) onWarning(_ context.Context, m api.Module, stack []uint64) {
	l.mu.Lock()
	in := l.byName[m.Name()]
	l.mu.Unlock()
	if in == nil || in.warn == nil {
		return
	}
	if raw, ok := readError(m.Memory(), api.DecodeU32(stack[0])); ok {
		in.warn(raw)
	}
}

// call invokes an export. A trap is logged and reported as failure.
func (l *Library) call(mod api.Module, name string, params ...uint64) (uint64, bool) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, false
	}
	res, err := fn.Call(l.ctx, params...)
	if err != nil {
		l.logger.Warn("wasm call trapped", "func", name, "module", mod.Name(), "error", err)
		return 0, false
	}
	if len(res) == 0 {
		return 0, true
	}
	return res[0], true
}

func (l *Library) get(h native.Handle) *instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instances[h]
}

func (l *Library) Version() string { return l.version }

func (l *Library) Alloc() native.Handle {
	l.mu.Lock()
	l.next++
	h := l.next
	l.mu.Unlock()

	name := fmt.Sprintf("umka-%d", h)
	mod, err := l.rt.InstantiateModule(l.ctx, l.compiled, l.moduleConfig(name))
	if err != nil {
		l.logger.Warn("wasm instantiate failed", "error", err)
		return 0
	}
	umka, ok := l.call(mod, "umka_alloc")
	if !ok || uint32(umka) == 0 {
		_ = mod.Close(l.ctx)
		return 0
	}
	in := &instance{mod: mod, umka: uint32(umka)}
	l.mu.Lock()
	l.instances[h] = in
	l.byName[name] = in
	l.mu.Unlock()
	return h
}

// guestStr copies s into the instance. Strings handed to init and
// add_module live as long as the instance does.
func (l *Library) guestStr(in *instance, s string) (uint32, bool) {
	p, err := writeCString(l.ctx, in.mod, s)
	if err != nil {
		l.logger.Warn("wasm string write failed", "error", err)
		return 0, false
	}
	return p, true
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (l *Library) Init(h native.Handle, p native.InitParams) bool {
	in := l.get(h)
	if in == nil {
		return false
	}
	file, ok1 := l.guestStr(in, p.FileName)
	src, ok2 := l.guestStr(in, p.Source)
	if !ok1 || !ok2 {
		return false
	}
	ptrs := make([]uint32, 0, len(p.Args))
	for _, a := range p.Args {
		ap, ok := l.guestStr(in, a)
		if !ok {
			return false
		}
		ptrs = append(ptrs, ap)
	}
	argv, err := writePtrArray(l.ctx, in.mod, ptrs)
	if err != nil {
		l.logger.Warn("wasm argv write failed", "error", err)
		return false
	}
	stack := p.StackSize
	if stack <= 0 {
		stack = 1024 * 1024
	}
	in.warn = p.Warning
	res, ok := l.call(in.mod, "umka_init", uint64(in.umka), uint64(file), uint64(src),
		api.EncodeI32(int32(stack)), api.EncodeI32(int32(len(p.Args))), uint64(argv),
		b2u(p.Features.Has(native.FeatureFileSystem)), b2u(p.Features.Has(native.FeatureImplLibs)))
	return ok && uint32(res) != 0
}

func (l *Library) AddModule(h native.Handle, fileName, source string) bool {
	in := l.get(h)
	if in == nil {
		return false
	}
	file, ok1 := l.guestStr(in, fileName)
	src, ok2 := l.guestStr(in, source)
	if !ok1 || !ok2 {
		return false
	}
	res, ok := l.call(in.mod, "umka_add_module", uint64(in.umka), uint64(file), uint64(src))
	return ok && uint32(res) != 0
}

func (l *Library) AddFunc(h native.Handle, name string, _ native.Signature, _ native.ExternFunc) bool {
	l.logger.Debug("host functions are not supported by the wasm backend", "func", name)
	return false
}

func (l *Library) Compile(h native.Handle) bool {
	in := l.get(h)
	if in == nil {
		return false
	}
	res, ok := l.call(in.mod, "umka_compile", uint64(in.umka))
	return ok && uint32(res) != 0
}

// status converts a run or call result. A trap is an unknown fault.
func (l *Library) status(in *instance, res uint64, ok bool) native.Status {
	if !ok {
		return native.Status(-1)
	}
	code := int32(uint32(res))
	if code == 0 {
		return native.StatusOK
	}
	raw, _ := l.getError(in)
	return native.NormalizeStatus(code, raw.Msg)
}

func (l *Library) Run(h native.Handle) native.Status {
	in := l.get(h)
	if in == nil {
		return native.Status(-1)
	}
	res, ok := l.call(in.mod, "umka_run", uint64(in.umka))
	return l.status(in, res, ok)
}

func (l *Library) GetFunc(h native.Handle, module, name string) (*native.Func, bool) {
	in := l.get(h)
	if in == nil {
		return nil, false
	}
	var mod uint32
	if module != "" {
		p, ok := l.guestStr(in, module)
		if !ok {
			return nil, false
		}
		defer freeGuest(l.ctx, in.mod, p)
		mod = p
	}
	np, ok := l.guestStr(in, name)
	if !ok {
		return nil, false
	}
	defer freeGuest(l.ctx, in.mod, np)

	res, ok := l.call(in.mod, "umka_get_func", uint64(in.umka), uint64(mod), uint64(np))
	if !ok || uint32(res) == 0 {
		return nil, false
	}
	return &native.Func{Module: module, Name: name, Ref: uint32(res)}, true
}

func fnRef(fn *native.Func) uint32 {
	if fn == nil {
		return 0
	}
	p, _ := fn.Ref.(uint32)
	return p
}

func (l *Library) SetParam(h native.Handle, fn *native.Func, index int, v native.Slot) bool {
	in := l.get(h)
	if in == nil || fnRef(fn) == 0 {
		return false
	}
	res, ok := l.call(in.mod, "umka_set_param", uint64(fnRef(fn)), api.EncodeI32(int32(index)), uint64(v))
	return ok && uint32(res) != 0
}

func (l *Library) Call(h native.Handle, fn *native.Func) native.Status {
	in := l.get(h)
	if in == nil || fnRef(fn) == 0 {
		return native.Status(-1)
	}
	res, ok := l.call(in.mod, "umka_call", uint64(in.umka), uint64(fnRef(fn)))
	return l.status(in, res, ok)
}

func (l *Library) Result(h native.Handle, fn *native.Func) native.Slot {
	in := l.get(h)
	if in == nil || fnRef(fn) == 0 {
		return 0
	}
	res, _ := l.call(in.mod, "umka_get_result", uint64(fnRef(fn)))
	return native.Slot(res)
}

func (l *Library) getError(in *instance) (native.RawError, bool) {
	p, ok := l.call(in.mod, "umka_get_error", uint64(in.umka))
	if !ok {
		return native.RawError{}, false
	}
	return readError(in.mod.Memory(), uint32(p))
}

func (l *Library) GetError(h native.Handle) (native.RawError, bool) {
	in := l.get(h)
	if in == nil {
		return native.RawError{}, false
	}
	return l.getError(in)
}

// frameNameSize bounds the file and function names of a stack frame.
const frameNameSize = 256

func (l *Library) CallStack(h native.Handle, depth int) []native.Frame {
	in := l.get(h)
	if in == nil || depth <= 0 || in.mod.ExportedFunction("umka_get_call_stack") == nil {
		return nil
	}
	buf := frameBuf{nameSize: frameNameSize}
	base, err := guestAlloc(l.ctx, in.mod, buf.size())
	if err != nil {
		l.logger.Warn("wasm call stack buffer", "error", err)
		return nil
	}
	defer freeGuest(l.ctx, in.mod, base)
	buf.base = base

	var frames []native.Frame
	for d := range depth {
		res, ok := l.call(in.mod, "umka_get_call_stack", uint64(in.umka), api.EncodeI32(int32(d)),
			uint64(buf.nameSize), uint64(buf.offset()), uint64(buf.file()), uint64(buf.fn()), uint64(buf.line()))
		if !ok || uint32(res) == 0 {
			break
		}
		f, ok := readFrame(in.mod.Memory(), buf)
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

func (l *Library) MakeStr(h native.Handle, s string) native.Ptr {
	in := l.get(h)
	if in == nil {
		return 0
	}
	tmp, ok := l.guestStr(in, s)
	if !ok {
		return 0
	}
	defer freeGuest(l.ctx, in.mod, tmp)
	res, _ := l.call(in.mod, "umka_make_str", uint64(in.umka), uint64(tmp))
	return native.Ptr(uint32(res))
}

func (l *Library) ReadStr(h native.Handle, p native.Ptr) (string, bool) {
	in := l.get(h)
	if in == nil || p == 0 {
		return "", false
	}
	n, ok := l.call(in.mod, "umka_get_str_len", uint64(p))
	if !ok {
		return "", false
	}
	return readBytes(in.mod.Memory(), uint32(p), uint32(n))
}

func (l *Library) IncRef(h native.Handle, p native.Ptr) {
	if in := l.get(h); in != nil {
		l.call(in.mod, "umka_inc_ref", uint64(in.umka), uint64(p))
	}
}

func (l *Library) DecRef(h native.Handle, p native.Ptr) {
	if in := l.get(h); in != nil {
		l.call(in.mod, "umka_dec_ref", uint64(in.umka), uint64(p))
	}
}

func (l *Library) Asm(h native.Handle) string {
	in := l.get(h)
	if in == nil {
		return ""
	}
	p, ok := l.call(in.mod, "umka_asm", uint64(in.umka))
	if !ok || uint32(p) == 0 {
		return ""
	}
	defer freeGuest(l.ctx, in.mod, uint32(p))
	s, _ := cString(in.mod.Memory(), uint32(p))
	return s
}

func (l *Library) MemUsage(h native.Handle) int64 {
	in := l.get(h)
	if in == nil {
		return 0
	}
	res, _ := l.call(in.mod, "umka_mem_usage", uint64(in.umka))
	return int64(res)
}

// Free destroys the VM and its module instance with all of its memory.
func (l *Library) Free(h native.Handle) {
	l.mu.Lock()
	in := l.instances[h]
	delete(l.instances, h)
	if in != nil {
		delete(l.byName, in.mod.Name())
	}
	l.mu.Unlock()
	if in == nil {
		return
	}
	l.call(in.mod, "umka_free", uint64(in.umka))
	if err := in.mod.Close(l.ctx); err != nil {
		l.logger.Warn("wasm module close failed", "module", in.mod.Name(), "error", err)
	}
}

// Close releases the runtime and every remaining instance.
func (l *Library) Close() error {
	if err := l.rt.Close(l.ctx); err != nil {
		return fmt.Errorf("close wasm runtime: %w", err)
	}
	l.logger.Info("wasm runtime closed")
	return nil
}
