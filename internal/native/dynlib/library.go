//go:build linux || darwin

// Package dynlib runs scripts on a native Umka build (libumka) loaded at run
// time, without cgo.
//
// The library is loaded once per path for the life of the process. Native
// callbacks cannot be released, so warning and host-function callbacks come
// from fixed slot tables created at load; a VM holds its slots until Free.
//
// The C API has no way for a host function to raise a script error. A host
// function that fails returns a zero result to the script, and the failure
// is reported as a runtime error when the run or call returns to the host.
package dynlib

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"umka-embed/internal/domain"
	ilogger "umka-embed/internal/infra/logger"
	"umka-embed/pkg/umka/native"
)

const (
	warningSlots     = 32
	externSlots      = 256
	defaultStackSize = 1024 * 1024
)

var (
	loadMu sync.Mutex
	loaded = map[string]*Library{}
)

// DefaultName is the file name searched when no path is configured.
func DefaultName() string {
	if runtime.GOOS == "darwin" {
		return "libumka.dylib"
	}
	return "libumka.so"
}

func libcName() string {
	if runtime.GOOS == "darwin" {
		return "/usr/lib/libSystem.B.dylib"
	}
	return "libc.so.6"
}

type externEntry struct {
	h    native.Handle
	name string
	sig  native.Signature
	fn   native.ExternFunc
}

type handleState struct {
	pinner   runtime.Pinner
	warnSlot int
	externs  []int
	hostErr  *native.RawError
}

// Library is a loaded libumka.
type Library struct {
	path    string
	sym     *symbols
	version string
	logger  *slog.Logger

	warnings *slotTable[native.WarningFunc]
	warnCB   []uintptr
	externs  *slotTable[externEntry]
	externCB []uintptr

	mu      sync.Mutex
	handles map[native.Handle]*handleState
}

var _ native.Library = (*Library)(nil)

// Open loads the library at path, or DefaultName when path is empty. Later
// calls with the same path return the same Library.
func Open(path string, logger *slog.Logger) (*Library, error) {
	if path == "" {
		path = DefaultName()
	}
	if logger == nil {
		logger = ilogger.Discard()
	}
	loadMu.Lock()
	defer loadMu.Unlock()
	if l, ok := loaded[path]; ok {
		return l, nil
	}

	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrCreationFailed, path, err)
	}
	libc, err := purego.Dlopen(libcName(), purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: load libc: %v", domain.ErrCreationFailed, err)
	}
	sym, err := bind(lib, libc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCreationFailed, path, err)
	}

	l := &Library{
		path:     path,
		sym:      sym,
		version:  sym.version(),
		logger:   logger.With("library", path),
		warnings: newSlotTable[native.WarningFunc](warningSlots),
		externs:  newSlotTable[externEntry](externSlots),
		handles:  make(map[native.Handle]*handleState),
	}
	for i := range warningSlots {
		l.warnCB = append(l.warnCB, purego.NewCallback(func(errPtr uintptr) { l.dispatchWarning(i, errPtr) }))
	}
	for i := range externSlots {
		l.externCB = append(l.externCB, purego.NewCallback(func(params, result uintptr) { l.dispatchExtern(i, params, result) }))
	}
	loaded[path] = l
	l.logger.Info("native library loaded", "version", l.version)
	return l, nil
}

func (l *Library) dispatchWarning(slot int, errPtr uintptr) {
	fn, ok := l.warnings.get(slot)
	if !ok || fn == nil {
		return
	}
	if raw, ok := readError(errPtr); ok {
		fn(raw)
	}
}

func (l *Library) dispatchExtern(slot int, params, result uintptr) {
	e, ok := l.externs.get(slot)
	if !ok {
		return
	}
	args := make([]native.Slot, len(e.sig.Params))
	for i := range args {
		args[i] = peekSlot(l.sym.getParam(params, int32(i)))
	}
	out, err := e.fn(e.h, args)
	if err != nil {
		l.mu.Lock()
		if hs := l.handles[e.h]; hs != nil && hs.hostErr == nil {
			hs.hostErr = &native.RawError{Func: e.name, Code: int(native.StatusRuntime), Msg: err.Error()}
		}
		l.mu.Unlock()
		out = 0
	}
	if e.sig.Result != native.KindVoid {
		if p := l.sym.getResult(params, result); p != 0 {
			pokeSlot(p, out)
		}
	}
}

func (l *Library) state(h native.Handle) *handleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[h]
}

// pin keeps a C string alive in Go memory until the VM is freed.
func (hs *handleState) pin(s string) *byte {
	b := nulTerminated(s)
	hs.pinner.Pin(&b[0])
	return &b[0]
}

func (hs *handleState) argv(args []string) uintptr {
	ptrs := make([]uintptr, len(args)+1)
	for i, a := range args {
		ptrs[i] = uintptr(unsafe.Pointer(hs.pin(a)))
	}
	hs.pinner.Pin(&ptrs[0])
	return uintptr(unsafe.Pointer(&ptrs[0]))
}

func (l *Library) Version() string { return l.version }

func (l *Library) Alloc() native.Handle {
	h := native.Handle(l.sym.alloc())
	if h == 0 {
		return 0
	}
	l.mu.Lock()
	l.handles[h] = &handleState{warnSlot: -1}
	l.mu.Unlock()
	return h
}

func (l *Library) Init(h native.Handle, p native.InitParams) bool {
	hs := l.state(h)
	if hs == nil {
		return false
	}
	stack := p.StackSize
	if stack <= 0 {
		stack = defaultStackSize
	}
	var warn uintptr
	if p.Warning != nil {
		if i, ok := l.warnings.bind(p.Warning); ok {
			hs.warnSlot = i
			warn = l.warnCB[i]
		} else {
			l.logger.Warn("no free warning slot, warnings of this VM are dropped", "in_use", l.warnings.inUse())
		}
	}
	return l.sym.init(uintptr(h), hs.pin(p.FileName), hs.pin(p.Source), int32(stack), 0,
		int32(len(p.Args)), hs.argv(p.Args),
		p.Features.Has(native.FeatureFileSystem), p.Features.Has(native.FeatureImplLibs), warn)
}

func (l *Library) AddModule(h native.Handle, fileName, source string) bool {
	hs := l.state(h)
	if hs == nil {
		return false
	}
	return l.sym.addModule(uintptr(h), hs.pin(fileName), hs.pin(source))
}

func (l *Library) AddFunc(h native.Handle, name string, sig native.Signature, fn native.ExternFunc) bool {
	hs := l.state(h)
	if hs == nil {
		return false
	}
	i, ok := l.externs.bind(externEntry{h: h, name: name, sig: sig, fn: fn})
	if !ok {
		l.logger.Warn("no free host function slot", "func", name, "in_use", l.externs.inUse())
		return false
	}
	if !l.sym.addFunc(uintptr(h), name, l.externCB[i]) {
		l.externs.release(i)
		return false
	}
	l.mu.Lock()
	hs.externs = append(hs.externs, i)
	l.mu.Unlock()
	return true
}

func (l *Library) Compile(h native.Handle) bool { return l.sym.compile(uintptr(h)) }

func (l *Library) clearHostErr(h native.Handle) {
	l.mu.Lock()
	if hs := l.handles[h]; hs != nil {
		hs.hostErr = nil
	}
	l.mu.Unlock()
}

// finish turns a run or call return code into a Status.
func (l *Library) finish(h native.Handle, code int32) native.Status {
	if code != 0 {
		raw, _ := readError(l.sym.getError(uintptr(h)))
		return native.NormalizeStatus(code, raw.Msg)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if hs := l.handles[h]; hs != nil && hs.hostErr != nil {
		return native.StatusRuntime
	}
	return native.StatusOK
}

func (l *Library) Run(h native.Handle) native.Status {
	l.clearHostErr(h)
	return l.finish(h, l.sym.run(uintptr(h)))
}

func (l *Library) GetFunc(h native.Handle, module, name string) (*native.Func, bool) {
	ctx := &funcContext{}
	var mod *byte
	if module != "" {
		b := nulTerminated(module)
		mod = &b[0]
	}
	if !l.sym.getFunc(uintptr(h), mod, name, ctx) {
		return nil, false
	}
	// The C API does not expose function types; callers declare them.
	return &native.Func{Module: module, Name: name, Ref: ctx}, true
}

func funcCtx(fn *native.Func) *funcContext {
	if fn == nil {
		return nil
	}
	ctx, _ := fn.Ref.(*funcContext)
	return ctx
}

func (l *Library) SetParam(h native.Handle, fn *native.Func, index int, v native.Slot) bool {
	ctx := funcCtx(fn)
	if ctx == nil {
		return false
	}
	p := l.sym.getParam(ctx.params, int32(index))
	if p == 0 {
		return false
	}
	pokeSlot(p, v)
	return true
}

func (l *Library) Call(h native.Handle, fn *native.Func) native.Status {
	ctx := funcCtx(fn)
	if ctx == nil {
		return native.Status(-1)
	}
	l.clearHostErr(h)
	return l.finish(h, l.sym.call(uintptr(h), ctx))
}

func (l *Library) Result(h native.Handle, fn *native.Func) native.Slot {
	ctx := funcCtx(fn)
	if ctx == nil {
		return 0
	}
	p := l.sym.getResult(ctx.params, ctx.result)
	if p == 0 {
		return 0
	}
	return peekSlot(p)
}

func (l *Library) GetError(h native.Handle) (native.RawError, bool) {
	l.mu.Lock()
	if hs := l.handles[h]; hs != nil && hs.hostErr != nil {
		raw := *hs.hostErr
		l.mu.Unlock()
		return raw, true
	}
	l.mu.Unlock()
	return readError(l.sym.getError(uintptr(h)))
}

// frameNameSize bounds the file and function names umkaGetCallStack writes.
const frameNameSize = 256

func (l *Library) CallStack(h native.Handle, depth int) []native.Frame {
	if l.sym.getCallStack == nil || depth <= 0 {
		return nil
	}
	file := make([]byte, frameNameSize)
	fn := make([]byte, frameNameSize)
	var frames []native.Frame
	for d := range depth {
		var offset, line int32
		clear(file)
		clear(fn)
		if !l.sym.getCallStack(uintptr(h), int32(d), frameNameSize, &offset, &file[0], &fn[0], &line) {
			break
		}
		frames = append(frames, native.Frame{File: bufString(file), Func: bufString(fn), Line: int(line)})
	}
	return frames
}

func (l *Library) MakeStr(h native.Handle, s string) native.Ptr {
	return native.Ptr(l.sym.makeStr(uintptr(h), s))
}

func (l *Library) ReadStr(h native.Handle, p native.Ptr) (string, bool) {
	if p == 0 {
		return "", false
	}
	n := l.sym.getStrLen(uintptr(p))
	return cBytes(uintptr(p), int(n)), true
}

func (l *Library) IncRef(h native.Handle, p native.Ptr) { l.sym.incRef(uintptr(h), uintptr(p)) }
func (l *Library) DecRef(h native.Handle, p native.Ptr) { l.sym.decRef(uintptr(h), uintptr(p)) }

func (l *Library) Asm(h native.Handle) string {
	p := l.sym.asm(uintptr(h))
	if p == 0 {
		return ""
	}
	defer l.sym.cfree(p)
	return cString(p)
}

func (l *Library) MemUsage(h native.Handle) int64 { return l.sym.memUsage(uintptr(h)) }

func (l *Library) Free(h native.Handle) {
	l.sym.free(uintptr(h))
	l.mu.Lock()
	hs := l.handles[h]
	delete(l.handles, h)
	l.mu.Unlock()
	if hs == nil {
		return
	}
	l.warnings.release(hs.warnSlot)
	for _, i := range hs.externs {
		l.externs.release(i)
	}
	hs.pinner.Unpin()
}
