// Package nativetest provides an instrumented in-process native.Library.
//
// The stub interprets a tiny script language (see script.go) and records
// everything a test needs to check the embedding layer's contract: handle
// creation and destruction counts, overlapping entry into one handle, and a
// reference-counted string table that flags double release and use after
// release.
package nativetest

import (
	"fmt"
	"go/constant"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"umka-embed/pkg/umka/native"
)

// Version is reported by (*Stub).Version.
const Version = "nativetest-1.5.2"

type strEntry struct {
	owner native.Handle
	data  string
	refs  int
}

type externFn struct {
	sig native.Signature
	fn  native.ExternFunc
}

type source struct {
	file, src string
}

type frame struct {
	decl   *fnDecl
	params []native.Slot
	result native.Slot
}

type vm struct {
	h        native.Handle
	params   native.InitParams
	inited   bool
	modules  []source
	externs  map[string]externFn
	prog     *program
	lastErr  *native.RawError
	stack    []native.Frame
	active   atomic.Int32
	inExtern atomic.Int32
	maxSeen  atomic.Int32
	released bool
}

// Stub is a native.Library for tests. The zero value is not usable; call New.
type Stub struct {
	mu      sync.Mutex
	nextH   native.Handle
	nextPtr native.Ptr
	vms     map[native.Handle]*vm
	strs    map[native.Ptr]*strEntry
	freed   map[native.Ptr]bool

	violations []string

	// FailAlloc makes Alloc return the null handle.
	FailAlloc atomic.Bool
	// FailInit makes Init report failure.
	FailInit atomic.Bool
	// HideSignatures makes GetFunc return functions without a signature.
	HideSignatures atomic.Bool
	// FailReadStr makes ReadStr fail on live strings.
	FailReadStr atomic.Bool

	callDelay atomic.Int64

	creates     atomic.Int64
	destroys    atomic.Int64
	nativeCalls atomic.Int64
	overlaps    atomic.Int64
	reclaimed   atomic.Int64
}

var _ native.Library = (*Stub)(nil)

// New returns an empty stub.
func New() *Stub {
	return &Stub{
		nextH:   0x1000,
		nextPtr: 0x10,
		vms:     make(map[native.Handle]*vm),
		strs:    make(map[native.Ptr]*strEntry),
		freed:   make(map[native.Ptr]bool),
	}
}

// SetCallDelay makes every Run and Call sleep for d inside the native side.
func (s *Stub) SetCallDelay(d time.Duration) { s.callDelay.Store(int64(d)) }

// Creates is the number of handles allocated.
func (s *Stub) Creates() int64 { return s.creates.Load() }

// Destroys is the number of handles freed.
func (s *Stub) Destroys() int64 { return s.destroys.Load() }

// NativeCalls is the number of entry points invoked.
func (s *Stub) NativeCalls() int64 { return s.nativeCalls.Load() }

// Overlaps counts entries into a handle that was already being executed by
// another goroutine.
func (s *Stub) Overlaps() int64 { return s.overlaps.Load() }

// Reclaimed counts strings still alive when their VM was freed.
func (s *Stub) Reclaimed() int64 { return s.reclaimed.Load() }

// MaxConcurrent is the highest number of simultaneous entries seen for h.
func (s *Stub) MaxConcurrent(h native.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.vms[h]; ok {
		return int(m.maxSeen.Load())
	}
	return 0
}

// Live reports the number of allocated, unreleased handles.
func (s *Stub) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.vms {
		if !m.released {
			n++
		}
	}
	return n
}

// LiveStrings is the number of strings with a positive reference count.
func (s *Stub) LiveStrings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strs)
}

// Violations returns every contract violation observed so far.
func (s *Stub) Violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}

// Warn delivers a warning through h's callback as if the VM had raised it.
func (s *Stub) Warn(h native.Handle, msg string) {
	s.mu.Lock()
	m := s.vms[h]
	s.mu.Unlock()
	if m == nil || m.params.Warning == nil {
		return
	}
	m.params.Warning(native.RawError{File: m.params.FileName, Msg: msg})
}

func (s *Stub) violation(format string, args ...any) {
	s.mu.Lock()
	s.violations = append(s.violations, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

// enter looks up h, records overlap and returns a release func. A nil vm
// means the handle is unknown or freed; a violation has been recorded.
func (s *Stub) enter(op string, h native.Handle) (*vm, func()) {
	s.nativeCalls.Add(1)
	s.mu.Lock()
	m, ok := s.vms[h]
	s.mu.Unlock()
	if !ok || m.released {
		s.violation("%s on freed or unknown handle %#x", op, uint64(h))
		return nil, func() {}
	}
	// Entries made by a host function while the VM waits on it are nested,
	// not concurrent.
	n := m.active.Add(1) - m.inExtern.Load()
	if n > 1 {
		s.overlaps.Add(1)
	}
	for {
		cur := m.maxSeen.Load()
		if n <= cur || m.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	return m, func() { m.active.Add(-1) }
}

func (s *Stub) Version() string { return Version }

func (s *Stub) Alloc() native.Handle {
	s.nativeCalls.Add(1)
	if s.FailAlloc.Load() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.nextH
	s.nextH++
	s.vms[h] = &vm{h: h, externs: make(map[string]externFn)}
	s.creates.Add(1)
	return h
}

func (s *Stub) Init(h native.Handle, p native.InitParams) bool {
	m, leave := s.enter("init", h)
	defer leave()
	if m == nil {
		return false
	}
	if s.FailInit.Load() || m.inited {
		m.lastErr = &native.RawError{File: p.FileName, Code: int(native.StatusRuntime), Msg: "cannot initialize"}
		return false
	}
	m.params = p
	m.inited = true
	m.modules = append(m.modules, source{file: p.FileName, src: p.Source})
	return true
}

func (s *Stub) AddModule(h native.Handle, fileName, src string) bool {
	m, leave := s.enter("add module", h)
	defer leave()
	if m == nil || !m.inited || m.prog != nil {
		return false
	}
	for _, mod := range m.modules {
		if mod.file == fileName {
			m.lastErr = &native.RawError{File: fileName, Code: int(native.StatusRuntime), Msg: "duplicate module " + fileName}
			return false
		}
	}
	m.modules = append(m.modules, source{file: fileName, src: src})
	return true
}

func (s *Stub) AddFunc(h native.Handle, name string, sig native.Signature, fn native.ExternFunc) bool {
	m, leave := s.enter("add func", h)
	defer leave()
	if m == nil || !m.inited || m.prog != nil || fn == nil {
		return false
	}
	m.externs[name] = externFn{sig: sig, fn: fn}
	return true
}

func (s *Stub) Compile(h native.Handle) bool {
	m, leave := s.enter("compile", h)
	defer leave()
	if m == nil || !m.inited || m.prog != nil {
		return false
	}
	prog := &program{fns: make(map[string]*fnDecl)}
	var warnings []native.RawError
	for _, mod := range m.modules {
		decls, warns, cerr := parseScript(mod.file, mod.src)
		if cerr != nil {
			m.lastErr = &cerr.RawError
			return false
		}
		warnings = append(warnings, warns...)
		for _, d := range decls {
			key := fnKey(mod.file, d.name)
			if _, dup := prog.fns[key]; dup {
				m.lastErr = &errAt(mod.file, d.line, 1, "duplicate function %s", d.name).RawError
				return false
			}
			prog.fns[key] = d
		}
	}
	sigs := make(map[string]native.Signature, len(m.externs))
	for name, e := range m.externs {
		sigs[name] = e.sig
	}
	if cerr := prog.check(sigs); cerr != nil {
		m.lastErr = &cerr.RawError
		return false
	}
	if m.params.Warning != nil {
		for _, w := range warnings {
			m.params.Warning(w)
		}
	}
	m.prog = prog
	return true
}

func (s *Stub) delay() {
	if d := time.Duration(s.callDelay.Load()); d > 0 {
		time.Sleep(d)
	}
}

func (s *Stub) Run(h native.Handle) native.Status {
	m, leave := s.enter("run", h)
	defer leave()
	if m == nil || m.prog == nil {
		return native.StatusRuntime
	}
	s.delay()
	d, ok := m.prog.fns[fnKey(m.params.FileName, "main")]
	if !ok {
		return native.StatusOK
	}
	m.stack = nil
	if _, f := s.evaluator(m).invoke(d, nil); f != nil {
		m.lastErr, m.stack = &f.err, f.stack
		return f.status
	}
	return native.StatusOK
}

func (s *Stub) GetFunc(h native.Handle, module, name string) (*native.Func, bool) {
	m, leave := s.enter("get func", h)
	defer leave()
	if m == nil || m.prog == nil {
		return nil, false
	}
	if module == "" {
		module = m.params.FileName
	}
	d, ok := m.prog.fns[fnKey(module, name)]
	if !ok || d.body == nil {
		return nil, false
	}
	fn := &native.Func{
		Module: module,
		Name:   name,
		Ref:    &frame{decl: d, params: make([]native.Slot, len(d.params))},
	}
	if !s.HideSignatures.Load() {
		sig := d.signature()
		fn.Sig = &sig
	}
	return fn, true
}

func frameOf(fn *native.Func) *frame {
	if fn == nil {
		return nil
	}
	f, _ := fn.Ref.(*frame)
	return f
}

func (s *Stub) SetParam(h native.Handle, fn *native.Func, index int, v native.Slot) bool {
	m, leave := s.enter("set param", h)
	defer leave()
	f := frameOf(fn)
	if m == nil || f == nil || index < 0 || index >= len(f.params) {
		return false
	}
	f.params[index] = v
	return true
}

func (s *Stub) Call(h native.Handle, fn *native.Func) native.Status {
	m, leave := s.enter("call", h)
	defer leave()
	f := frameOf(fn)
	if m == nil || f == nil {
		return native.StatusRuntime
	}
	s.delay()
	m.stack = nil
	args := make([]constant.Value, len(f.params))
	for i, p := range f.decl.params {
		v, ok := s.fromSlot(m, p.kind, f.params[i])
		if !ok {
			m.lastErr = &native.RawError{File: f.decl.file, Func: f.decl.name, Line: f.decl.line, Code: int(native.StatusRuntime), Msg: "invalid string argument"}
			return native.StatusRuntime
		}
		args[i] = v
	}
	res, flt := s.evaluator(m).invoke(f.decl, args)
	if flt == nil {
		f.result, flt = s.toSlot(m, f.decl, f.decl.result, res)
	}
	if flt != nil {
		m.lastErr, m.stack = &flt.err, flt.stack
		return flt.status
	}
	return native.StatusOK
}

func (s *Stub) Result(h native.Handle, fn *native.Func) native.Slot {
	_, leave := s.enter("result", h)
	defer leave()
	if f := frameOf(fn); f != nil {
		return f.result
	}
	return 0
}

func (s *Stub) GetError(h native.Handle) (native.RawError, bool) {
	m, leave := s.enter("get error", h)
	defer leave()
	if m == nil || m.lastErr == nil {
		return native.RawError{}, false
	}
	return *m.lastErr, true
}

// CallStack reports the script frames active when the last run or call
// faulted.
func (s *Stub) CallStack(h native.Handle, depth int) []native.Frame {
	m, leave := s.enter("call stack", h)
	defer leave()
	if m == nil || depth <= 0 || len(m.stack) == 0 {
		return nil
	}
	return append([]native.Frame(nil), m.stack[:min(depth, len(m.stack))]...)
}

func (s *Stub) MakeStr(h native.Handle, str string) native.Ptr {
	m, leave := s.enter("make str", h)
	defer leave()
	if m == nil {
		return 0
	}
	return s.alloc(h, str)
}

func (s *Stub) alloc(h native.Handle, str string) native.Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.nextPtr
	s.nextPtr += 0x10
	s.strs[p] = &strEntry{owner: h, data: str, refs: 1}
	return p
}

func (s *Stub) ReadStr(h native.Handle, p native.Ptr) (string, bool) {
	m, leave := s.enter("read str", h)
	defer leave()
	if m == nil || s.FailReadStr.Load() {
		return "", false
	}
	return s.read(p)
}

func (s *Stub) read(p native.Ptr) (string, bool) {
	s.mu.Lock()
	e, ok := s.strs[p]
	wasFreed := s.freed[p]
	s.mu.Unlock()
	if !ok {
		if wasFreed {
			s.violation("read of released string %#x", uint64(p))
		}
		return "", false
	}
	return e.data, true
}

func (s *Stub) IncRef(h native.Handle, p native.Ptr) {
	if m, leave := s.enter("inc ref", h); m != nil {
		defer leave()
		s.mu.Lock()
		e, ok := s.strs[p]
		if ok {
			e.refs++
		}
		s.mu.Unlock()
		if !ok {
			s.violation("inc ref of released string %#x", uint64(p))
		}
	}
}

func (s *Stub) DecRef(h native.Handle, p native.Ptr) {
	if m, leave := s.enter("dec ref", h); m != nil {
		defer leave()
		s.release(p)
	}
}

func (s *Stub) release(p native.Ptr) {
	s.mu.Lock()
	e, ok := s.strs[p]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(s.strs, p)
			s.freed[p] = true
		}
	}
	s.mu.Unlock()
	if !ok {
		s.violation("double release of string %#x", uint64(p))
	}
}

func (s *Stub) Asm(h native.Handle) string {
	m, leave := s.enter("asm", h)
	defer leave()
	if m == nil || m.prog == nil {
		return ""
	}
	keys := make([]string, 0, len(m.prog.fns))
	for k := range m.prog.fns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		d := m.prog.fns[k]
		op := "ENTRY"
		if d.body == nil {
			op = "CALL_EXTERN"
		}
		fmt.Fprintf(&b, "%-12s %s %s\n", op, k, d.signature())
	}
	return b.String()
}

func (s *Stub) MemUsage(h native.Handle) int64 {
	m, leave := s.enter("mem usage", h)
	defer leave()
	if m == nil {
		return 0
	}
	var n int64
	for _, mod := range m.modules {
		n += int64(len(mod.src))
	}
	s.mu.Lock()
	for _, e := range s.strs {
		if e.owner == h {
			n += int64(len(e.data)) + 16
		}
	}
	s.mu.Unlock()
	return n + int64(m.params.StackSize)*8
}

func (s *Stub) Free(h native.Handle) {
	s.nativeCalls.Add(1)
	s.mu.Lock()
	m, ok := s.vms[h]
	if !ok || m.released {
		s.mu.Unlock()
		s.violation("double free of handle %#x", uint64(h))
		return
	}
	if m.active.Load() > 0 {
		s.overlaps.Add(1)
	}
	m.released = true
	for p, e := range s.strs {
		if e.owner == h {
			delete(s.strs, p)
			s.freed[p] = true
			s.reclaimed.Add(1)
		}
	}
	s.mu.Unlock()
	s.destroys.Add(1)
}

func (s *Stub) evaluator(m *vm) *evaluator {
	ev := &evaluator{prog: m.prog}
	ev.extern = func(d *fnDecl, args []constant.Value) (constant.Value, *runtimeFault) {
		e, ok := m.externs[d.name]
		if !ok {
			return nil, fault(d, native.StatusRuntime, "host function %s not registered", d.name)
		}
		slots := make([]native.Slot, len(args))
		var borrowed []native.Ptr
		defer func() {
			for _, p := range borrowed {
				s.release(p)
			}
		}()
		for i, a := range args {
			slot, flt := s.toSlot(m, d, d.params[i].kind, a)
			if flt != nil {
				return nil, flt
			}
			if d.params[i].kind == native.KindString {
				borrowed = append(borrowed, slot.Ptr())
			}
			slots[i] = slot
		}
		m.inExtern.Add(1)
		res, err := e.fn(m.h, slots)
		m.inExtern.Add(-1)
		if err != nil {
			return nil, fault(d, native.StatusRuntime, "%s", err.Error())
		}
		v, ok := s.fromSlot(m, d.result, res)
		if !ok {
			return nil, fault(d, native.StatusRuntime, "host function %s returned an invalid string", d.name)
		}
		if d.result == native.KindString {
			s.release(res.Ptr())
		}
		return v, nil
	}
	return ev
}

func (s *Stub) fromSlot(m *vm, k native.Kind, v native.Slot) (constant.Value, bool) {
	switch k {
	case native.KindInt:
		return constant.MakeInt64(v.Int()), true
	case native.KindReal:
		return constant.MakeFloat64(v.Real()), true
	case native.KindBool:
		return constant.MakeBool(v.Bool()), true
	case native.KindString:
		str, ok := s.read(v.Ptr())
		if !ok {
			return nil, false
		}
		return constant.MakeString(str), true
	case native.KindPtr:
		return constant.MakeUint64(uint64(v)), true
	}
	return constant.MakeUnknown(), true
}

func (s *Stub) toSlot(m *vm, d *fnDecl, k native.Kind, v constant.Value) (native.Slot, *runtimeFault) {
	switch k {
	case native.KindInt:
		i, exact := constant.Int64Val(constant.ToInt(v))
		if !exact {
			return 0, fault(d, native.StatusRuntime, "integer overflow")
		}
		return native.IntSlot(i), nil
	case native.KindReal:
		f, _ := constant.Float64Val(constant.ToFloat(v))
		return native.RealSlot(f), nil
	case native.KindBool:
		return native.BoolSlot(constant.BoolVal(v)), nil
	case native.KindString:
		return native.PtrSlot(s.alloc(m.h, constant.StringVal(v))), nil
	case native.KindPtr:
		u, _ := constant.Uint64Val(v)
		return native.Slot(u), nil
	}
	return 0, nil
}
