// Package native defines the contract between the embedding layer and an
// Umka runtime library.
//
// The contract mirrors the C entry points of umka_api.h that the embedding
// layer relies on (umkaAlloc, umkaInit, umkaAddModule, umkaAddFunc,
// umkaCompile, umkaRun, umkaGetFunc, umkaGetParam, umkaCall, umkaGetResult,
// umkaGetError, umkaGetCallStack, umkaMakeStr, umkaIncRef, umkaDecRef, umkaAsm,
// umkaGetMemUsage, umkaGetVersion, umkaFree). It is versioned by ABIVersion:
// additions to the header are ignorable, removals or signature changes
// require a new ABIVersion and a new backend.
//
// A Library implementation is a thin, unchecked translation of those entry
// points. Preconditions, ownership and error mapping live above it.
package native

import (
	"math"

	"umka-embed/internal/domain"
)

// ABIVersion is the version of this contract.
const ABIVersion = 1

// Handle is an opaque token for one VM instance. Zero is the null handle.
type Handle uint64

// Ptr is an address inside the library's memory (a C pointer, or an offset
// into WebAssembly linear memory). Zero is null.
type Ptr uint64

// Slot is one 8-byte VM stack slot, reinterpreted according to its Kind.
type Slot uint64

// IntSlot stores an int.
func IntSlot(v int64) Slot { return Slot(uint64(v)) }

// RealSlot stores a real.
func RealSlot(v float64) Slot { return Slot(math.Float64bits(v)) }

// BoolSlot stores a bool.
func BoolSlot(v bool) Slot {
	if v {
		return 1
	}
	return 0
}

// PtrSlot stores a pointer.
func PtrSlot(p Ptr) Slot { return Slot(p) }

func (s Slot) Int() int64    { return int64(s) }
func (s Slot) Real() float64 { return math.Float64frombits(uint64(s)) }
func (s Slot) Bool() bool    { return s&0xff != 0 }
func (s Slot) Ptr() Ptr      { return Ptr(s) }

// Status is the normalized return code of Run and Call. Backends translate
// library-specific codes into these; anything else reaching the embedding
// layer is an unknown native fault.
type Status int32

const (
	StatusOK        Status = 0
	StatusRuntime   Status = 1
	StatusExhausted Status = 2
)

// Kind and Signature are shared with the embedding layer's value model.
type (
	Kind      = domain.Kind
	Signature = domain.Signature
)

const (
	KindVoid   = domain.KindVoid
	KindInt    = domain.KindInt
	KindReal   = domain.KindReal
	KindBool   = domain.KindBool
	KindString = domain.KindString
	KindPtr    = domain.KindPtr
)

// RawError mirrors the UmkaError struct.
type RawError struct {
	File string
	Func string
	Line int
	Pos  int
	Code int
	Msg  string
}

// Frame is one entry of the script call stack, innermost first.
type Frame struct {
	File string
	Func string
	Line int
}

// WarningFunc receives native warnings. Implementations must not block and
// must not call back into the library.
type WarningFunc func(RawError)

// Features is the bit set passed to Init.
type Features uint32

const (
	FeatureFileSystem Features = 0x01
	FeatureImplLibs   Features = 0x04
)

// Has reports whether every bit of f2 is set in f.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

// InitParams are the arguments of umkaInit.
type InitParams struct {
	FileName  string
	Source    string
	StackSize int
	Args      []string
	Features  Features
	Warning   WarningFunc
}

// ExternFunc is a host function callable from script. params holds one slot
// per declared parameter; strings in params are borrowed from the VM.
// A returned string Ptr transfers ownership to the VM.
type ExternFunc func(h Handle, params []Slot) (Slot, error)

// Func is a resolved script function. Sig is nil when the library cannot
// introspect the function's type.
type Func struct {
	Module string
	Name   string
	Sig    *Signature
	Ref    any // backend-private function context
}

// Library is the set of native entry points.
type Library interface {
	Version() string

	Alloc() Handle
	Init(h Handle, p InitParams) bool
	AddModule(h Handle, fileName, source string) bool
	AddFunc(h Handle, name string, sig Signature, fn ExternFunc) bool
	Compile(h Handle) bool
	Run(h Handle) Status

	GetFunc(h Handle, module, name string) (*Func, bool)
	SetParam(h Handle, fn *Func, index int, v Slot) bool
	Call(h Handle, fn *Func) Status
	Result(h Handle, fn *Func) Slot

	GetError(h Handle) (RawError, bool)
	// CallStack returns up to depth frames of the script stack as left by
	// the last run or call. Libraries that cannot walk the stack return nil.
	CallStack(h Handle, depth int) []Frame

	MakeStr(h Handle, s string) Ptr
	ReadStr(h Handle, p Ptr) (string, bool)
	IncRef(h Handle, p Ptr)
	DecRef(h Handle, p Ptr)

	Asm(h Handle) string
	MemUsage(h Handle) int64
	Free(h Handle)
}

// Closer is implemented by libraries holding process-wide resources.
type Closer interface {
	Close() error
}
