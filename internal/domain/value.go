package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is the ABI-level kind of a value crossing the native boundary.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindReal
	KindBool
	KindString
	KindPtr
)

var kindNames = [...]string{
	KindVoid:   "void",
	KindInt:    "int",
	KindReal:   "real",
	KindBool:   "bool",
	KindString: "str",
	KindPtr:    "ptr",
}

func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// ParseKind maps a script type name to its Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "", "void":
		return KindVoid, true
	case "int", "int64":
		return KindInt, true
	case "real", "real64":
		return KindReal, true
	case "bool":
		return KindBool, true
	case "str":
		return KindString, true
	case "ptr", "any":
		return KindPtr, true
	}
	return KindVoid, false
}

// Ownership records who must release a string buffer.
type Ownership uint8

const (
	// OwnedByHost: Go memory, released by the garbage collector.
	OwnedByHost Ownership = iota
	// OwnedByNative: a buffer in the VM heap the host must release through
	// the library's designated free function exactly once.
	OwnedByNative
)

func (o Ownership) String() string {
	if o == OwnedByNative {
		return "native"
	}
	return "host"
}

// Opaque is a native pointer the host may hold and pass back but never
// dereference.
type Opaque uint64

// NativeValue mirrors the ABI's value kinds.
type NativeValue struct {
	Kind  Kind
	Owner Ownership // meaningful for KindString only

	i   int64
	f   float64
	s   string
	ptr uint64 // KindPtr payload, or the native buffer of a native-owned string
}

// Int returns an Int value.
func Int(v int64) NativeValue { return NativeValue{Kind: KindInt, i: v} }

// Real returns a Real value.
func Real(v float64) NativeValue { return NativeValue{Kind: KindReal, f: v} }

// Bool returns a Bool value.
func Bool(v bool) NativeValue {
	if v {
		return NativeValue{Kind: KindBool, i: 1}
	}
	return NativeValue{Kind: KindBool}
}

// String returns a host-owned String value.
func String(v string) NativeValue {
	return NativeValue{Kind: KindString, Owner: OwnedByHost, s: v}
}

// NativeString returns a String value that still lives in the VM heap.
func NativeString(buf uint64) NativeValue {
	return NativeValue{Kind: KindString, Owner: OwnedByNative, ptr: buf}
}

// Ptr returns an opaque pointer value.
func Ptr(p Opaque) NativeValue { return NativeValue{Kind: KindPtr, ptr: uint64(p)} }

// Void is the value of functions without a result.
func Void() NativeValue { return NativeValue{} }

// AsInt returns the Int payload.
func (v NativeValue) AsInt() int64 { return v.i }

// AsReal returns the Real payload.
func (v NativeValue) AsReal() float64 { return v.f }

// AsBool returns the Bool payload.
func (v NativeValue) AsBool() bool { return v.i != 0 }

// AsString returns the payload of a host-owned String. Native-owned strings
// must be copied out by the marshaler first.
func (v NativeValue) AsString() string { return v.s }

// AsPtr returns the Ptr payload.
func (v NativeValue) AsPtr() Opaque { return Opaque(v.ptr) }

// Buffer returns the native buffer of a native-owned string.
func (v NativeValue) Buffer() uint64 { return v.ptr }

// Equal compares kind and payload. Native-owned strings compare by buffer.
func (v NativeValue) Equal(o NativeValue) bool {
	if v.Kind != o.Kind || v.Owner != o.Owner {
		return false
	}
	switch v.Kind {
	case KindInt, KindBool:
		return v.i == o.i
	case KindReal:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		if v.Owner == OwnedByNative {
			return v.ptr == o.ptr
		}
		return v.s == o.s
	case KindPtr:
		return v.ptr == o.ptr
	}
	return true
}

func (v NativeValue) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindString:
		if v.Owner == OwnedByNative {
			return fmt.Sprintf("str@%#x", v.ptr)
		}
		return strconv.Quote(v.s)
	case KindPtr:
		return fmt.Sprintf("ptr(%#x)", v.ptr)
	}
	return "void"
}
