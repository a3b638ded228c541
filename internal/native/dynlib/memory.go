package dynlib

import (
	"bytes"
	"unsafe"

	"umka-embed/pkg/umka/native"
)

// cError mirrors UmkaError on 64-bit targets.
type cError struct {
	fileName uintptr
	fnName   uintptr
	line     int32
	pos      int32
	code     int32
	msg      uintptr
}

// cString copies a NUL-terminated C string into Go memory.
func cString(p uintptr) string {
	if p == 0 {
		return ""
	}
	base := unsafe.Pointer(p)
	n := 0
	for *(*byte)(unsafe.Add(base, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(base), n))
}

// bufString returns the NUL-terminated prefix of a caller-provided buffer.
func bufString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// cBytes copies n bytes at p.
func cBytes(p uintptr, n int) string {
	if p == 0 || n <= 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// nulTerminated returns s as a C string backed by Go memory.
func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func peekSlot(p uintptr) native.Slot {
	return native.Slot(*(*uint64)(unsafe.Pointer(p)))
}

func pokeSlot(p uintptr, v native.Slot) {
	*(*uint64)(unsafe.Pointer(p)) = uint64(v)
}

// readError copies an UmkaError. ok is false when it reports no error.
func readError(p uintptr) (native.RawError, bool) {
	if p == 0 {
		return native.RawError{}, false
	}
	e := (*cError)(unsafe.Pointer(p))
	raw := native.RawError{
		File: cString(e.fileName),
		Func: cString(e.fnName),
		Line: int(e.line),
		Pos:  int(e.pos),
		Code: int(e.code),
		Msg:  cString(e.msg),
	}
	return raw, raw.Code != 0 || raw.Msg != ""
}
