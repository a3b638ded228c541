package wasmabi

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"umka-embed/pkg/umka/native"
)

// errorSize is sizeof(UmkaError) on wasm32: four pointers and three ints.
const errorSize = 24

// cString reads a NUL-terminated string from guest memory.
func cString(mem api.Memory, ptr uint32) (string, bool) {
	if ptr == 0 {
		return "", false
	}
	size := mem.Size()
	if ptr >= size {
		return "", false
	}
	buf, ok := mem.Read(ptr, size-ptr)
	if !ok {
		return "", false
	}
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), true
		}
	}
	return "", false
}

// readBytes copies size bytes out of guest memory.
func readBytes(mem api.Memory, ptr, size uint32) (string, bool) {
	if size == 0 {
		return "", true
	}
	buf, ok := mem.Read(ptr, size)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// guestAlloc reserves size bytes with the guest's malloc.
func guestAlloc(ctx context.Context, mod api.Module, size uint32) (uint32, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, fmt.Errorf("guest module does not export malloc")
	}
	results, err := malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc(%d): %w", size, err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc(%d) returned null", size)
	}
	return uint32(results[0]), nil
}

// writeCString copies s plus a NUL terminator into memory allocated with
// the guest's malloc. The caller frees it with freeGuest.
func writeCString(ctx context.Context, mod api.Module, s string) (uint32, error) {
	size := uint32(len(s) + 1)
	ptr, err := guestAlloc(ctx, mod, size)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	copy(buf, s)
	if !mod.Memory().Write(ptr, buf) {
		return 0, fmt.Errorf("memory write out of bounds at ptr=%d len=%d", ptr, size)
	}
	return ptr, nil
}

// writePtrArray stores a NULL-terminated array of wasm32 pointers.
func writePtrArray(ctx context.Context, mod api.Module, ptrs []uint32) (uint32, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, fmt.Errorf("guest module does not export malloc")
	}
	buf := make([]byte, 4*(len(ptrs)+1))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[4*i:], p)
	}
	results, err := malloc.Call(ctx, uint64(len(buf)))
	if err != nil || len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc(%d) failed: %v", len(buf), err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, buf) {
		return 0, fmt.Errorf("memory write out of bounds at ptr=%d len=%d", ptr, len(buf))
	}
	return ptr, nil
}

// freeGuest releases memory obtained from the guest's malloc.
func freeGuest(ctx context.Context, mod api.Module, ptr uint32) {
	if ptr == 0 {
		return
	}
	if free := mod.ExportedFunction("free"); free != nil {
		_, _ = free.Call(ctx, uint64(ptr))
	}
}

// readError copies an UmkaError out of guest memory. ok is false when it
// reports no error.
func readError(mem api.Memory, ptr uint32) (native.RawError, bool) {
	if ptr == 0 {
		return native.RawError{}, false
	}
	buf, ok := mem.Read(ptr, errorSize)
	if !ok {
		return native.RawError{}, false
	}
	field := func(i int) uint32 { return binary.LittleEndian.Uint32(buf[4*i:]) }
	file, _ := cString(mem, field(0))
	fn, _ := cString(mem, field(1))
	msg, _ := cString(mem, field(5))
	raw := native.RawError{
		File: file,
		Func: fn,
		Line: int(int32(field(2))),
		Pos:  int(int32(field(3))),
		Code: int(int32(field(4))),
		Msg:  msg,
	}
	return raw, raw.Code != 0 || raw.Msg != ""
}

// frameBuf is the scratch block umka_get_call_stack writes into: offset and
// line as i32, then the file and function name buffers.
type frameBuf struct {
	base     uint32
	nameSize uint32
}

func (f frameBuf) offset() uint32 { return f.base }
func (f frameBuf) line() uint32   { return f.base + 4 }
func (f frameBuf) file() uint32   { return f.base + 8 }
func (f frameBuf) fn() uint32     { return f.base + 8 + f.nameSize }
func (f frameBuf) size() uint32   { return 8 + 2*f.nameSize }

// readFrame decodes one frame written by umka_get_call_stack.
func readFrame(mem api.Memory, f frameBuf) (native.Frame, bool) {
	line, ok := mem.ReadUint32Le(f.line())
	if !ok {
		return native.Frame{}, false
	}
	file, ok := mem.Read(f.file(), f.nameSize)
	if !ok {
		return native.Frame{}, false
	}
	fn, ok := mem.Read(f.fn(), f.nameSize)
	if !ok {
		return native.Frame{}, false
	}
	return native.Frame{File: nulPrefix(file), Func: nulPrefix(fn), Line: int(int32(line))}, true
}

func nulPrefix(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
