//go:build linux || darwin

package dynlib

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// funcContext mirrors UmkaFuncContext.
type funcContext struct {
	entryOffset int64
	params      uintptr
	result      uintptr
}

// symbols are the bound entry points of one loaded library.
type symbols struct {
	alloc     func() uintptr
	init      func(umka uintptr, fileName, source *byte, stackSize int32, reserved uintptr, argc int32, argv uintptr, fileSystem, implLibs bool, warning uintptr) bool
	compile   func(umka uintptr) bool
	run       func(umka uintptr) int32
	call      func(umka uintptr, fn *funcContext) int32
	free      func(umka uintptr)
	getError  func(umka uintptr) uintptr
	asm       func(umka uintptr) uintptr
	addModule func(umka uintptr, fileName, source *byte) bool
	addFunc   func(umka uintptr, name string, fn uintptr) bool
	getFunc   func(umka uintptr, module *byte, name string, fn *funcContext) bool
	incRef    func(umka, ptr uintptr)
	decRef    func(umka, ptr uintptr)
	makeStr   func(umka uintptr, s string) uintptr
	getStrLen func(s uintptr) int32
	version   func() string
	memUsage  func(umka uintptr) int64
	getParam  func(params uintptr, index int32) uintptr
	getResult func(params, result uintptr) uintptr

	// optional; nil on builds that predate it
	getCallStack func(umka uintptr, depth, nameSize int32, offset *int32, fileName, fnName *byte, line *int32) bool

	// from libc, releases buffers returned by umkaAsm
	cfree func(p uintptr)
}

// bind resolves every entry point. A missing symbol is an error rather than
// the panic RegisterLibFunc would raise, unless the entry is optional.
func bind(lib, libc uintptr) (*symbols, error) {
	s := &symbols{}
	table := []struct {
		handle   uintptr
		name     string
		fptr     any
		optional bool
	}{
		{lib, "umkaAlloc", &s.alloc, false},
		{lib, "umkaInit", &s.init, false},
		{lib, "umkaCompile", &s.compile, false},
		{lib, "umkaRun", &s.run, false},
		{lib, "umkaCall", &s.call, false},
		{lib, "umkaFree", &s.free, false},
		{lib, "umkaGetError", &s.getError, false},
		{lib, "umkaAsm", &s.asm, false},
		{lib, "umkaAddModule", &s.addModule, false},
		{lib, "umkaAddFunc", &s.addFunc, false},
		{lib, "umkaGetFunc", &s.getFunc, false},
		{lib, "umkaIncRef", &s.incRef, false},
		{lib, "umkaDecRef", &s.decRef, false},
		{lib, "umkaMakeStr", &s.makeStr, false},
		{lib, "umkaGetStrLen", &s.getStrLen, false},
		{lib, "umkaGetVersion", &s.version, false},
		{lib, "umkaGetMemUsage", &s.memUsage, false},
		{lib, "umkaGetParam", &s.getParam, false},
		{lib, "umkaGetResult", &s.getResult, false},
		{lib, "umkaGetCallStack", &s.getCallStack, true},
		{libc, "free", &s.cfree, false},
	}
	for _, e := range table {
		addr, err := purego.Dlsym(e.handle, e.name)
		if err != nil {
			if e.optional {
				continue
			}
			return nil, fmt.Errorf("resolve %s: %w", e.name, err)
		}
		purego.RegisterFunc(e.fptr, addr)
	}
	return s, nil
}
