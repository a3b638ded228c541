package nativetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umka-embed/pkg/umka/native"
)

func compiled(t *testing.T, s *Stub, src string) native.Handle {
	t.Helper()
	h := s.Alloc()
	require.NotZero(t, h)
	require.True(t, s.Init(h, native.InitParams{FileName: "main.um", Source: src, StackSize: 16}))
	require.True(t, s.Compile(h), "%+v", lastErr(s, h))
	return h
}

func lastErr(s *Stub, h native.Handle) native.RawError {
	e, _ := s.GetError(h)
	return e
}

func call(t *testing.T, s *Stub, h native.Handle, name string, args ...native.Slot) (native.Slot, native.Status) {
	t.Helper()
	fn, ok := s.GetFunc(h, "", name)
	require.True(t, ok, "function %s", name)
	for i, a := range args {
		require.True(t, s.SetParam(h, fn, i, a))
	}
	st := s.Call(h, fn)
	return s.Result(h, fn), st
}

func TestStub_MainInfersResult(t *testing.T) {
	s := New()
	h := compiled(t, s, "return 1+1")

	fn, ok := s.GetFunc(h, "", "main")
	require.True(t, ok)
	require.NotNil(t, fn.Sig)
	assert.Equal(t, native.KindInt, fn.Sig.Result)

	res, st := call(t, s, h, "main")
	assert.Equal(t, native.StatusOK, st)
	assert.Equal(t, int64(2), res.Int())
	assert.Equal(t, native.StatusOK, s.Run(h))

	s.Free(h)
	assert.Equal(t, int64(1), s.Creates())
	assert.Equal(t, int64(1), s.Destroys())
	assert.Empty(t, s.Violations())
}

func TestStub_Arithmetic(t *testing.T) {
	s := New()
	h := compiled(t, s, `
fn div(a: int, b: int): int { return a / b }
fn half(x: real): real { return x / 2 }
fn both(a: bool, b: bool): bool { return a && b || !a }
fn big(): int { return 9223372036854775807 + 1 }
`)
	res, st := call(t, s, h, "div", native.IntSlot(7), native.IntSlot(2))
	assert.Equal(t, native.StatusOK, st)
	assert.Equal(t, int64(3), res.Int())

	_, st = call(t, s, h, "div", native.IntSlot(7), native.IntSlot(0))
	assert.Equal(t, native.StatusRuntime, st)
	assert.Contains(t, lastErr(s, h).Msg, "division by zero")

	res, _ = call(t, s, h, "half", native.RealSlot(5))
	assert.Equal(t, 2.5, res.Real())

	res, _ = call(t, s, h, "both", native.BoolSlot(false), native.BoolSlot(true))
	assert.True(t, res.Bool())

	_, st = call(t, s, h, "big")
	assert.Equal(t, native.StatusRuntime, st)
	assert.Contains(t, lastErr(s, h).Msg, "overflow")
}

func TestStub_StringOwnership(t *testing.T) {
	s := New()
	h := compiled(t, s, `fn greet(name: str): str { return "hi " + name }`)

	arg := s.MakeStr(h, "bob")
	res, st := call(t, s, h, "greet", native.PtrSlot(arg))
	require.Equal(t, native.StatusOK, st)
	s.DecRef(h, arg)

	out, ok := s.ReadStr(h, res.Ptr())
	require.True(t, ok)
	assert.Equal(t, "hi bob", out)
	assert.Equal(t, 1, s.LiveStrings())
	s.DecRef(h, res.Ptr())
	assert.Equal(t, 0, s.LiveStrings())

	s.DecRef(h, res.Ptr())
	require.Len(t, s.Violations(), 1)
	assert.Contains(t, s.Violations()[0], "double release")
}

func TestStub_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", "return 1 +", "syntax error"},
		{"unknown word", "let x = 1", "syntax error"},
		{"undefined", "return y", "undefined: y"},
		{"type mismatch", `fn f(): int { return "s" }`, "returns str"},
		{"missing host", "fn cb(x: int): int;", "not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			h := s.Alloc()
			require.True(t, s.Init(h, native.InitParams{FileName: "main.um", Source: tt.src}))
			assert.False(t, s.Compile(h))
			e, ok := s.GetError(h)
			require.True(t, ok)
			assert.Contains(t, e.Msg, tt.want)
			assert.Equal(t, "main.um", e.File)
		})
	}
}

func TestStub_ExternAndWarnings(t *testing.T) {
	s := New()
	h := s.Alloc()
	var warnings []string
	require.True(t, s.Init(h, native.InitParams{
		FileName: "main.um",
		Source: `warn "deprecated"
fn twice(x: int): int;
fn shout(s: str): str;
fn fails(): int;
fn run(): int { return twice(21) }
fn loud(): str { return shout("a") }
fn broken(): int { return fails() }`,
		Warning: func(e native.RawError) { warnings = append(warnings, e.Msg) },
	}))
	intSig := native.Signature{Params: []native.Kind{native.KindInt}, Result: native.KindInt}
	require.True(t, s.AddFunc(h, "twice", intSig, func(_ native.Handle, p []native.Slot) (native.Slot, error) {
		return native.IntSlot(p[0].Int() * 2), nil
	}))
	strSig := native.Signature{Params: []native.Kind{native.KindString}, Result: native.KindString}
	require.True(t, s.AddFunc(h, "shout", strSig, func(h native.Handle, p []native.Slot) (native.Slot, error) {
		in, ok := s.ReadStr(h, p[0].Ptr())
		if !ok {
			return 0, errors.New("bad arg")
		}
		return native.PtrSlot(s.MakeStr(h, in+"!")), nil
	}))
	require.True(t, s.AddFunc(h, "fails", native.Signature{Result: native.KindInt}, func(native.Handle, []native.Slot) (native.Slot, error) {
		return 0, errors.New("host said no")
	}))
	require.True(t, s.Compile(h))
	assert.Equal(t, []string{"deprecated"}, warnings)

	res, st := call(t, s, h, "run")
	require.Equal(t, native.StatusOK, st)
	assert.Equal(t, int64(42), res.Int())

	res, st = call(t, s, h, "loud")
	require.Equal(t, native.StatusOK, st)
	out, _ := s.ReadStr(h, res.Ptr())
	assert.Equal(t, "a!", out)
	s.DecRef(h, res.Ptr())
	assert.Equal(t, 0, s.LiveStrings())

	_, st = call(t, s, h, "broken")
	assert.Equal(t, native.StatusRuntime, st)
	assert.Equal(t, "host said no", lastErr(s, h).Msg)
	assert.Empty(t, s.Violations())
}

func TestStub_FaultKinds(t *testing.T) {
	s := New()
	h := compiled(t, s, `
fn oom() { exhaust }
fn rec(n: int): int { return rec(n + 1) }
fn weird() { exit 7 }
fn two() { exit 2 }
fn abort() { trap }
fn boom() { error "kaboom" }
`)
	_, st := call(t, s, h, "oom")
	assert.Equal(t, native.StatusExhausted, st)
	_, st = call(t, s, h, "rec", native.IntSlot(0))
	assert.Equal(t, native.StatusExhausted, st)
	_, st = call(t, s, h, "weird")
	assert.Equal(t, native.StatusRuntime, st)
	assert.Equal(t, 7, lastErr(s, h).Code)
	_, st = call(t, s, h, "two")
	assert.Equal(t, native.StatusRuntime, st, "exit code 2 is not exhaustion")
	assert.Equal(t, 2, lastErr(s, h).Code)
	_, st = call(t, s, h, "abort")
	assert.Equal(t, native.Status(-1), st)
	_, st = call(t, s, h, "boom")
	assert.Equal(t, native.StatusRuntime, st)
	assert.Equal(t, "boom", lastErr(s, h).Func)
}

func TestStub_CallStack(t *testing.T) {
	s := New()
	h := compiled(t, s, "fn inner(): int { error \"deep\" }\nfn middle(): int { return inner() }\nfn outer(): int { return middle() + 1 }\nfn fine(): int { return 1 }")

	assert.Nil(t, s.CallStack(h, 8), "nothing has failed yet")

	_, st := call(t, s, h, "outer")
	require.Equal(t, native.StatusRuntime, st)
	assert.Equal(t, []native.Frame{
		{File: "main.um", Func: "inner", Line: 1},
		{File: "main.um", Func: "middle", Line: 2},
		{File: "main.um", Func: "outer", Line: 3},
	}, s.CallStack(h, 8))
	assert.Len(t, s.CallStack(h, 2), 2)
	assert.Nil(t, s.CallStack(h, 0))

	_, st = call(t, s, h, "fine")
	require.Equal(t, native.StatusOK, st)
	assert.Nil(t, s.CallStack(h, 8), "a clean call clears the stack")
}

func TestStub_FreeDetectsMisuse(t *testing.T) {
	s := New()
	h := compiled(t, s, "return 1")
	p := s.MakeStr(h, "kept")
	_ = p
	s.Free(h)
	assert.Equal(t, int64(1), s.Reclaimed())
	assert.Equal(t, 0, s.Live())

	s.Free(h)
	assert.Equal(t, native.StatusRuntime, s.Run(h))
	v := s.Violations()
	require.Len(t, v, 2)
	assert.Contains(t, v[0], "double free")
	assert.Contains(t, v[1], "run on freed")
}

func TestStub_Modules(t *testing.T) {
	s := New()
	h := s.Alloc()
	require.True(t, s.Init(h, native.InitParams{FileName: "main.um", Source: "return 0"}))
	require.True(t, s.AddModule(h, "util.um", "fn sq(x: int): int { return x * x }"))
	assert.False(t, s.AddModule(h, "util.um", ""))
	require.True(t, s.Compile(h))

	fn, ok := s.GetFunc(h, "util.um", "sq")
	require.True(t, ok)
	require.True(t, s.SetParam(h, fn, 0, native.IntSlot(9)))
	require.Equal(t, native.StatusOK, s.Call(h, fn))
	assert.Equal(t, int64(81), s.Result(h, fn).Int())

	_, ok = s.GetFunc(h, "", "sq")
	assert.False(t, ok)
	assert.Contains(t, s.Asm(h), "util.um.sq")
	assert.Positive(t, s.MemUsage(h))
}
