package marshal

import (
	"errors"
	"math"
	"testing"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native/nativetest"
)

// FuzzStringRoundTrip checks that any string survives lowering into a native
// buffer and lifting back, and that no buffer outlives the call.
func FuzzStringRoundTrip(f *testing.F) {
	for _, s := range []string{"", "a", "héllo", "nul\x00byte", "\xff\xfe", "emoji 🎉"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		lib := nativetest.New()
		h := lib.Alloc()
		a := NewArena(lib, h)

		slot, err := a.Lower(domain.KindString, domain.String(s))
		if err != nil {
			t.Fatal(err)
		}
		lib.IncRef(h, slot.Ptr())
		v, err := Lift(lib, h, domain.KindString, slot)
		if err != nil {
			t.Fatal(err)
		}
		a.Release()
		if v.AsString() != s {
			t.Fatalf("got %q want %q", v.AsString(), s)
		}
		if n := lib.LiveStrings(); n != 0 {
			t.Fatalf("%d strings leaked", n)
		}
		if v := lib.Violations(); len(v) != 0 {
			t.Fatalf("violations: %v", v)
		}
	})
}

// FuzzDecodeInt verifies Decode never silently truncates.
func FuzzDecodeInt(f *testing.F) {
	for _, n := range []int64{0, 1, -1, math.MaxInt32, math.MaxInt32 + 1, math.MinInt64, math.MaxInt64} {
		f.Add(n)
	}
	f.Fuzz(func(t *testing.T, n int64) {
		var i32 int32
		err := Decode(domain.Int(n), &i32)
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			if err != nil || int64(i32) != n {
				t.Fatalf("decode %d: %v (%d)", n, err, i32)
			}
		} else if !errors.Is(err, domain.ErrPrecisionLoss) {
			t.Fatalf("decode %d: want precision loss, got %v", n, err)
		}

		var u16 uint16
		err = Decode(domain.Int(n), &u16)
		if n >= 0 && n <= math.MaxUint16 {
			if err != nil || int64(u16) != n {
				t.Fatalf("decode %d: %v", n, err)
			}
		} else if !errors.Is(err, domain.ErrPrecisionLoss) {
			t.Fatalf("decode %d into uint16: %v", n, err)
		}
	})
}
