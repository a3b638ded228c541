package marshal

import (
	"fmt"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// maxExactInt is the largest magnitude an int keeps when widened to real.
const maxExactInt = 1 << 53

// Arena owns the native buffers created while lowering the arguments of one
// call. Release must run after the native call has returned and before the
// handle is destroyed; it releases every buffer exactly once.
type Arena struct {
	lib   native.Library
	h     native.Handle
	owned []native.Ptr
}

// NewArena returns an arena allocating on h.
func NewArena(lib native.Library, h native.Handle) *Arena {
	return &Arena{lib: lib, h: h}
}

// Lower writes v into a slot of the given kind. Host strings become native
// buffers owned by the arena.
func (a *Arena) Lower(kind domain.Kind, v domain.NativeValue) (native.Slot, error) {
	s, p, err := lower(a.lib, a.h, kind, v)
	if err != nil {
		return 0, err
	}
	if p != 0 {
		a.owned = append(a.owned, p)
	}
	return s, nil
}

// Held is the number of buffers awaiting release.
func (a *Arena) Held() int { return len(a.owned) }

// Release drops every buffer the arena created. Safe to call twice.
func (a *Arena) Release() {
	for _, p := range a.owned {
		a.lib.DecRef(a.h, p)
	}
	a.owned = nil
}

// Check reports whether v can be lowered into a slot of kind, without
// touching the library.
func Check(kind domain.Kind, v domain.NativeValue) error {
	_, _, err := lower(nil, 0, kind, v)
	return err
}

// LowerTransfer writes v into a slot whose ownership passes to the VM, as
// for a host function's result. Nothing is tracked for release.
func LowerTransfer(lib native.Library, h native.Handle, kind domain.Kind, v domain.NativeValue) (native.Slot, error) {
	s, _, err := lower(lib, h, kind, v)
	return s, err
}

func lower(lib native.Library, h native.Handle, kind domain.Kind, v domain.NativeValue) (native.Slot, native.Ptr, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: cannot pass %s as %s", domain.ErrUnsupportedType, v.Kind, kind)
	}
	switch kind {
	case domain.KindInt:
		if v.Kind != domain.KindInt {
			return 0, 0, mismatch()
		}
		return native.IntSlot(v.AsInt()), 0, nil
	case domain.KindReal:
		switch v.Kind {
		case domain.KindReal:
			return native.RealSlot(v.AsReal()), 0, nil
		case domain.KindInt:
			i := v.AsInt()
			if i > maxExactInt || i < -maxExactInt {
				return 0, 0, fmt.Errorf("%w: %d is not exact as real", domain.ErrPrecisionLoss, i)
			}
			return native.RealSlot(float64(i)), 0, nil
		}
		return 0, 0, mismatch()
	case domain.KindBool:
		if v.Kind != domain.KindBool {
			return 0, 0, mismatch()
		}
		return native.BoolSlot(v.AsBool()), 0, nil
	case domain.KindString:
		if v.Kind != domain.KindString {
			return 0, 0, mismatch()
		}
		if v.Owner == domain.OwnedByNative {
			return native.Slot(v.Buffer()), 0, nil
		}
		if lib == nil {
			return 0, 0, nil
		}
		p := lib.MakeStr(h, v.AsString())
		if p == 0 {
			return 0, 0, fmt.Errorf("%w: cannot allocate string", domain.ErrResourceExhausted)
		}
		return native.PtrSlot(p), p, nil
	case domain.KindPtr:
		if v.Kind != domain.KindPtr {
			return 0, 0, mismatch()
		}
		return native.Slot(v.AsPtr()), 0, nil
	}
	return 0, 0, fmt.Errorf("%w: parameter kind %s", domain.ErrUnsupportedType, kind)
}

// Lift reads a result slot. A native string is copied into Go memory and its
// buffer released before Lift returns, whether or not the copy succeeded.
func Lift(lib native.Library, h native.Handle, kind domain.Kind, s native.Slot) (domain.NativeValue, error) {
	if kind == domain.KindString && s.Ptr() != 0 {
		defer lib.DecRef(h, s.Ptr())
	}
	return LiftBorrowed(lib, h, kind, s)
}

// LiftBorrowed reads a slot the VM keeps ownership of, as for the parameters
// of a host function.
func LiftBorrowed(lib native.Library, h native.Handle, kind domain.Kind, s native.Slot) (domain.NativeValue, error) {
	switch kind {
	case domain.KindVoid:
		return domain.Void(), nil
	case domain.KindInt:
		return domain.Int(s.Int()), nil
	case domain.KindReal:
		return domain.Real(s.Real()), nil
	case domain.KindBool:
		return domain.Bool(s.Bool()), nil
	case domain.KindString:
		if s.Ptr() == 0 {
			return domain.String(""), nil
		}
		str, ok := lib.ReadStr(h, s.Ptr())
		if !ok {
			return domain.NativeValue{}, fmt.Errorf("%w: unreadable string at %#x", domain.ErrUnknownNativeFault, uint64(s))
		}
		return domain.String(str), nil
	case domain.KindPtr:
		return domain.Ptr(domain.Opaque(s)), nil
	}
	return domain.NativeValue{}, fmt.Errorf("%w: result kind %s", domain.ErrUnsupportedType, kind)
}
