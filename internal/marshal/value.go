// Package marshal converts values between Go and the native VM.
//
// Conversion is two-staged: ToNative and FromNative move between Go values
// and domain.NativeValue, and an Arena lowers NativeValues into native stack
// slots (and lifts them back) for the duration of one native call.
package marshal

import (
	"fmt"
	"math"
	"reflect"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// ToNative converts a Go value into a NativeValue.
func ToNative(v any) (domain.NativeValue, error) {
	switch x := v.(type) {
	case domain.NativeValue:
		return x, nil
	case int:
		return domain.Int(int64(x)), nil
	case int8:
		return domain.Int(int64(x)), nil
	case int16:
		return domain.Int(int64(x)), nil
	case int32:
		return domain.Int(int64(x)), nil
	case int64:
		return domain.Int(x), nil
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return domain.Int(int64(x)), nil
	case uint16:
		return domain.Int(int64(x)), nil
	case uint32:
		return domain.Int(int64(x)), nil
	case uint64:
		return fromUint(x)
	case float32:
		return domain.Real(float64(x)), nil
	case float64:
		return domain.Real(x), nil
	case bool:
		return domain.Bool(x), nil
	case string:
		return domain.String(x), nil
	case []byte:
		return domain.String(string(x)), nil
	case domain.Opaque:
		return domain.Ptr(x), nil
	case native.Ptr:
		return domain.Ptr(domain.Opaque(x)), nil
	case nil:
		return domain.NativeValue{}, fmt.Errorf("%w: nil", domain.ErrUnsupportedType)
	}
	return domain.NativeValue{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedType, reflect.TypeOf(v))
}

func fromUint(u uint64) (domain.NativeValue, error) {
	if u > math.MaxInt64 {
		return domain.NativeValue{}, fmt.Errorf("%w: %d does not fit int", domain.ErrPrecisionLoss, u)
	}
	return domain.Int(int64(u)), nil
}

// FromNative converts a NativeValue into its canonical Go value. Native-owned
// strings must have been lifted first.
func FromNative(v domain.NativeValue) (any, error) {
	switch v.Kind {
	case domain.KindVoid:
		return nil, nil
	case domain.KindInt:
		return v.AsInt(), nil
	case domain.KindReal:
		return v.AsReal(), nil
	case domain.KindBool:
		return v.AsBool(), nil
	case domain.KindString:
		if v.Owner == domain.OwnedByNative {
			return nil, fmt.Errorf("%w: string still owned by the VM", domain.ErrInvalidState)
		}
		return v.AsString(), nil
	case domain.KindPtr:
		return v.AsPtr(), nil
	}
	return nil, fmt.Errorf("%w: kind %s", domain.ErrUnsupportedType, v.Kind)
}

// ToNativeAll converts a variadic argument list.
func ToNativeAll(args []any) ([]domain.NativeValue, error) {
	out := make([]domain.NativeValue, len(args))
	for i, a := range args {
		v, err := ToNative(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
