package marshal

import (
	"fmt"
	"math"
	"reflect"

	"umka-embed/internal/domain"
)

// Decode stores v into the value pointed to by target. Coercions are allowed
// only when no information is lost.
func Decode(v domain.NativeValue, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer", domain.ErrUnsupportedType)
	}
	return decodeInto(v, rv.Elem())
}

// As converts v to T, see Decode.
func As[T any](v domain.NativeValue) (T, error) {
	var out T
	err := Decode(v, &out)
	return out, err
}

var (
	nativeValueType = reflect.TypeOf(domain.NativeValue{})
	opaqueType      = reflect.TypeOf(domain.Opaque(0))
)

func decodeInto(v domain.NativeValue, dst reflect.Value) error {
	t := dst.Type()
	switch {
	case t == nativeValueType:
		dst.Set(reflect.ValueOf(v))
		return nil
	case t == opaqueType:
		if v.Kind != domain.KindPtr {
			return cannot(v, t)
		}
		dst.SetUint(uint64(v.AsPtr()))
		return nil
	case t.Kind() == reflect.Interface && t.NumMethod() == 0:
		g, err := FromNative(v)
		if err != nil {
			return err
		}
		if g == nil {
			dst.Set(reflect.Zero(t))
			return nil
		}
		dst.Set(reflect.ValueOf(g))
		return nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := integral(v, t)
		if err != nil {
			return err
		}
		if dst.OverflowInt(i) {
			return fmt.Errorf("%w: %d overflows %s", domain.ErrPrecisionLoss, i, t)
		}
		dst.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		i, err := integral(v, t)
		if err != nil {
			return err
		}
		if i < 0 || dst.OverflowUint(uint64(i)) {
			return fmt.Errorf("%w: %d overflows %s", domain.ErrPrecisionLoss, i, t)
		}
		dst.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		var f float64
		switch v.Kind {
		case domain.KindReal:
			f = v.AsReal()
		case domain.KindInt:
			i := v.AsInt()
			if i > maxExactInt || i < -maxExactInt {
				return fmt.Errorf("%w: %d is not exact as %s", domain.ErrPrecisionLoss, i, t)
			}
			f = float64(i)
		default:
			return cannot(v, t)
		}
		if t.Kind() == reflect.Float32 && !math.IsNaN(f) && !math.IsInf(f, 0) && float64(float32(f)) != f {
			return fmt.Errorf("%w: %g is not exact as float32", domain.ErrPrecisionLoss, f)
		}
		dst.SetFloat(f)
	case reflect.Bool:
		if v.Kind != domain.KindBool {
			return cannot(v, t)
		}
		dst.SetBool(v.AsBool())
	case reflect.String:
		if v.Kind != domain.KindString || v.Owner == domain.OwnedByNative {
			return cannot(v, t)
		}
		dst.SetString(v.AsString())
	case reflect.Slice:
		if t.Elem().Kind() != reflect.Uint8 || v.Kind != domain.KindString || v.Owner == domain.OwnedByNative {
			return cannot(v, t)
		}
		dst.SetBytes([]byte(v.AsString()))
	default:
		return cannot(v, t)
	}
	return nil
}

func integral(v domain.NativeValue, t reflect.Type) (int64, error) {
	switch v.Kind {
	case domain.KindInt:
		return v.AsInt(), nil
	case domain.KindReal:
		f := v.AsReal()
		if f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
			return 0, fmt.Errorf("%w: %g is not integral", domain.ErrPrecisionLoss, f)
		}
		return int64(f), nil
	}
	return 0, cannot(v, t)
}

func cannot(v domain.NativeValue, t reflect.Type) error {
	return fmt.Errorf("%w: cannot decode %s into %s", domain.ErrUnsupportedType, v.Kind, t)
}
