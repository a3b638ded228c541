package bridge

import (
	"context"
	"fmt"

	"umka-embed/internal/domain"
	"umka-embed/internal/marshal"
	"umka-embed/pkg/umka/native"
)

type outcome struct {
	v   domain.NativeValue
	err error
}

// run executes work while holding the gate and releases it afterwards.
//
// Native calls cannot be interrupted. With a deadline the work runs on its
// own goroutine and the caller stops waiting when the deadline passes; the
// goroutine keeps the handle busy until the library returns.
func (b *Bridge) run(ctx context.Context, op string, h native.Handle, work func() (domain.NativeValue, error)) (domain.NativeValue, error) {
	if b.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		b.release()
		return domain.Void(), fmt.Errorf("%s: %w", op, err)
	}
	b.callCtx = ctx

	if ctx.Done() == nil {
		defer b.release()
		return work()
	}

	done := make(chan outcome, 1)
	go func() {
		defer b.release()
		v, err := work()
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		b.logger.Warn("native call abandoned; handle stays busy until it returns",
			"session", b.opts.ID, "op", op, "handle", uint64(h), "reason", ctx.Err())
		return domain.Void(), domain.NewDomainError(op, domain.ErrTimeout, ctx.Err().Error())
	}
}

// extern adapts a HostFunc to the library's calling convention. Parameters
// are borrowed from the VM; a string result is handed over to it.
func (b *Bridge) extern(f hostFunc) native.ExternFunc {
	return func(h native.Handle, params []native.Slot) (res native.Slot, err error) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("host function panicked", "session", b.opts.ID, "func", f.name, "panic", r)
				err = fmt.Errorf("host function %s panicked: %v", f.name, r)
			}
		}()

		if len(params) != len(f.sig.Params) {
			return 0, fmt.Errorf("host function %s: got %d parameters, want %d", f.name, len(params), len(f.sig.Params))
		}
		args := make([]domain.NativeValue, len(params))
		for i, k := range f.sig.Params {
			v, err := marshal.LiftBorrowed(b.lib, h, k, params[i])
			if err != nil {
				return 0, fmt.Errorf("host function %s: parameter %d: %w", f.name, i+1, err)
			}
			args[i] = v
		}
		ctx := b.callCtx
		if ctx == nil {
			ctx = context.Background()
		}
		out, err := f.fn(context.WithValue(ctx, callbackKey{}, b), args)
		if err != nil {
			return 0, err
		}
		if f.sig.Result == domain.KindVoid {
			return 0, nil
		}
		return marshal.LowerTransfer(b.lib, h, f.sig.Result, out)
	}
}
