package bridge

import (
	"fmt"

	"umka-embed/internal/diag"
	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// sentinelFor maps a normalized native status to the error taxonomy.
func sentinelFor(st native.Status) error {
	switch st {
	case native.StatusOK:
		return nil
	case native.StatusRuntime:
		return domain.ErrRuntime
	case native.StatusExhausted:
		return domain.ErrResourceExhausted
	}
	return domain.ErrUnknownNativeFault
}

// status turns the result of Run or Call into an error carrying the native
// diagnostic. The diagnostic is also retained in the channel.
func (b *Bridge) status(op string, h native.Handle, st native.Status) error {
	sentinel := sentinelFor(st)
	if sentinel == nil {
		return nil
	}
	rec := b.record(h, sentinel)
	if sentinel == domain.ErrUnknownNativeFault {
		if rec.Message == "" {
			rec.Message = fmt.Sprintf("unexpected native status %d", st)
		}
		rec.Code = int(st)
	}
	b.diags.Push(rec)
	err := domain.NewNativeError(op, sentinel, rec)
	b.logger.Warn("native call failed", "session", b.opts.ID, "op", op, "status", int(st), "error", err)
	return err
}

// fail handles a native entry point that reported failure without a status
// code. The session becomes Faulted.
func (b *Bridge) fail(op string, h native.Handle, sentinel error, detail string) error {
	rec := b.record(h, sentinel)
	if rec.Message == "" {
		rec.Message = detail
	}
	b.diags.Push(rec)
	b.setState(domain.StateFaulted)
	de := domain.NewNativeError(op, sentinel, rec)
	de.Detail = detail
	b.logger.Warn("native operation failed", "session", b.opts.ID, "op", op, "error", de)
	return de
}

// stackDepth caps the frames attached to a runtime fault.
const stackDepth = 16

func (b *Bridge) record(h native.Handle, sentinel error) domain.ErrorRecord {
	raw, _ := b.lib.GetError(h)
	rec := diag.FromRaw(raw, domain.ErrorCodeOf(sentinel), domain.SeverityError)
	if sentinel == domain.ErrRuntime {
		rec.Stack = diag.FromFrames(b.lib.CallStack(h, stackDepth))
	}
	return rec
}
