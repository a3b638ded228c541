package bridge

import (
	"context"
	"fmt"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// callbackKey marks the context handed to a host function. Its value is the
// bridge whose call is suspended.
type callbackKey struct{}

func inCallback(ctx context.Context, b *Bridge) bool {
	owner, _ := ctx.Value(callbackKey{}).(*Bridge)
	return owner == b
}

// acquire takes exclusive use of the handle. Every successful acquire must be
// paired with exactly one release.
//
// A call made from inside one of this bridge's host functions fails at once,
// since the handle it would wait for is held by its own caller. Calls from
// anywhere else follow the configured policy.
func (b *Bridge) acquire(ctx context.Context, op string) (native.Handle, error) {
	if inCallback(ctx, b) {
		return 0, domain.NewDomainError(op, domain.ErrConcurrentAccess, "reentrant call from a host function")
	}
	b.mu.Lock()
	for {
		if !b.handle.live() || b.destroyPending {
			b.mu.Unlock()
			return 0, b.violation(op, domain.ErrUseAfterDestroy)
		}
		if !b.busy {
			b.busy = true
			raw := b.handle.raw
			b.mu.Unlock()
			return raw, nil
		}
		if b.opts.Policy == PolicyReject {
			b.mu.Unlock()
			return 0, domain.NewDomainError(op, domain.ErrConcurrentAccess, "another call is in flight")
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return 0, fmt.Errorf("%s: waiting for in-flight call: %w", op, ctx.Err())
		}
		b.mu.Lock()
	}
}

// release ends exclusive use. A Close that arrived during the call is
// carried out here.
func (b *Bridge) release() {
	b.mu.Lock()
	b.busy = false
	close(b.wake)
	b.wake = make(chan struct{})
	var raw native.Handle
	if b.destroyPending && b.handle.live() {
		raw = b.handle.take()
		b.state = domain.StateDestroyed
	}
	b.mu.Unlock()
	if raw != 0 {
		b.destroy(raw)
	}
}

func (b *Bridge) violation(op string, err error) error {
	de := domain.NewDomainError(op, err, "")
	b.logger.Error("contract violation", "session", b.opts.ID, "op", op, "error", de)
	if panicOnViolation {
		panic(de)
	}
	return de
}
