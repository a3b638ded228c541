package bridge

import (
	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// nativeHandle is the single owner of a raw VM handle. It is only ever held
// by pointer inside a Bridge; take moves the raw value out, after which the
// handle is dead.
type nativeHandle struct {
	raw native.Handle
}

func createHandle(lib native.Library) (*nativeHandle, error) {
	raw := lib.Alloc()
	if raw == 0 {
		return nil, domain.NewDomainError("bridge.create", domain.ErrCreationFailed, "library returned a null handle")
	}
	return &nativeHandle{raw: raw}, nil
}

func (h *nativeHandle) live() bool { return h.raw != 0 }

func (h *nativeHandle) take() native.Handle {
	raw := h.raw
	h.raw = 0
	return raw
}
