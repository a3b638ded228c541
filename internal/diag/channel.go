// Package diag collects diagnostics raised by the native VM.
//
// Native code reports problems through return codes, a last-error query and
// a warning callback. The Channel turns all three into domain.ErrorRecords
// that the host drains on its own schedule.
package diag

import (
	"fmt"
	"sync"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// DefaultCapacity is used when a Channel is created with a non-positive size.
const DefaultCapacity = 64

// Channel is a bounded FIFO of diagnostics. Push never blocks: when full the
// oldest record is dropped and counted, and the next Capture appends a single
// overflow marker carrying the count.
type Channel struct {
	mu      sync.Mutex
	buf     []domain.ErrorRecord
	head    int
	size    int
	dropped int
	total   int
}

// New returns a Channel holding at most capacity records.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{buf: make([]domain.ErrorRecord, capacity)}
}

// Cap is the channel's capacity.
func (c *Channel) Cap() int { return len(c.buf) }

// Len is the number of undrained records.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Total counts every record ever pushed, dropped ones included.
func (c *Channel) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Push enqueues rec.
func (c *Channel) Push(rec domain.ErrorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if c.size == len(c.buf) {
		c.head = (c.head + 1) % len(c.buf)
		c.size--
		c.dropped++
	}
	c.buf[(c.head+c.size)%len(c.buf)] = rec
	c.size++
}

// Capture drains the channel in arrival order, stamping each record with
// state. If records were dropped since the last drain, one overflow marker
// follows them.
func (c *Channel) Capture(state domain.State) []domain.ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size == 0 && c.dropped == 0 {
		return nil
	}
	out := make([]domain.ErrorRecord, 0, c.size+1)
	for i := 0; i < c.size; i++ {
		slot := &c.buf[(c.head+i)%len(c.buf)]
		rec := *slot
		rec.State = state
		out = append(out, rec)
		*slot = domain.ErrorRecord{}
	}
	if c.dropped > 0 {
		out = append(out, domain.ErrorRecord{
			Kind:     domain.CodeDiagnosticsOverflow,
			Severity: domain.SeverityWarning,
			Code:     c.dropped,
			Message:  fmt.Sprintf("%d diagnostics dropped: %v", c.dropped, domain.ErrDiagnosticsOverflow),
			State:    state,
		})
	}
	c.head, c.size, c.dropped = 0, 0, 0
	return out
}

// Warnings returns a native.WarningFunc feeding the channel. It only
// enqueues, so it is safe to hand to a library that calls it from inside a
// native call.
func (c *Channel) Warnings() native.WarningFunc {
	return func(e native.RawError) {
		c.Push(FromRaw(e, domain.CodeWarning, domain.SeverityWarning))
	}
}

// FromRaw builds a record from a native error.
func FromRaw(e native.RawError, kind domain.ErrorCode, sev domain.Severity) domain.ErrorRecord {
	return domain.ErrorRecord{
		Code:     e.Code,
		Kind:     kind,
		Severity: sev,
		Message:  e.Msg,
		Location: domain.Location{File: e.File, Func: e.Func, Line: e.Line, Pos: e.Pos},
	}
}

// FromFrames converts a native call stack to locations.
func FromFrames(frames []native.Frame) []domain.Location {
	if len(frames) == 0 {
		return nil
	}
	out := make([]domain.Location, len(frames))
	for i, f := range frames {
		out[i] = domain.Location{File: f.File, Func: f.Func, Line: f.Line}
	}
	return out
}
