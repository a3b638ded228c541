package dynlib

import "sync"

// slotTable hands out a fixed number of indexes. Native callbacks cannot be
// released once created, so each index owns one callback for the life of
// the process and is rebound as handles come and go.
type slotTable[T any] struct {
	mu      sync.Mutex
	entries []T
	used    []bool
	free    []int
}

func newSlotTable[T any](n int) *slotTable[T] {
	t := &slotTable[T]{entries: make([]T, n), used: make([]bool, n), free: make([]int, n)}
	for i := range n {
		t.free[i] = n - 1 - i
	}
	return t
}

// bind stores v in a free slot. ok is false when every slot is taken.
func (t *slotTable[T]) bind(v T) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.free)
	if n == 0 {
		return -1, false
	}
	i := t.free[n-1]
	t.free = t.free[:n-1]
	t.entries[i] = v
	t.used[i] = true
	return i, true
}

func (t *slotTable[T]) get(i int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.entries) || !t.used[i] {
		var zero T
		return zero, false
	}
	return t.entries[i], true
}

func (t *slotTable[T]) release(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.entries) || !t.used[i] {
		return
	}
	var zero T
	t.entries[i] = zero
	t.used[i] = false
	t.free = append(t.free, i)
}

func (t *slotTable[T]) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - len(t.free)
}
