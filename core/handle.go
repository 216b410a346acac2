package core

import "fmt"

// Handle addresses an entry in an Arena. The generation changes every time a
// slot is reused, so a handle to a removed entry never resolves to the entry
// that later takes its slot.
type Handle struct {
	index      uint32
	generation uint32
}

// IsValid reports whether the handle was produced by an Arena.
// The zero Handle is never valid.
func (h Handle) IsValid() bool {
	return h.generation != 0
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "handle(invalid)"
	}
	return fmt.Sprintf("handle(%d@%d)", h.index, h.generation)
}

type arenaSlot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Arena is a slot map with generation-checked handles.
// It is not safe for concurrent use; owners guard it with their own lock.
type Arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	count int
}

// NewArena creates an arena with room for capacity entries.
func NewArena[T any](capacity int) *Arena[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Arena[T]{slots: make([]arenaSlot[T], 0, capacity)}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.count++

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		slot := &a.slots[idx]
		slot.value = v
		slot.occupied = true
		return Handle{index: idx, generation: slot.generation}
	}

	a.slots = append(a.slots, arenaSlot[T]{value: v, generation: 1, occupied: true})
	return Handle{index: uint32(len(a.slots) - 1), generation: 1}
}

// Get returns a pointer to the entry addressed by h.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if !h.IsValid() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	slot := &a.slots[h.index]
	if !slot.occupied || slot.generation != h.generation {
		return nil, false
	}
	return &slot.value, true
}

// Contains reports whether h still addresses a live entry.
func (a *Arena[T]) Contains(h Handle) bool {
	_, ok := a.Get(h)
	return ok
}

// Remove deletes the entry addressed by h and returns it.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if !h.IsValid() || int(h.index) >= len(a.slots) {
		return zero, false
	}
	slot := &a.slots[h.index]
	if !slot.occupied || slot.generation != h.generation {
		return zero, false
	}

	v := slot.value
	slot.value = zero
	slot.occupied = false
	slot.generation++
	if slot.generation == 0 {
		// Wrapped: skip 0 so stale handles stay invalid.
		slot.generation = 1
	}
	a.free = append(a.free, h.index)
	a.count--
	return v, true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	return a.count
}

// Range calls fn for every live entry in slot order until fn returns false.
func (a *Arena[T]) Range(fn func(h Handle, v *T) bool) {
	for i := range a.slots {
		slot := &a.slots[i]
		if !slot.occupied {
			continue
		}
		if !fn(Handle{index: uint32(i), generation: slot.generation}, &slot.value) {
			return
		}
	}
}
