package core

import "testing"

// TestArena_RemovedHandleNeverResolves verifies generation checking
// Given: An arena where an entry was removed and its slot reused
// When: The old handle is looked up
// Then: It does not resolve, while the new handle does
func TestArena_RemovedHandleNeverResolves(t *testing.T) {
	// Arrange
	a := NewArena[string](0)
	old := a.Insert("first")

	// Act
	if _, ok := a.Remove(old); !ok {
		t.Fatal("Remove(old) = false, want true")
	}
	reused := a.Insert("second")

	// Assert
	if reused.index != old.index {
		t.Fatalf("slot was not reused: old=%v reused=%v", old, reused)
	}
	if a.Contains(old) {
		t.Error("Contains(old) = true after removal, want false")
	}
	if v, ok := a.Get(reused); !ok || *v != "second" {
		t.Errorf("Get(reused) = %v, %v; want second, true", v, ok)
	}
	if _, ok := a.Remove(old); ok {
		t.Error("Remove(old) succeeded twice")
	}
	if a.Len() != 1 {
		t.Errorf("Len() = %d, want 1", a.Len())
	}
}

func TestHandle_ZeroIsInvalid(t *testing.T) {
	var h Handle
	if h.IsValid() {
		t.Error("zero Handle is valid")
	}

	a := NewArena[int](1)
	if _, ok := a.Get(h); ok {
		t.Error("Get(zero handle) resolved")
	}
	if got := h.String(); got != "handle(invalid)" {
		t.Errorf("String() = %q", got)
	}
}

// TestArena_GenerationWrapSkipsZero verifies a wrapped generation stays valid
func TestArena_GenerationWrapSkipsZero(t *testing.T) {
	a := NewArena[int](1)
	h := a.Insert(1)
	a.slots[h.index].generation = ^uint32(0)
	h.generation = ^uint32(0)

	a.Remove(h)
	next := a.Insert(2)

	if next.generation != 1 {
		t.Errorf("generation after wrap = %d, want 1", next.generation)
	}
	if !next.IsValid() {
		t.Error("handle after wrap is invalid")
	}
}

func TestArena_RangeVisitsLiveEntries(t *testing.T) {
	a := NewArena[int](4)
	h1 := a.Insert(1)
	a.Insert(2)
	a.Insert(3)
	a.Remove(h1)

	sum := 0
	a.Range(func(h Handle, v *int) bool {
		sum += *v
		return true
	})

	if sum != 5 {
		t.Errorf("sum over live entries = %d, want 5", sum)
	}
}
