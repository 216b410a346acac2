package core

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// TestResourceArbiter_ReadersShareWritersExclude verifies the conflict table
// Given: An arbiter with one outstanding Read grant on R1
// When: Another Read and then a Write on R1 are requested
// Then: The Read succeeds and the Write fails until both reads are released
func TestResourceArbiter_ReadersShareWritersExclude(t *testing.T) {
	// Arrange
	a := NewResourceArbiter()
	r1, ok := a.TryAcquire(AccessBlock{Read(1)})
	if !ok {
		t.Fatal("first Read failed")
	}

	// Act & Assert
	r2, ok := a.TryAcquire(AccessBlock{Read(1)})
	if !ok {
		t.Fatal("second Read failed, readers must share")
	}
	if _, ok := a.TryAcquire(AccessBlock{Write(1)}); ok {
		t.Fatal("Write granted while readers hold R1")
	}

	a.Release(r1)
	if _, ok := a.TryAcquire(AccessBlock{Write(1)}); ok {
		t.Fatal("Write granted while one reader still holds R1")
	}

	a.Release(r2)
	w, ok := a.TryAcquire(AccessBlock{Write(1)})
	if !ok {
		t.Fatal("Write failed on a free resource")
	}
	if _, ok := a.TryAcquire(AccessBlock{Read(1)}); ok {
		t.Fatal("Read granted while a writer holds R1")
	}
	a.Release(w)

	stats := a.Stats()
	if stats.Outstanding != 0 {
		t.Errorf("Outstanding = %d, want 0", stats.Outstanding)
	}
	if stats.Acquired != stats.Released {
		t.Errorf("Acquired = %d, Released = %d; want equal", stats.Acquired, stats.Released)
	}
	if stats.Conflicts != 3 {
		t.Errorf("Conflicts = %d, want 3", stats.Conflicts)
	}
}

// TestResourceArbiter_AcquireIsAllOrNothing verifies a failed block registers nothing
func TestResourceArbiter_AcquireIsAllOrNothing(t *testing.T) {
	a := NewResourceArbiter()
	held, _ := a.TryAcquire(AccessBlock{Write(2)})

	if _, ok := a.TryAcquire(AccessBlock{Write(1), Write(2)}); ok {
		t.Fatal("block granted although R2 is held")
	}
	if readers, writer := a.Holds(1); readers != 0 || writer {
		t.Errorf("R1 holds readers=%d writer=%v after failed acquire, want nothing", readers, writer)
	}

	a.Release(held)
	if _, ok := a.TryAcquire(AccessBlock{Write(1), Write(2)}); !ok {
		t.Error("block refused after release")
	}
}

// TestResourceArbiter_ReleaseNotifies verifies the availability channel
// Given: A held grant and an empty availability channel
// When: The grant is released
// Then: Changed() delivers exactly one pending notification
func TestResourceArbiter_ReleaseNotifies(t *testing.T) {
	// Arrange
	a := NewResourceArbiter()
	tok, _ := a.TryAcquire(AccessBlock{Write(1)})

	// Act
	a.Release(tok)

	// Assert
	select {
	case <-a.Changed():
	case <-time.After(time.Second):
		t.Fatal("no notification after Release")
	}
	select {
	case <-a.Changed():
		t.Fatal("second notification pending, want buffer of one")
	default:
	}
}

// TestResourceArbiter_RevokeDoesNotNotify verifies empty-batch rollback is silent
func TestResourceArbiter_RevokeDoesNotNotify(t *testing.T) {
	a := NewResourceArbiter()
	tok, _ := a.TryAcquire(AccessBlock{Write(1)})

	a.Revoke(tok)

	select {
	case <-a.Changed():
		t.Fatal("Revoke posted a notification")
	default:
	}
	if a.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after Revoke, want 0", a.Outstanding())
	}
}

// TestResourceArbiter_DoubleReleasePanics verifies a stale token cannot corrupt counts
func TestResourceArbiter_DoubleReleasePanics(t *testing.T) {
	a := NewResourceArbiter()
	tok, _ := a.TryAcquire(AccessBlock{Read(1)})
	a.Release(tok)

	defer func() {
		r := recover()
		var cerr *ContractError
		err, _ := r.(error)
		if !errors.As(err, &cerr) {
			t.Fatalf("recover() = %v, want *ContractError", r)
		}
		if cerr.Op != "Release" {
			t.Errorf("Op = %q, want Release", cerr.Op)
		}
	}()
	a.Release(tok)
}

// TestResourceArbiter_Batches verifies instances attach to a grant
func TestResourceArbiter_Batches(t *testing.T) {
	a := NewResourceArbiter()
	tok, _ := a.TryAcquire(nil)

	if a.HasValidInstances(tok) {
		t.Fatal("HasValidInstances = true for an empty batch")
	}
	a.AddInstance(tok, &TaskInstance{})
	a.AddInstance(tok, &TaskInstance{})

	if !a.HasValidInstances(tok) {
		t.Fatal("HasValidInstances = false after AddInstance")
	}
	if n := len(a.Instances(tok)); n != 2 {
		t.Errorf("len(Instances) = %d, want 2", n)
	}
	a.Release(tok)
	if a.HasValidInstances(tok) {
		t.Error("released token still reports instances")
	}
}

// TestResourceArbiter_MutualExclusionUnderContention checks the exclusion
// property with many goroutines acquiring random blocks
func TestResourceArbiter_MutualExclusionUnderContention(t *testing.T) {
	// Arrange
	a := NewResourceArbiter()
	const resources = 3
	var mu sync.Mutex
	readers := make([]int, resources)
	writers := make([]int, resources)
	violations := 0

	enter := func(block AccessBlock) {
		mu.Lock()
		defer mu.Unlock()
		for _, acc := range block {
			if acc.Mode == AccessWrite {
				if readers[acc.Resource] > 0 || writers[acc.Resource] > 0 {
					violations++
				}
				writers[acc.Resource]++
			} else {
				if writers[acc.Resource] > 0 {
					violations++
				}
				readers[acc.Resource]++
			}
		}
	}
	leave := func(block AccessBlock) {
		mu.Lock()
		defer mu.Unlock()
		for _, acc := range block {
			if acc.Mode == AccessWrite {
				writers[acc.Resource]--
			} else {
				readers[acc.Resource]--
			}
		}
	}

	// Act
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				var block AccessBlock
				for r := 0; r < resources; r++ {
					switch rng.Intn(3) {
					case 1:
						block = append(block, Read(ResourceID(r)))
					case 2:
						block = append(block, Write(ResourceID(r)))
					}
				}
				block = block.Normalize()
				tok, ok := a.TryAcquire(block)
				if !ok {
					continue
				}
				enter(block)
				time.Sleep(time.Microsecond)
				leave(block)
				a.Release(tok)
			}
		}(int64(g))
	}
	wg.Wait()

	// Assert
	if violations != 0 {
		t.Errorf("observed %d exclusion violations", violations)
	}
	if a.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", a.Outstanding())
	}
}
