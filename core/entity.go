package core

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SystemID is the numeric identity of a registered system. Ids start at 1.
type SystemID uint32

// System is a named registration scope. It owns one resource that tasks
// declare access to when they touch the system's state.
type System struct {
	ID       SystemID
	Name     string
	Resource ResourceID
}

// TypeIdentifier addresses an entity type without a string lookup.
// Type ids are sequential per system and start at 1.
type TypeIdentifier struct {
	System SystemID
	Type   uint32
}

func (t TypeIdentifier) IsValid() bool { return t.Type != 0 }

func (t TypeIdentifier) String() string {
	return fmt.Sprintf("type(%d.%d)", t.System, t.Type)
}

// EntityRef addresses one entity of a type. The generation changes when the
// slot is reused, so a reference to a removed entity stays dead.
type EntityRef struct {
	Type       TypeIdentifier
	Index      uint32
	Generation uint32
}

func (e EntityRef) IsValid() bool { return e.Type.IsValid() }

func (e EntityRef) String() string {
	if e.Generation == 0 {
		return fmt.Sprintf("%s#%d", e.Type, e.Index)
	}
	return fmt.Sprintf("%s#%d@%d", e.Type, e.Index, e.Generation)
}

type entitySlot struct {
	live       bool
	generation uint32
	step       atomic.Uint32
}

type entityType struct {
	name  string
	slots []*entitySlot
	free  []uint32
}

// Entities tracks live entities and their setup-step counters. A per-entity
// task instance is ready only when its entity's counter equals the step the
// task requires.
type Entities struct {
	mu       sync.RWMutex
	types    map[TypeIdentifier]*entityType
	byName   map[SystemID]map[string]TypeIdentifier
	nextType map[SystemID]uint32
}

func newEntities() *Entities {
	return &Entities{
		types:    make(map[TypeIdentifier]*entityType),
		byName:   make(map[SystemID]map[string]TypeIdentifier),
		nextType: make(map[SystemID]uint32),
	}
}

// register allocates a type. It reports false when the name is taken under system.
func (e *Entities) register(system SystemID, name string) (TypeIdentifier, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	names, ok := e.byName[system]
	if !ok {
		names = make(map[string]TypeIdentifier)
		e.byName[system] = names
	}
	if existing, ok := names[name]; ok {
		return existing, false
	}

	e.nextType[system]++
	id := TypeIdentifier{System: system, Type: e.nextType[system]}
	names[name] = id
	e.types[id] = &entityType{name: name}
	return id, true
}

// Lookup returns the type registered as name under system.
func (e *Entities) Lookup(system SystemID, name string) (TypeIdentifier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.byName[system][name]
	return id, ok
}

func (e *Entities) known(t TypeIdentifier) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.types[t]
	return ok
}

// AddEntity creates a live entity of type t with setup step zero.
func (e *Entities) AddEntity(t TypeIdentifier) (EntityRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	et, ok := e.types[t]
	if !ok {
		return EntityRef{}, fmt.Errorf("add entity: unknown %s", t)
	}

	if n := len(et.free); n > 0 {
		idx := et.free[n-1]
		et.free = et.free[:n-1]
		slot := et.slots[idx]
		slot.live = true
		slot.step.Store(0)
		return EntityRef{Type: t, Index: idx, Generation: slot.generation}, nil
	}

	slot := &entitySlot{live: true}
	et.slots = append(et.slots, slot)
	return EntityRef{Type: t, Index: uint32(len(et.slots) - 1)}, nil
}

// RemoveEntity marks ref dead. Pending instances for it are dropped at dispatch.
func (e *Entities) RemoveEntity(ref EntityRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot := e.slotLocked(ref)
	if slot == nil {
		return false
	}
	slot.live = false
	slot.generation++
	et := e.types[ref.Type]
	et.free = append(et.free, ref.Index)
	return true
}

// SetupStep returns the setup-step counter of a live entity.
func (e *Entities) SetupStep(ref EntityRef) (uint32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	slot := e.slotLocked(ref)
	if slot == nil {
		return 0, false
	}
	return slot.step.Load(), true
}

// AdvanceSetup increments the setup-step counter of a live entity.
func (e *Entities) AdvanceSetup(ref EntityRef) (uint32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	slot := e.slotLocked(ref)
	if slot == nil {
		return 0, false
	}
	return slot.step.Add(1), true
}

// LiveEntities returns every live entity of type t in index order.
func (e *Entities) LiveEntities(t TypeIdentifier) []EntityRef {
	e.mu.RLock()
	defer e.mu.RUnlock()

	et, ok := e.types[t]
	if !ok {
		return nil
	}
	out := make([]EntityRef, 0, len(et.slots)-len(et.free))
	for i, slot := range et.slots {
		if slot.live {
			out = append(out, EntityRef{Type: t, Index: uint32(i), Generation: slot.generation})
		}
	}
	return out
}

func (e *Entities) slotLocked(ref EntityRef) *entitySlot {
	et, ok := e.types[ref.Type]
	if !ok || int(ref.Index) >= len(et.slots) {
		return nil
	}
	slot := et.slots[ref.Index]
	if !slot.live || slot.generation != ref.Generation {
		return nil
	}
	return slot
}
