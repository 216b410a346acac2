package core

import (
	"fmt"
	"sync"
)

// EventHandle is a typed reference to a named event. Subscribers must take
// the same argument type.
type EventHandle[A any] struct {
	Handle
}

const noPriorityEntry = -1

type event struct {
	name        string
	subscribers []Handle
	// priorityEntry is the index of the only subscriber a dispatch reaches,
	// or noPriorityEntry to reach all of them.
	priorityEntry int
}

// EventBus maps named events to stored one-shot tasks. Dispatching an event
// enqueues its subscribers through the scheduler like any other one-shot task.
type EventBus struct {
	mu       sync.RWMutex
	events   *Arena[*event]
	byName   map[string]Handle
	sched    Scheduler
	registry *TaskRegistry
	contract contract
	logger   Logger
}

// NewEventBus creates a bus that enqueues subscribers on sched.
func NewEventBus(sched Scheduler, registry *TaskRegistry, config *SchedulerConfig) *EventBus {
	cfg := config.resolved()
	return &EventBus{
		events:   NewArena[*event](16),
		byName:   make(map[string]Handle),
		sched:    sched,
		registry: registry,
		contract: contract{assertions: cfg.Assertions, logger: cfg.Logger},
		logger:   cfg.Logger,
	}
}

// NewEvent declares an event. A prioritized event only reaches its first
// subscriber until SetPrioritizedSubscriber picks another. Declaring a name
// twice is a contract violation and returns the existing event.
func NewEvent[A any](b *EventBus, name string, prioritized bool) EventHandle[A] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.byName[name]; ok {
		b.contract.violate("NewEvent", "event %q already exists", name)
		return EventHandle[A]{Handle: h}
	}

	ev := &event{name: name, priorityEntry: noPriorityEntry}
	if prioritized {
		ev.priorityEntry = 0
	}
	h := b.events.Insert(ev)
	b.byName[name] = h
	b.logger.Debug("Event added", F("event", name), F("prioritized", prioritized))
	return EventHandle[A]{Handle: h}
}

// Subscribe appends task to the event's subscribers.
func Subscribe[A any](b *EventBus, ev EventHandle[A], task TaskHandle[A]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.lookupLocked("Subscribe", ev.Handle)
	if !ok {
		return false
	}
	if _, ok := b.registry.Descriptor(task.Handle); !ok {
		return !b.contract.violate("Subscribe", "event %q: task %s is not registered", e.name, task.Handle)
	}
	e.subscribers = append(e.subscribers, task.Handle)
	return true
}

// SetPrioritizedSubscriber makes task the only subscriber a dispatch reaches.
// The task must already be subscribed.
func SetPrioritizedSubscriber[A any](b *EventBus, ev EventHandle[A], task TaskHandle[A]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.lookupLocked("SetPrioritizedSubscriber", ev.Handle)
	if !ok {
		return false
	}
	for i, h := range e.subscribers {
		if h == task.Handle {
			e.priorityEntry = i
			return true
		}
	}
	return !b.contract.violate("SetPrioritizedSubscriber", "event %q: task %s is not subscribed", e.name, task.Handle)
}

// SetEventPriority switches an event between reaching every subscriber and
// reaching only the first one.
func (b *EventBus) SetEventPriority(ev Handle, prioritized bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.lookupLocked("SetEventPriority", ev)
	if !ok {
		return false
	}
	if prioritized {
		e.priorityEntry = 0
	} else {
		e.priorityEntry = noPriorityEntry
	}
	return true
}

// Dispatch enqueues the event's subscribers with arg and returns how many
// instances were enqueued.
func Dispatch[A any](b *EventBus, ev EventHandle[A], arg A) (int, error) {
	name, targets, ok := b.targets(ev.Handle)
	if !ok {
		return 0, &ContractError{Op: "Dispatch", Detail: fmt.Sprintf("unknown event %s", ev.Handle)}
	}

	n := 0
	for _, h := range targets {
		if err := EnqueueTask(b.sched, TaskHandle[A]{Handle: h}, arg); err != nil {
			return n, fmt.Errorf("dispatch %q: %w", name, err)
		}
		n++
	}
	return n, nil
}

func (b *EventBus) targets(ev Handle) (string, []Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.lookupLocked("Dispatch", ev)
	if !ok {
		return "", nil, false
	}
	switch {
	case e.priorityEntry == noPriorityEntry:
		return e.name, append([]Handle(nil), e.subscribers...), true
	case e.priorityEntry < len(e.subscribers):
		return e.name, []Handle{e.subscribers[e.priorityEntry]}, true
	default:
		return e.name, nil, true
	}
}

// Lookup returns the handle of the event declared as name.
func (b *EventBus) Lookup(name string) (Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byName[name]
	return h, ok
}

// Subscribers returns the number of subscribers of an event.
func (b *EventBus) Subscribers(ev Handle) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.events.Get(ev)
	if !ok {
		return 0
	}
	return len((*e).subscribers)
}

func (b *EventBus) lookupLocked(op string, h Handle) (*event, bool) {
	e, ok := b.events.Get(h)
	if !ok {
		b.contract.violate(op, "unknown event %s", h)
		return nil, false
	}
	return *e, true
}
