// Package upcaster implements the event schema-migration pipeline: a
// registry of (event name, source schema version) -> transform functions,
// applied on read so older events on disk can be consumed as their current
// shape without ever being rewritten in place.
package upcaster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fluxorio/eventstore/pkg/eventlog"
)

// Transform rewrites an event from its source schema version to the next
// one. It must not mutate the record it is passed; it returns the new
// record.
type Transform func(eventlog.EventRecord) (eventlog.EventRecord, error)

type registryKey struct {
	eventType     string
	fromVersion   string
}

// Registry holds the upcast transform chain. It follows a builder-then-
// freeze lifecycle: Register calls are only valid before Freeze, and
// Apply is only valid after it — a mutable construction phase hands off to
// an immutable, lock-free read phase.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	entries  map[registryKey]Transform
	order    map[string][]string // eventType -> fromVersions sorted ascending
}

// NewRegistry builds an empty, mutable Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[registryKey]Transform),
		order:   make(map[string][]string),
	}
}

// Register adds a transform from fromVersion to the next schema version for
// eventType. Panics if called after Freeze: a post-freeze mutation is a
// programming error, not a runtime condition to recover from.
func (r *Registry) Register(eventType, fromVersion string, transform Transform) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("upcaster: Register(%s, %s) called on a frozen registry", eventType, fromVersion))
	}
	key := registryKey{eventType: eventType, fromVersion: fromVersion}
	if _, exists := r.entries[key]; exists {
		panic(fmt.Sprintf("upcaster: duplicate transform registered for %s from schema %s", eventType, fromVersion))
	}
	r.entries[key] = transform
	r.order[eventType] = append(r.order[eventType], fromVersion)
	return r
}

// Freeze finalizes the registry, sorting each event type's recorded source
// versions (Apply uses only their count, as its hop bound). After Freeze,
// Register panics and Apply is safe for concurrent use without locking.
func (r *Registry) Freeze() *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return r
	}
	for eventType := range r.order {
		sort.Strings(r.order[eventType])
	}
	r.frozen = true
	return r
}

// Apply repeatedly looks up a transform keyed on the event's current
// SchemaVersion and applies it, chaining forward (v1->v2->v3->...) until no
// further transform is registered for the event's current version. It
// panics if called before Freeze.
func (r *Registry) Apply(e eventlog.EventRecord) (eventlog.EventRecord, error) {
	if !r.frozen {
		panic("upcaster: Apply called before Freeze")
	}
	// Bounded by the chain length actually registered for this event type,
	// so a misbehaving transform that doesn't advance SchemaVersion can't
	// spin forever.
	maxHops := len(r.order[e.EventType]) + 1
	for i := 0; i < maxHops; i++ {
		transform, ok := r.entries[registryKey{eventType: e.EventType, fromVersion: e.SchemaVersion}]
		if !ok {
			return e, nil
		}
		next, err := transform(e)
		if err != nil {
			return eventlog.EventRecord{}, eventlog.NewError(eventlog.CodeValidationUnregisteredEvent,
				fmt.Sprintf("upcast of %s from schema %s failed", e.EventType, e.SchemaVersion), err)
		}
		e = next
	}
	return e, nil
}

// ApplyAll upcasts every event in a slice in place order, returning a new
// slice.
func (r *Registry) ApplyAll(events []eventlog.EventRecord) ([]eventlog.EventRecord, error) {
	out := make([]eventlog.EventRecord, len(events))
	for i, e := range events {
		upcast, err := r.Apply(e)
		if err != nil {
			return nil, err
		}
		out[i] = upcast
	}
	return out, nil
}
