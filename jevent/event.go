// Package jevent implements the engine's central unit of work: a recycled,
// reference-counted container carrying identity, a parent chain, a lazy
// FactorySet, and a per-event call-graph recorder.
package jevent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jana-framework/engine/callgraph"
	"github.com/jana-framework/engine/factory"
)

// Level orders granularities from finest (Subevent) to coarsest (Run). A
// parent chain's levels must strictly increase walking from an Event
// towards its most distant ancestor.
type Level int

const (
	LevelSubevent Level = iota
	LevelPhysicsEvent
	LevelTimeslice
	LevelRun
)

func (l Level) String() string {
	switch l {
	case LevelSubevent:
		return "Subevent"
	case LevelPhysicsEvent:
		return "PhysicsEvent"
	case LevelTimeslice:
		return "Timeslice"
	case LevelRun:
		return "Run"
	default:
		return "Unknown"
	}
}

// UnknownRunNumber is the sentinel run number meaning "unknown".
const UnknownRunNumber int64 = -1

var (
	// ErrDuplicateParentLevel is returned by AddParent when a parent at the
	// same Level is already present.
	ErrDuplicateParentLevel = errors.New("jevent: duplicate parent level")
	// ErrParentLevelOrder is returned by AddParent when the new parent's
	// Level does not strictly exceed every already-attached parent's Level.
	ErrParentLevelOrder = errors.New("jevent: parent chain levels must strictly increase")
	// ErrParentNotFound is returned by ReleaseParent when no parent is
	// attached at the requested Level.
	ErrParentNotFound = errors.New("jevent: no parent at requested level")
)

// ParentLink is one entry in an Event's parent chain.
type ParentLink struct {
	Level  Level
	Parent *Event
}

// Event is the framework's recyclable unit of work. It is always passed by
// pointer; it is never copied once constructed.
type Event struct {
	id uuid.UUID

	location int

	mu              sync.Mutex
	level           Level
	runNumber       int64
	eventNumber     int64
	userEventNumber int64
	parents         []ParentLink

	refcount atomic.Int64

	factories *factory.Set
	callgraph *callgraph.Recorder
}

// New constructs an Event owned by the given locality partition, with an
// empty FactorySet and call graph ready for its first cycle.
func New(location int) *Event {
	cg := callgraph.NewRecorder()
	return &Event{
		id:        uuid.New(),
		location:  location,
		runNumber: UnknownRunNumber,
		factories: factory.NewSet(cg),
		callgraph: cg,
	}
}

// ID is a stable identifier for tracing/observability, distinct from the
// physics identity triple.
func (e *Event) ID() uuid.UUID { return e.id }

// Location returns the locality partition (typically a NUMA domain) this
// Event's pool slot and queue slots are co-located with.
func (e *Event) Location() int { return e.location }

// Level returns the Event's granularity tag.
func (e *Event) Level() Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// SetLevel sets the Event's granularity tag.
func (e *Event) SetLevel(l Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.level = l
}

// RunNumber returns the Event's run number, or UnknownRunNumber.
func (e *Event) RunNumber() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runNumber
}

// SetRunNumber sets the Event's run number.
func (e *Event) SetRunNumber(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runNumber = n
}

// EventNumber returns the Event's sequence number within its run.
func (e *Event) EventNumber() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eventNumber
}

// SetEventNumber sets the Event's sequence number within its run.
func (e *Event) SetEventNumber(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventNumber = n
}

// UserEventNumber returns the opaque, user-assigned number.
func (e *Event) UserEventNumber() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userEventNumber
}

// SetUserEventNumber sets the opaque, user-assigned number.
func (e *Event) SetUserEventNumber(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userEventNumber = n
}

// Refcount returns the Event's current reference count. A freshly recycled
// Event carries a baseline of zero; it becomes eligible for reuse by the
// pool once its count returns to that baseline.
func (e *Event) Refcount() int64 { return e.refcount.Load() }

// AddParent attaches a parent at the given Level, incrementing the
// parent's reference count. Levels must strictly increase along the chain
// and may not repeat.
func (e *Event) AddParent(level Level, parent *Event) error {
	e.mu.Lock()
	for _, p := range e.parents {
		if p.Level == level {
			e.mu.Unlock()
			return fmt.Errorf("jevent: add parent at level %s: %w", level, ErrDuplicateParentLevel)
		}
		if p.Level >= level {
			e.mu.Unlock()
			return fmt.Errorf("jevent: add parent at level %s after level %s: %w", level, p.Level, ErrParentLevelOrder)
		}
	}
	e.parents = append(e.parents, ParentLink{Level: level, Parent: parent})
	e.mu.Unlock()

	parent.refcount.Add(1)
	return nil
}

// ReleaseParent detaches the parent at the given Level, decrementing its
// reference count.
func (e *Event) ReleaseParent(level Level) error {
	e.mu.Lock()
	idx := -1
	for i, p := range e.parents {
		if p.Level == level {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("jevent: release parent at level %s: %w", level, ErrParentNotFound)
	}
	parent := e.parents[idx].Parent
	e.parents = append(e.parents[:idx], e.parents[idx+1:]...)
	e.mu.Unlock()

	parent.refcount.Add(-1)
	return nil
}

// Parents returns a copy of the Event's current parent chain.
func (e *Event) Parents() []ParentLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ParentLink, len(e.parents))
	copy(out, e.parents)
	return out
}

// Factories exposes the Event's FactorySet for factory registration.
func (e *Event) Factories() *factory.Set { return e.factories }

// CallGraph exposes the Event's per-cycle call-graph recorder.
func (e *Event) CallGraph() *callgraph.Recorder { return e.callgraph }

// Insert externally supplies a name-addressable collection, satisfying any
// factory registered under the same (type,tag) key.
func (e *Event) Insert(name string, key factory.Key, collection any) error {
	return e.factories.Insert(name, key, collection)
}

// GetCollection returns a previously produced or inserted name-addressable
// collection without triggering lazy computation.
func (e *Event) GetCollection(name string) (any, bool) {
	return e.factories.GetCollection(name)
}

// GetFactory returns the registered factory for a (type,tag) key.
func (e *Event) GetFactory(key factory.Key) (*factory.Factory, bool) {
	return e.factories.Factory(key)
}

// Clear releases factory state and the parent chain ahead of recycling,
// retaining the Event's configuration (its location never changes).
func (e *Event) Clear() {
	e.mu.Lock()
	for _, p := range e.parents {
		p.Parent.refcount.Add(-1)
	}
	e.parents = e.parents[:0]
	e.level = 0
	e.runNumber = UnknownRunNumber
	e.eventNumber = 0
	e.userEventNumber = 0
	e.mu.Unlock()

	e.factories.Clear()
	e.callgraph.Reset()
}

// TypeKey derives the (type,tag) key's Type component from a generic type
// parameter, so callers need not hand-roll type identifiers when
// registering the factory a later Get[T] call will resolve.
func TypeKey[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	return t.String()
}

// Get resolves a typed, tagged collection on the Event: if the FactorySet
// has already produced or been given it, the stored value is returned
// as-is (repeated Get calls for the same tag return the same value);
// otherwise the matching Factory computes it. A missing Factory and a
// missing source hook both resolve to the zero value of T, not an error.
func Get[T any](ctx context.Context, e *Event, tag string) (T, error) {
	var zero T
	key := factory.Key{Type: TypeKey[T](), Tag: tag}
	v, err := e.factories.Get(ctx, e, key)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("jevent: collection %s has unexpected type %T", key, v)
	}
	return typed, nil
}
