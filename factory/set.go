package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jana-framework/engine/callgraph"
)

// SourceHook lets a factory-less Get request fall back to the originating
// source's on-demand materialisation, for data the source can produce
// without a registered Factory.
type SourceHook interface {
	GetObjects(ctx context.Context, event EventAccessor, key Key) (any, error)
}

// Set is an Event's FactorySet: a (type,tag)->Factory index plus a parallel
// name->collection index for externally inserted, name-addressable output.
// Both indices are kept under one mutex so they can never diverge.
type Set struct {
	mu         sync.RWMutex
	factories  map[Key]*Factory
	byName     map[string]Key
	collection map[string]any
	retrieved  map[string]bool
	callgraph  *callgraph.Recorder
	source     SourceHook
}

// NewSet constructs an empty FactorySet bound to the given call-graph
// recorder (owned by the same Event).
func NewSet(cg *callgraph.Recorder) *Set {
	return &Set{
		factories:  make(map[Key]*Factory),
		byName:     make(map[string]Key),
		collection: make(map[string]any),
		retrieved:  make(map[string]bool),
		callgraph:  cg,
	}
}

// SetSourceHook attaches the originating source's GetObjects fallback.
func (s *Set) SetSourceHook(hook SourceHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = hook
}

// AddFactory registers a factory under the given name for name-addressable
// lookup, alongside its (type,tag) key.
func (s *Set) AddFactory(name string, f *Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[f.key] = f
	s.byName[name] = f.key
}

// Factory returns the registered factory for a (type,tag) key, if any.
func (s *Set) Factory(key Key) (*Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factories[key]
	return f, ok
}

// Insert externally supplies a name-addressable collection. It fails with
// ErrAlreadyProduced if Get already resolved this name via lazy
// computation — the external data arrived too late to be authoritative.
func (s *Set) Insert(name string, key Key, collection any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retrieved[name] {
		return fmt.Errorf("factory: insert %q: %w", name, ErrAlreadyProduced)
	}
	s.byName[name] = key
	s.collection[name] = collection
	if f, ok := s.factories[key]; ok {
		f.Insert(collection)
	}
	return nil
}

// GetCollection returns a previously produced or inserted name-addressable
// collection. It does not trigger lazy computation — use Get for that.
func (s *Set) GetCollection(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.collection[name]
	return v, ok
}

// Get resolves a (type,tag) key for the owning Event: if its collection was
// already inserted (and its factory is not Regenerate-flagged), that value
// is returned; otherwise the matching factory
// is driven through its state machine; if no factory is registered, the
// source hook is consulted; absent all three, Get returns (nil, nil) — a
// missing producer is not an error.
func (s *Set) Get(ctx context.Context, event EventAccessor, key Key) (any, error) {
	return s.get(ctx, event, key, Key{}, nil)
}

func (s *Set) get(ctx context.Context, event EventAccessor, key Key, caller Key, chain callgraph.ActiveChain) (any, error) {
	callee := callgraph.VertexID(key.Type, key.Tag)
	if caller != (Key{}) {
		if err := chain.Check(callee); err != nil {
			s.callgraph.Record(caller.Type, caller.Tag, key.Type, key.Tag, callgraph.OriginFactory)
			return nil, err
		}
		s.callgraph.Record(caller.Type, caller.Tag, key.Type, key.Tag, callgraph.OriginFactory)
	}

	s.mu.RLock()
	name := s.nameForKeyLocked(key)
	if name != "" {
		if v, ok := s.collection[name]; ok {
			f, hasFactory := s.factories[key]
			if !hasFactory || (f.State() == Inserted && !f.regenerate) {
				s.mu.RUnlock()
				s.markRetrieved(name)
				return v, nil
			}
		}
	}
	f, hasFactory := s.factories[key]
	s.mu.RUnlock()

	if hasFactory {
		v, err := f.ensure(ctx, event, s, chain)
		if err != nil {
			return nil, err
		}
		if name != "" {
			s.markRetrieved(name)
		}
		return v, nil
	}

	if s.source != nil {
		v, err := s.source.GetObjects(ctx, event, key)
		if err == nil {
			return v, nil
		}
	}
	return nil, nil
}

func (s *Set) nameForKeyLocked(key Key) string {
	for name, k := range s.byName {
		if k == key {
			return name
		}
	}
	return ""
}

func (s *Set) markRetrieved(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrieved[name] = true
}

// Clear resets every registered factory (respecting Persistent) and the
// retrieval/insertion bookkeeping, ready for the owning Event's next cycle.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.factories {
		f.Clear()
	}
	for name, key := range s.byName {
		if f, ok := s.factories[key]; ok && f.persistent {
			continue
		}
		delete(s.collection, name)
	}
	s.retrieved = make(map[string]bool)
}
