// Package factory implements lazy, memoised per-event producers of typed
// data collections, keyed by (type, tag), and the FactorySet that indexes
// them alongside name-addressable output bundles.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jana-framework/engine/callgraph"
)

// ErrAlreadyProduced is returned by Set.Insert when a collection has already
// been resolved once via Get under the same name.
var ErrAlreadyProduced = errors.New("factory: collection already produced via Get")

// Key identifies a factory by its output type and an optional
// disambiguating tag, mirroring how user code requests a specific producer
// of a given type.
type Key struct {
	Type string
	Tag  string
}

func (k Key) String() string {
	if k.Tag == "" {
		return k.Type
	}
	return k.Type + ":" + k.Tag
}

// State is a Factory's position in its Empty->Initialized->Processed/
// Inserted state machine.
type State int

const (
	Empty State = iota
	Initialized
	Processed
	Inserted
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Initialized:
		return "Initialized"
	case Processed:
		return "Processed"
	case Inserted:
		return "Inserted"
	default:
		return "Unknown"
	}
}

// EventAccessor is the minimal view of the owning Event a Factory needs;
// it exists to avoid an import cycle between jevent and factory (jevent.Event
// embeds a *factory.Set, factory code only ever needs to read the event's
// identity, never construct or mutate one).
type EventAccessor interface {
	RunNumber() int64
	Location() int
}

// InitFunc runs at most once per Factory instance.
type InitFunc func(ctx context.Context) error

// ChangeRunFunc runs whenever the owning Event's run number differs from
// the value last seen by this Factory.
type ChangeRunFunc func(ctx context.Context, runNumber int64) error

// ProcessFunc computes this Factory's output collection. It receives a
// Request through which it may transitively request other factories'
// outputs on the same Event, and returns the collection this factory
// produces.
type ProcessFunc func(ctx context.Context, req *Request) (any, error)

// Factory is a per-event, per-(type,tag) lazy producer.
type Factory struct {
	key Key

	persistent bool
	notOwner   bool
	regenerate bool

	init      InitFunc
	changeRun ChangeRunFunc
	process   ProcessFunc

	mu            sync.Mutex
	initOnce      sync.Once
	initErr       error
	state         State
	lastRunNumber int64
	collection    any
}

// Option configures a Factory at construction time.
type Option func(*Factory)

// Persistent marks the Factory's output to survive Clear.
func Persistent() Option { return func(f *Factory) { f.persistent = true } }

// NotOwner marks the Factory's collection as non-owning: Clear must not
// attempt to release the underlying objects, only the Factory's own
// reference to them.
func NotOwner() Option { return func(f *Factory) { f.notOwner = true } }

// Regenerate marks the Factory so that Process re-runs even when an
// upstream Insert already supplied the same key's collection.
func Regenerate() Option { return func(f *Factory) { f.regenerate = true } }

// WithInit attaches the once-only initialization hook.
func WithInit(fn InitFunc) Option { return func(f *Factory) { f.init = fn } }

// WithChangeRun attaches the run-change hook.
func WithChangeRun(fn ChangeRunFunc) Option { return func(f *Factory) { f.changeRun = fn } }

// WithProcess attaches the per-event compute hook. Required.
func WithProcess(fn ProcessFunc) Option { return func(f *Factory) { f.process = fn } }

// New constructs a Factory for the given key.
func New(key Key, opts ...Option) *Factory {
	f := &Factory{key: key, lastRunNumber: -1}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Key returns the factory's (type, tag) identity.
func (f *Factory) Key() Key { return f.key }

// State reports the factory's current lifecycle state.
func (f *Factory) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Insert externally supplies the factory's output collection, short-
// circuiting Process unless Regenerate is set (spec-decided precedence:
// Regenerate always wins, see DESIGN.md).
func (f *Factory) Insert(collection any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collection = collection
	f.state = Inserted
}

// Clear resets the factory ready for its Event's next cycle. A persistent
// factory retains its collection and state; a non-owning factory never
// attempts to release the collection it holds, it simply forgets it.
func (f *Factory) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistent {
		return
	}
	f.collection = nil
	f.state = Empty
}

// ensure drives the factory to Processed or Inserted for the given owning
// Event, running Init/ChangeRun/Process as needed. It must be called with
// cycle detection already having cleared the requested key.
func (f *Factory) ensure(ctx context.Context, owner EventAccessor, set *Set, chain callgraph.ActiveChain) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.initOnce.Do(func() {
		if f.init != nil {
			f.initErr = f.init(ctx)
		}
		if f.initErr == nil && f.state == Empty {
			f.state = Initialized
		}
	})
	if f.initErr != nil {
		return nil, fmt.Errorf("factory %s: init: %w", f.key, f.initErr)
	}

	if f.changeRun != nil && owner.RunNumber() != f.lastRunNumber {
		if err := f.changeRun(ctx, owner.RunNumber()); err != nil {
			return nil, fmt.Errorf("factory %s: change run: %w", f.key, err)
		}
		f.lastRunNumber = owner.RunNumber()
	}

	if (f.state == Processed || f.state == Inserted) && !f.regenerate {
		return f.collection, nil
	}

	if f.process == nil {
		return f.collection, nil
	}

	req := &Request{Event: owner, CallerKey: f.key, set: set, chain: chain.Push(callgraph.VertexID(f.key.Type, f.key.Tag))}
	collection, err := f.process(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("factory %s: process: %w", f.key, err)
	}
	f.collection = collection
	f.state = Processed
	return f.collection, nil
}

// Request is handed to a ProcessFunc so it may both publish its own output
// (via Set) and transitively request other factories' outputs on the same
// Event.
type Request struct {
	Event     EventAccessor
	CallerKey Key
	set       *Set
	chain     callgraph.ActiveChain
}

// Get requests another factory's output on the same Event, recording the
// caller->callee edge in the Event's call graph.
func (r *Request) Get(ctx context.Context, key Key) (any, error) {
	return r.set.get(ctx, r.Event, key, r.CallerKey, r.chain)
}
