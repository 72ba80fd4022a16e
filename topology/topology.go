// Package topology wires arrows and queues into a directed acyclic graph,
// validates its invariants, and propagates activation/finalisation as
// arrows report Finished.
package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/jana-framework/engine/arrow"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/observability"
)

const (
	EventArrowFinalize observability.EventType = "topology.arrow.finalize"
	EventValidate      observability.EventType = "topology.validate"
)

// Topology owns the arrow/queue/pool graph and a global activation count.
type Topology struct {
	mu       sync.Mutex
	arrows   []arrow.Arrow
	byName   map[string]arrow.Arrow
	queues   []*mailbox.Queue
	observer observability.Observer

	activated  bool
	finalized  map[string]bool
}

// New constructs an empty Topology.
func New(observer observability.Observer) *Topology {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Topology{byName: make(map[string]arrow.Arrow), finalized: make(map[string]bool), observer: observer}
}

// AddArrow registers a vertex. Arrow names must be unique.
func (t *Topology) AddArrow(a arrow.Arrow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[a.Name()]; exists {
		return fmt.Errorf("topology: duplicate arrow name %q", a.Name())
	}
	t.arrows = append(t.arrows, a)
	t.byName[a.Name()] = a
	for _, q := range a.Downstream() {
		t.queues = append(t.queues, q)
	}
	return nil
}

// Arrows returns the registered arrows in registration order.
func (t *Topology) Arrows() []arrow.Arrow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]arrow.Arrow, len(t.arrows))
	copy(out, t.arrows)
	return out
}

// Validate checks the invariants from §4.7: at least one arrow is
// registered, and no arrow directly feeds its own input. It does not check
// that every queue has a producer and a consumer arrow (a one-hop
// self-loop is the only cycle it rejects; deeper cycles are a wiring
// error the caller must avoid, as the engine does no static cycle
// analysis over the arrow graph — only CallGraphRecorder does, for
// factories).
func (t *Topology) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.arrows) == 0 {
		return fmt.Errorf("topology: no arrows registered")
	}
	for _, a := range t.arrows {
		upSet := make(map[*mailbox.Queue]bool, len(a.Upstream()))
		for _, q := range a.Upstream() {
			upSet[q] = true
		}
		for _, q := range a.Downstream() {
			if upSet[q] {
				return fmt.Errorf("topology: arrow %q feeds its own input", a.Name())
			}
		}
	}
	return nil
}

// Activate marks every queue fed by a source arrow as having one active
// producer, and every other queue's producer count according to its
// producing arrow, so downstream finalisation can be tracked.
func (t *Topology) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activated {
		return
	}
	for _, a := range t.arrows {
		for _, q := range a.Downstream() {
			q.AddProducer()
		}
	}
	t.activated = true
}

// ReportFinished must be called exactly once when an arrow's Finalize has
// run (driven by the scheduler once its in-flight count reaches zero after
// Finished). It decrements the producer count on every queue the arrow
// used to feed, and marks every consumer arrow of a queue whose producer
// count has reached zero as upstream-finished; the queue may still hold
// Events, which the consumer drains before it reports Finished.
func (t *Topology) ReportFinished(ctx context.Context, finishedArrow arrow.Arrow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized[finishedArrow.Name()] {
		return
	}
	t.finalized[finishedArrow.Name()] = true
	t.observer.OnEvent(ctx, observability.Event{
		Type: EventArrowFinalize, Level: observability.LevelInfo,
		Source: "topology.ReportFinished", Data: map[string]any{"arrow": finishedArrow.Name()},
	})

	for _, q := range finishedArrow.Downstream() {
		if q.RemoveProducer() == 0 {
			t.markConsumersUpstreamFinished(q)
		}
	}
}

func (t *Topology) markConsumersUpstreamFinished(drained *mailbox.Queue) {
	for _, a := range t.arrows {
		for _, q := range a.Upstream() {
			if q == drained {
				a.SetUpstreamFinished(true)
			}
		}
	}
}

// AllFinalized reports whether every registered arrow has been finalised.
func (t *Topology) AllFinalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.arrows {
		if !t.finalized[a.Name()] {
			return false
		}
	}
	return true
}
