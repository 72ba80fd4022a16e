// Package callgraph records, per event, which factory invoked which, so the
// engine can detect runaway recursive requests and replay output in a safe
// order.
package callgraph

import (
	"fmt"
	"strings"
	"sync"
)

// Origin distinguishes an edge raised by a user source's GetObjects hook
// from one raised by a factory requesting another factory's output.
type Origin int

const (
	OriginFactory Origin = iota
	OriginSource
)

func (o Origin) String() string {
	if o == OriginSource {
		return "source"
	}
	return "factory"
}

// Edge is a single recorded caller->callee request.
type Edge struct {
	CallerType, CallerTag string
	CalleeType, CalleeTag string
	Origin                Origin
}

// CycleError reports that a callee is already an ancestor of the current
// request chain.
type CycleError struct {
	Cycle []string // vertex ids, caller-first, closing back on the callee
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("callgraph: infinite recursion: %s", strings.Join(e.Cycle, " -> "))
}

// VertexID builds the recorder's internal vertex identity for a (type, tag)
// factory key.
func VertexID(typ, tag string) string {
	return typ + "#" + tag
}

// Recorder is per-event: one Recorder tracks the call graph for exactly one
// Event across its lifetime, reset on Event.Clear.
type Recorder struct {
	mu        sync.Mutex
	edges     []Edge
	seen      map[[2]string]bool
	adjacency map[string][]string
	order     []string // vertex insertion order, used to break sort ties
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		seen:      make(map[[2]string]bool),
		adjacency: make(map[string][]string),
	}
}

// Reset clears all recorded edges, for reuse across an Event's recycled
// lifetime.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = nil
	r.seen = make(map[[2]string]bool)
	r.adjacency = make(map[string][]string)
	r.order = nil
}

func (r *Recorder) ensureVertexLocked(v string) {
	if _, ok := r.adjacency[v]; !ok {
		r.adjacency[v] = nil
		r.order = append(r.order, v)
	}
}

// Record stores a caller->callee edge the first time it is seen; repeated
// identical edges within one Event's lifetime are deduplicated.
func (r *Recorder) Record(callerType, callerTag, calleeType, calleeTag string, origin Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ev := VertexID(callerType, callerTag), VertexID(calleeType, calleeTag)
	r.ensureVertexLocked(cv)
	r.ensureVertexLocked(ev)
	key := [2]string{cv, ev}
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.edges = append(r.edges, Edge{callerType, callerTag, calleeType, calleeTag, origin})
	r.adjacency[cv] = append(r.adjacency[cv], ev)
}

// Edges returns the edges recorded so far, in recording order.
func (r *Recorder) Edges() []Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Edge, len(r.edges))
	copy(out, r.edges)
	return out
}

// TopologicalSort linearises the recorded graph so that every caller
// precedes every callee it reached, with ties broken by vertex insertion
// order. It returns a *CycleError if the recorded graph is not acyclic —
// this should not happen if ActiveChain.Check was consulted at call time, but the
// recorder re-verifies independently for deferred replay.
func (r *Recorder) TopologicalSort() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(r.order))
	var postOrder []string
	var path []string

	var visit func(v string) error
	visit = func(v string) error {
		switch color[v] {
		case black:
			return nil
		case gray:
			cycle := append(append([]string{}, path...), v)
			return &CycleError{Cycle: cycle}
		}
		color[v] = gray
		path = append(path, v)
		adj := r.adjacency[v]
		for i := len(adj) - 1; i >= 0; i-- {
			if err := visit(adj[i]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[v] = black
		postOrder = append(postOrder, v)
		return nil
	}

	// Roots and successors are visited latest-inserted first, so that after
	// the final reversal earlier-inserted vertices come first among ties.
	for i := len(r.order) - 1; i >= 0; i-- {
		v := r.order[i]
		if color[v] == white {
			if err := visit(v); err != nil {
				return nil, err
			}
		}
	}

	// visit appends in post-order (callee before caller); reverse so callers
	// precede their callees.
	order := make([]string, len(postOrder))
	for i, v := range postOrder {
		order[len(postOrder)-1-i] = v
	}
	return order, nil
}

// ActiveChain tracks the factories currently mid-Process within one logical
// request chain, so a request can detect a would-be cycle before recursing
// (and before ever contending on a factory's own mutex, which would
// otherwise deadlock instead of failing cleanly).
type ActiveChain []string

// Check reports whether callee is already present in the chain, returning a
// *CycleError describing the cycle if so.
func (c ActiveChain) Check(callee string) error {
	for _, v := range c {
		if v == callee {
			return &CycleError{Cycle: append(append([]string{}, c...), callee)}
		}
	}
	return nil
}

// Push returns a new chain with callee appended; the receiver is never
// mutated, so sibling branches of a call tree observe independent chains.
func (c ActiveChain) Push(callee string) ActiveChain {
	out := make(ActiveChain, len(c), len(c)+1)
	copy(out, c)
	return append(out, callee)
}
