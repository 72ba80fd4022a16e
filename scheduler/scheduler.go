// Package scheduler assigns ready arrows to requesting workers, tracking
// per-arrow in-flight counts and activation/finalisation under one mutex.
package scheduler

import (
	"context"
	"sync"

	"github.com/jana-framework/engine/arrow"
	"github.com/jana-framework/engine/observability"
	"github.com/jana-framework/engine/topology"
)

const (
	EventAssign   observability.EventType = "scheduler.assign"
	EventFinalize observability.EventType = "scheduler.finalize"
)

// Scheduler owns the arrow list and round-robin cursor described in §4.8.
type Scheduler struct {
	mu       sync.Mutex
	arrows   []arrow.Arrow
	topology *topology.Topology
	observer observability.Observer
	nextIdx  int
}

// New constructs a Scheduler over the given topology's arrows.
func New(top *topology.Topology, observer observability.Observer) *Scheduler {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Scheduler{arrows: top.Arrows(), topology: top, observer: observer}
}

// eligible does not exclude upstream-finished arrows: they stay schedulable
// until they drain their remaining inputs and report Finished themselves.
func eligible(a arrow.Arrow) bool {
	return a.Active() && (a.IsParallel() || a.ThreadCount() == 0)
}

// NextAssignment implements the check-in/check-out/select protocol: it
// checks the prior assignment back in (possibly finalising it), then
// returns the next eligible arrow by round robin, or nil if none is
// eligible right now.
func (s *Scheduler) NextAssignment(ctx context.Context, workerID int, prior arrow.Arrow, priorResult arrow.FireResult) arrow.Arrow {
	// Fast path: KeepGoing on a still-eligible arrow skips the mutex
	// entirely, since the worker already holds that arrow's slot.
	if prior != nil && priorResult == arrow.KeepGoing && eligible(prior) {
		return prior
	}

	s.mu.Lock()

	if prior != nil {
		prior.UpdateThreadCount(-1)
		if priorResult == arrow.Finished {
			prior.SetUpstreamFinished(true)
		}
		if prior.UpstreamFinished() && prior.ThreadCount() == 0 {
			prior.SetActive(false)
			s.mu.Unlock()
			s.finalize(ctx, prior)
			s.mu.Lock()
		}
	}

	if len(s.arrows) == 0 {
		s.mu.Unlock()
		return nil
	}

	start := s.nextIdx
	idx := start
	for {
		candidate := s.arrows[idx]
		idx = (idx + 1) % len(s.arrows)

		if eligible(candidate) {
			s.nextIdx = idx
			candidate.UpdateThreadCount(1)
			s.mu.Unlock()
			s.observer.OnEvent(ctx, observability.Event{
				Type: EventAssign, Level: observability.LevelVerbose, Source: "scheduler.NextAssignment",
				Data: map[string]any{"worker_id": workerID, "arrow": candidate.Name()},
			})
			return candidate
		}
		if idx == start {
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// LastAssignment checks the worker's final assignment back in on shutdown,
// without requesting a new one.
func (s *Scheduler) LastAssignment(ctx context.Context, workerID int, prior arrow.Arrow) {
	if prior == nil {
		return
	}
	s.mu.Lock()
	prior.UpdateThreadCount(-1)
	finalize := prior.UpstreamFinished() && prior.ThreadCount() == 0
	if finalize {
		prior.SetActive(false)
	}
	s.mu.Unlock()
	if finalize {
		s.finalize(ctx, prior)
	}
}

func (s *Scheduler) finalize(ctx context.Context, a arrow.Arrow) {
	if err := a.Finalize(ctx); err != nil {
		s.observer.OnEvent(ctx, observability.Event{
			Type: EventFinalize, Level: observability.LevelError, Source: "scheduler.finalize",
			Data: map[string]any{"arrow": a.Name(), "error": err.Error()},
		})
	} else {
		s.observer.OnEvent(ctx, observability.Event{
			Type: EventFinalize, Level: observability.LevelInfo, Source: "scheduler.finalize",
			Data: map[string]any{"arrow": a.Name()},
		})
	}
	s.topology.ReportFinished(ctx, a)
}

// Stats is a debugging snapshot of the scheduler's round-robin state.
type Stats struct {
	NextIndex   int
	InFlight    map[string]int32
}

// Snapshot returns the scheduler's current bookkeeping for external
// inspection (tests, metrics).
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	inFlight := make(map[string]int32, len(s.arrows))
	for _, a := range s.arrows {
		inFlight[a.Name()] = a.ThreadCount()
	}
	return Stats{NextIndex: s.nextIdx, InFlight: inFlight}
}

// AllFinished reports whether every arrow is both inactive and drained of
// in-flight workers (the scheduler has nothing left to hand out).
func (s *Scheduler) AllFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.arrows {
		if a.Active() || a.ThreadCount() != 0 {
			return false
		}
	}
	return true
}
