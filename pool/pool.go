// Package pool implements the EventPool: a fixed-capacity, location-
// partitioned freelist of reusable Event objects.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jana-framework/engine/jevent"
)

// ErrNotDrained is returned by Scale when any local freelist is not
// currently full.
var ErrNotDrained = errors.New("pool: cannot scale, topology not drained")

// Pool is a location-partitioned, bounded freelist of recycled Events.
// Get(location) pops from that location's local freelist, allocating a new
// Event when the local freelist is empty (in-flight-limited pools allocate
// only until the location has created its capacity's worth of Events);
// Put(location) returns an Event to its original local
// freelist, dropping it if that would exceed the local capacity.
type Pool struct {
	mu               sync.Mutex
	locals           [][]*jevent.Event
	createdPerLocal  []int
	capacityPerLocal int
	limitInFlight    bool
	created          int64
}

// New constructs a Pool with `locations` local freelists, each holding up
// to capacity/locations Events (rounded up, for every local), optionally
// enforcing limitInFlight (Get returns nil instead of allocating once a
// location has created its full share and its freelist is empty).
func New(capacity, locations int, limitInFlight bool) *Pool {
	if locations < 1 {
		locations = 1
	}
	per := capacity / locations
	if capacity%locations != 0 {
		per++
	}
	locals := make([][]*jevent.Event, locations)
	for i := range locals {
		locals[i] = make([]*jevent.Event, 0, per)
	}
	return &Pool{locals: locals, createdPerLocal: make([]int, locations), capacityPerLocal: per, limitInFlight: limitInFlight}
}

func (p *Pool) index(location int) int {
	n := len(p.locals)
	loc := location % n
	if loc < 0 {
		loc += n
	}
	return loc
}

// Get pops a free Event from the given location's local freelist,
// allocating a new one if the freelist is empty. When the pool limits
// in-flight events, allocation stops once the location has created its
// per-location capacity; an empty freelist then makes Get return
// (nil, nil) — the caller should back off and retry, not treat this as an
// error.
func (p *Pool) Get(location int) (*jevent.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.index(location)
	local := p.locals[idx]
	if n := len(local); n > 0 {
		ev := local[n-1]
		p.locals[idx] = local[:n-1]
		return ev, nil
	}
	if p.limitInFlight && p.createdPerLocal[idx] >= p.capacityPerLocal {
		return nil, nil
	}
	p.created++
	p.createdPerLocal[idx]++
	return jevent.New(idx), nil
}

// Put returns an Event to its originating location's local freelist. If
// the freelist is already at local capacity, the Event is dropped
// (destroyed) to respect the bound — the caller must not reuse it.
func (p *Pool) Put(event *jevent.Event) {
	event.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.index(event.Location())
	if len(p.locals[idx]) >= p.capacityPerLocal {
		return
	}
	p.locals[idx] = append(p.locals[idx], event)
}

// GetMany pops up to count Events from the given location in one critical
// section, allocating the remainder lazily exactly like Get. If the pool
// limits in-flight events and cannot satisfy the full count without
// allocating past capacity, it allocates nothing and returns (nil, false) —
// a partial batch is never handed out.
func (p *Pool) GetMany(location, count int) ([]*jevent.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.index(location)
	local := p.locals[idx]

	if p.limitInFlight {
		available := p.capacityPerLocal - p.createdPerLocal[idx] + len(local)
		if available < count {
			return nil, false
		}
	}

	out := make([]*jevent.Event, 0, count)
	for count > 0 && len(local) > 0 {
		n := len(local)
		out = append(out, local[n-1])
		local = local[:n-1]
		count--
	}
	p.locals[idx] = local
	for count > 0 {
		p.created++
		p.createdPerLocal[idx]++
		out = append(out, jevent.New(idx))
		count--
	}
	return out, true
}

// PutMany returns a batch of Events to the given location's local
// freelist, dropping any that would exceed local capacity.
func (p *Pool) PutMany(location int, events []*jevent.Event) {
	for _, ev := range events {
		ev.Clear()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.index(location)
	for _, ev := range events {
		if len(p.locals[idx]) >= p.capacityPerLocal {
			continue
		}
		p.locals[idx] = append(p.locals[idx], ev)
	}
}

// Drained reports whether every local freelist is currently full.
func (p *Pool) Drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, local := range p.locals {
		if len(local) < p.capacityPerLocal {
			return false
		}
	}
	return true
}

// Scale changes the pool's per-location capacity. It only succeeds when
// every local freelist is currently full (the topology is drained);
// otherwise it fails with ErrNotDrained and leaves the pool unchanged.
func (p *Pool) Scale(newCapacity int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, local := range p.locals {
		if len(local) < p.capacityPerLocal {
			return fmt.Errorf("pool: scale to %d: %w", newCapacity, ErrNotDrained)
		}
	}

	locations := len(p.locals)
	per := newCapacity / locations
	if newCapacity%locations != 0 {
		per++
	}
	for i, local := range p.locals {
		switch {
		case len(local) > per:
			p.locals[i] = local[:per]
			p.createdPerLocal[i] -= len(local) - per
		case len(local) < per:
			grown := make([]*jevent.Event, len(local), per)
			copy(grown, local)
			for len(grown) < per {
				grown = append(grown, jevent.New(i))
				p.createdPerLocal[i]++
			}
			p.locals[i] = grown
		}
	}
	p.capacityPerLocal = per
	return nil
}

// Capacity returns the pool's total capacity across all locations.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacityPerLocal * len(p.locals)
}

// Locations returns the number of locality partitions.
func (p *Pool) Locations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locals)
}
