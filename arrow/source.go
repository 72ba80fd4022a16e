package arrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/pool"
)

// SourceStatus is a user source's per-Emit outcome.
type SourceStatus int

const (
	SourceSuccess SourceStatus = iota
	SourceTryAgain
	SourceFinished
)

// Source is the user-provided component a SourceArrow wraps.
type Source interface {
	Open(ctx context.Context) error
	// Emit stamps the given Event with identifiers and content.
	Emit(ctx context.Context, event *jevent.Event) (SourceStatus, error)
	Close(ctx context.Context) error
}

// SourceArrow has no inputs and one output; it wraps an ordered list of
// user sources, advancing to the next one as each is exhausted, and
// reports Finished only once every source has been exhausted.
type SourceArrow struct {
	base
	sources []Source
	pool    *pool.Pool
	output  *mailbox.Queue
	current int
}

// NewSourceArrow constructs a source arrow over one or more user sources,
// drawing fresh Events from pool and pushing them to output.
func NewSourceArrow(name string, sources []Source, p *pool.Pool, output *mailbox.Queue) *SourceArrow {
	return &SourceArrow{
		base:   newBase(name, true, true, false, nil, []*mailbox.Queue{output}),
		sources: sources,
		pool:   p,
		output: output,
	}
}

func (a *SourceArrow) Initialize(ctx context.Context) error {
	return a.runInitialize(ctx, func(ctx context.Context) error {
		if len(a.sources) == 0 {
			return fmt.Errorf("arrow %s: no sources configured", a.Name())
		}
		return a.sources[a.current].Open(ctx)
	})
}

func (a *SourceArrow) Execute(ctx context.Context, location int) FireResult {
	if !a.IsParallel() {
		a.execMu.Lock()
		defer a.execMu.Unlock()
	}

	start := time.Now()
	if a.current >= len(a.sources) {
		return Finished
	}

	if !reserveAll(a.downstream, 1, location) {
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}

	ev, err := a.pool.Get(location)
	if err != nil {
		unreserveAll(a.downstream, 1, location)
		return Error
	}
	if ev == nil {
		unreserveAll(a.downstream, 1, location)
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}

	status, err := a.sources[a.current].Emit(ctx, ev)
	if err != nil {
		unreserveAll(a.downstream, 1, location)
		a.pool.Put(ev)
		return Error
	}

	switch status {
	case SourceTryAgain:
		unreserveAll(a.downstream, 1, location)
		a.pool.Put(ev)
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater

	case SourceFinished:
		unreserveAll(a.downstream, 1, location)
		a.pool.Put(ev)
		if err := a.sources[a.current].Close(ctx); err != nil {
			return Error
		}
		a.current++
		if a.current >= len(a.sources) {
			return Finished
		}
		if err := a.sources[a.current].Open(ctx); err != nil {
			return Error
		}
		return KeepGoing

	default: // SourceSuccess
		if err := a.output.Push([]*jevent.Event{ev}, location); err != nil {
			unreserveAll(a.downstream, 1, location)
			a.pool.Put(ev)
			return Error
		}
		a.updateMetrics(1, 1, time.Since(start), 0)
		return KeepGoing
	}
}

func (a *SourceArrow) Finalize(ctx context.Context) error {
	return a.runFinalize(ctx, func(ctx context.Context) error {
		if a.current < len(a.sources) {
			return a.sources[a.current].Close(ctx)
		}
		return nil
	})
}
