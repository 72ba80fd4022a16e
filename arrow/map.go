package arrow

import (
	"context"
	"time"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
)

// ProcessorFunc applies per-event logic to an Event in-place. It is a single
// function with no separate parallel and sequential phases: when the arrow
// is configured sequential, the whole call runs under the arrow's own
// mutex; when it is parallel, no part of the call is serialised.
type ProcessorFunc func(ctx context.Context, event *jevent.Event) error

// MapArrow has one input and one output; it applies a pipeline of user
// processors/factories to each Event in-place before forwarding it.
type MapArrow struct {
	base
	processors []ProcessorFunc
	input      *mailbox.Queue
	output     *mailbox.Queue
}

// NewMapArrow constructs a map arrow running processors in order against
// each popped Event.
func NewMapArrow(name string, parallel bool, processors []ProcessorFunc, input, output *mailbox.Queue) *MapArrow {
	return &MapArrow{
		base:       newBase(name, parallel, false, false, []*mailbox.Queue{input}, []*mailbox.Queue{output}),
		processors: processors,
		input:      input,
		output:     output,
	}
}

func (a *MapArrow) Initialize(ctx context.Context) error {
	return a.runInitialize(ctx, nil)
}

func (a *MapArrow) Execute(ctx context.Context, location int) FireResult {
	if !a.IsParallel() {
		a.execMu.Lock()
		defer a.execMu.Unlock()
	}

	start := time.Now()

	if !reserveAll(a.downstream, 1, location) {
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}

	dst := make([]*jevent.Event, 1)
	n := a.input.Pop(dst, 1, 1, location)
	if n == 0 {
		unreserveAll(a.downstream, 1, location)
		if a.UpstreamFinished() && a.input.Empty() {
			return Finished
		}
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}
	ev := dst[0]

	for _, proc := range a.processors {
		if err := proc(ctx, ev); err != nil {
			unreserveAll(a.downstream, 1, location)
			return Error
		}
	}

	if err := a.output.Push([]*jevent.Event{ev}, location); err != nil {
		unreserveAll(a.downstream, 1, location)
		return Error
	}
	a.updateMetrics(1, 1, time.Since(start), 0)
	return KeepGoing
}

func (a *MapArrow) Finalize(ctx context.Context) error {
	return a.runFinalize(ctx, nil)
}
