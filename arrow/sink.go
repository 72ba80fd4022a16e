package arrow

import (
	"context"
	"time"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/pool"
)

// SinkArrow has one input; it runs user post-processing on each popped
// Event, then returns it to the pool.
type SinkArrow struct {
	base
	postProcess ProcessorFunc
	input       *mailbox.Queue
	pool        *pool.Pool
}

// NewSinkArrow constructs a sink arrow. postProcess may be nil.
func NewSinkArrow(name string, parallel bool, postProcess ProcessorFunc, input *mailbox.Queue, p *pool.Pool) *SinkArrow {
	return &SinkArrow{
		base:        newBase(name, parallel, false, true, []*mailbox.Queue{input}, nil),
		postProcess: postProcess,
		input:       input,
		pool:        p,
	}
}

func (a *SinkArrow) Initialize(ctx context.Context) error {
	return a.runInitialize(ctx, nil)
}

func (a *SinkArrow) Execute(ctx context.Context, location int) FireResult {
	if !a.IsParallel() {
		a.execMu.Lock()
		defer a.execMu.Unlock()
	}

	start := time.Now()

	dst := make([]*jevent.Event, 1)
	n := a.input.Pop(dst, 1, 1, location)
	if n == 0 {
		if a.UpstreamFinished() && a.input.Empty() {
			return Finished
		}
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}
	ev := dst[0]

	if a.postProcess != nil {
		if err := a.postProcess(ctx, ev); err != nil {
			return Error
		}
	}

	releaseToPool(a.pool, ev)
	a.updateMetrics(1, 1, time.Since(start), 0)
	return KeepGoing
}

func (a *SinkArrow) Finalize(ctx context.Context) error {
	return a.runFinalize(ctx, nil)
}
