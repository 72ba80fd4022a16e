package arrow

import (
	"context"
	"time"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/pool"
)

// UnfoldStatus is a user unfolder's per-call outcome.
type UnfoldStatus int

const (
	// NextChildReady means child now holds a valid, emittable Event and
	// the unfolder has more children to produce for this parent.
	NextChildReady UnfoldStatus = iota
	// FinishedWithParent means the unfolder is done with this parent; the
	// arrow releases the parent after this call.
	FinishedWithParent
)

// UnfolderFunc populates child from parent, and reports whether more
// children remain for this parent.
type UnfolderFunc func(ctx context.Context, parent, child *jevent.Event) (UnfoldStatus, error)

// UnfoldArrow has one parent input, one child-pool input, and one child
// output. For each parent Event it emits a sequence of child Events with
// their parent link set, controlling when to release the parent.
type UnfoldArrow struct {
	base
	unfold       UnfolderFunc
	parentInput  *mailbox.Queue
	childPool    *pool.Pool
	childOutput  *mailbox.Queue
	currentParent *jevent.Event
}

// NewUnfoldArrow constructs an unfold arrow.
func NewUnfoldArrow(name string, unfold UnfolderFunc, parentInput *mailbox.Queue, childPool *pool.Pool, childOutput *mailbox.Queue) *UnfoldArrow {
	return &UnfoldArrow{
		base:        newBase(name, false, false, false, []*mailbox.Queue{parentInput}, []*mailbox.Queue{childOutput}),
		unfold:      unfold,
		parentInput: parentInput,
		childPool:   childPool,
		childOutput: childOutput,
	}
}

func (a *UnfoldArrow) Initialize(ctx context.Context) error {
	return a.runInitialize(ctx, nil)
}

func (a *UnfoldArrow) Execute(ctx context.Context, location int) FireResult {
	a.execMu.Lock()
	defer a.execMu.Unlock()

	start := time.Now()

	if a.currentParent == nil {
		dst := make([]*jevent.Event, 1)
		n := a.parentInput.Pop(dst, 1, 1, location)
		if n == 0 {
			if a.UpstreamFinished() && a.parentInput.Empty() {
				return Finished
			}
			a.updateMetrics(0, 1, 0, time.Since(start))
			return ComeBackLater
		}
		a.currentParent = dst[0]
	}

	if !reserveAll(a.downstream, 1, location) {
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}

	child, err := a.childPool.Get(location)
	if err != nil {
		unreserveAll(a.downstream, 1, location)
		return Error
	}
	if child == nil {
		unreserveAll(a.downstream, 1, location)
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}

	status, err := a.unfold(ctx, a.currentParent, child)
	if err != nil {
		unreserveAll(a.downstream, 1, location)
		a.childPool.Put(child)
		return Error
	}

	if err := child.AddParent(a.currentParent.Level()+1, a.currentParent); err != nil {
		unreserveAll(a.downstream, 1, location)
		a.childPool.Put(child)
		return Error
	}

	if err := a.childOutput.Push([]*jevent.Event{child}, location); err != nil {
		unreserveAll(a.downstream, 1, location)
		_ = child.ReleaseParent(a.currentParent.Level() + 1)
		a.childPool.Put(child)
		return Error
	}
	a.updateMetrics(1, 1, time.Since(start), 0)

	if status == FinishedWithParent {
		a.currentParent = nil
	}
	return KeepGoing
}

func (a *UnfoldArrow) Finalize(ctx context.Context) error {
	return a.runFinalize(ctx, nil)
}
