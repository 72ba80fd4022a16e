package arrow

import (
	"context"
	"time"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/pool"
)

// FolderFunc accumulates child into the running parent state, and reports
// whether the accumulation is complete (parent ready to emit downstream).
type FolderFunc func(ctx context.Context, parent, child *jevent.Event) (done bool, err error)

// FoldArrow is the inverse of UnfoldArrow: it consumes children and
// accumulates them into their shared parent until a completion condition,
// then emits the parent downstream and returns each child to its pool.
type FoldArrow struct {
	base
	fold         FolderFunc
	childInput   *mailbox.Queue
	childPool    *pool.Pool
	parentLevel  jevent.Level
	parentOutput *mailbox.Queue
}

// NewFoldArrow constructs a fold arrow accumulating children (attached to
// their parent at parentLevel) from childInput, emitting completed parents
// to parentOutput and returning each consumed child to childPool.
func NewFoldArrow(name string, fold FolderFunc, childInput *mailbox.Queue, childPool *pool.Pool, parentLevel jevent.Level, parentOutput *mailbox.Queue) *FoldArrow {
	return &FoldArrow{
		base:         newBase(name, false, false, false, []*mailbox.Queue{childInput}, []*mailbox.Queue{parentOutput}),
		fold:         fold,
		childInput:   childInput,
		childPool:    childPool,
		parentLevel:  parentLevel,
		parentOutput: parentOutput,
	}
}

func (a *FoldArrow) Initialize(ctx context.Context) error {
	return a.runInitialize(ctx, nil)
}

func (a *FoldArrow) Execute(ctx context.Context, location int) FireResult {
	a.execMu.Lock()
	defer a.execMu.Unlock()

	start := time.Now()

	dst := make([]*jevent.Event, 1)
	n := a.childInput.Pop(dst, 1, 1, location)
	if n == 0 {
		if a.UpstreamFinished() && a.childInput.Empty() {
			return Finished
		}
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}
	child := dst[0]

	var parent *jevent.Event
	for _, p := range child.Parents() {
		if p.Level == a.parentLevel {
			parent = p.Parent
			break
		}
	}
	if parent == nil {
		return Error
	}

	done, err := a.fold(ctx, parent, child)
	if err != nil {
		return Error
	}
	_ = child.ReleaseParent(a.parentLevel)
	a.childPool.Put(child)

	if !done {
		a.updateMetrics(0, 1, 0, time.Since(start))
		return KeepGoing
	}

	if !reserveAll(a.downstream, 1, location) {
		a.updateMetrics(0, 1, 0, time.Since(start))
		return ComeBackLater
	}
	if err := a.parentOutput.Push([]*jevent.Event{parent}, location); err != nil {
		unreserveAll(a.downstream, 1, location)
		return Error
	}
	a.updateMetrics(1, 1, time.Since(start), 0)
	return KeepGoing
}

func (a *FoldArrow) Finalize(ctx context.Context) error {
	return a.runFinalize(ctx, nil)
}
