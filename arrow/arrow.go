// Package arrow implements the engine's graph vertices: polymorphic stages
// of work that pop Events from input queues, run user-supplied logic, and
// push Events to output queues or the pool.
package arrow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/pool"
)

// FireResult is the outcome of one Execute call.
type FireResult int

const (
	// KeepGoing means the arrow made progress and is immediately eligible
	// for another assignment.
	KeepGoing FireResult = iota
	// ComeBackLater means the arrow could not make progress this time
	// (input unavailable or output reservation failed) and should be
	// retried later without this counting as an error.
	ComeBackLater
	// Finished means the arrow has no more work and should be finalised
	// once its in-flight worker count reaches zero.
	Finished
	// Error means the arrow's user logic failed; the error is fatal for
	// the job per the component-execution-failure policy.
	Error
)

func (r FireResult) String() string {
	switch r {
	case KeepGoing:
		return "KeepGoing"
	case ComeBackLater:
		return "ComeBackLater"
	case Finished:
		return "Finished"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Metrics is an arrow's lifetime performance snapshot, read concurrently
// with the arrow's own execution.
type Metrics struct {
	MessageCount  int64
	QueueVisits   int64
	TotalLatency  time.Duration
	LastLatency   time.Duration
	QueueOverhead time.Duration
}

// Arrow is a vertex in the execution topology.
type Arrow interface {
	Name() string
	IsParallel() bool
	IsSource() bool
	IsSink() bool

	// Initialize runs at most once, before the arrow is first scheduled.
	Initialize(ctx context.Context) error
	// Execute performs exactly one invocation of the arrow's work at the
	// given locality, returning the protocol result described in §4.6.
	Execute(ctx context.Context, location int) FireResult
	// Finalize runs at most once, after the arrow has reported Finished
	// and its in-flight worker count has reached zero.
	Finalize(ctx context.Context) error

	// ThreadCount returns the arrow's current in-flight worker count.
	ThreadCount() int32
	// UpdateThreadCount adjusts the in-flight worker count by delta and
	// returns the new value; used exclusively by the scheduler.
	UpdateThreadCount(delta int32) int32

	// UpstreamFinished reports whether every upstream producer feeding
	// this arrow has finished, so the scheduler knows this arrow will
	// itself finish once it drains its remaining inputs.
	UpstreamFinished() bool
	// SetUpstreamFinished marks the arrow's upstream as drained.
	SetUpstreamFinished(bool)
	// Active reports whether the scheduler still considers this arrow
	// eligible for assignment.
	Active() bool
	// SetActive sets the arrow's eligibility for assignment.
	SetActive(bool)

	// Metrics returns a snapshot of the arrow's lifetime performance
	// counters.
	Metrics() Metrics

	// ChunkSize returns the configured per-invocation batch size.
	ChunkSize() int
	// SetChunkSize overrides the configured per-invocation batch size.
	SetChunkSize(int)

	// Downstream returns the queues this arrow pushes into.
	Downstream() []*mailbox.Queue
	// Upstream returns the queues this arrow pops from.
	Upstream() []*mailbox.Queue
}

// base implements the bookkeeping shared by every arrow variant: name,
// parallel flag, metrics, thread count, activation state, chunk size. The
// per-kind Execute logic is supplied by the embedding type.
type base struct {
	name       string
	isParallel bool
	isSource   bool
	isSink     bool

	initOnce     sync.Once
	finalizeOnce sync.Once

	threadCount atomic.Int32
	active      atomic.Bool
	finished    atomic.Bool

	chunksize atomic.Int64

	mu            sync.Mutex
	messageCount  int64
	queueVisits   int64
	totalLatency  time.Duration
	lastLatency   time.Duration
	queueOverhead time.Duration

	// sequential arrows use this to guarantee at most one concurrent
	// Execute, independent of the scheduler's single-assignment discipline.
	execMu sync.Mutex

	upstream   []*mailbox.Queue
	downstream []*mailbox.Queue
}

func newBase(name string, parallel, isSource, isSink bool, upstream, downstream []*mailbox.Queue) base {
	b := base{name: name, isParallel: parallel, isSource: isSource, isSink: isSink, upstream: upstream, downstream: downstream}
	b.active.Store(true)
	b.chunksize.Store(1)
	return b
}

func (b *base) Name() string    { return b.name }
func (b *base) IsParallel() bool { return b.isParallel }
func (b *base) IsSource() bool   { return b.isSource }
func (b *base) IsSink() bool     { return b.isSink }

func (b *base) ThreadCount() int32 { return b.threadCount.Load() }
func (b *base) UpdateThreadCount(delta int32) int32 {
	return b.threadCount.Add(delta)
}

func (b *base) UpstreamFinished() bool     { return b.finished.Load() }
func (b *base) SetUpstreamFinished(v bool) { b.finished.Store(v) }
func (b *base) Active() bool               { return b.active.Load() }
func (b *base) SetActive(v bool)           { b.active.Store(v) }

func (b *base) ChunkSize() int        { return int(b.chunksize.Load()) }
func (b *base) SetChunkSize(n int)    { b.chunksize.Store(int64(n)) }

func (b *base) Downstream() []*mailbox.Queue { return b.downstream }
func (b *base) Upstream() []*mailbox.Queue   { return b.upstream }

func (b *base) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		MessageCount:  b.messageCount,
		QueueVisits:   b.queueVisits,
		TotalLatency:  b.totalLatency,
		LastLatency:   b.lastLatency,
		QueueOverhead: b.queueOverhead,
	}
}

func (b *base) updateMetrics(messages int64, queueVisits int64, latency, queueOverhead time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueVisits += queueVisits
	b.queueOverhead += queueOverhead
	if messages != 0 {
		b.messageCount += messages
		b.totalLatency += latency
		b.lastLatency = latency
	}
}

func (b *base) runInitialize(ctx context.Context, fn func(context.Context) error) error {
	var err error
	b.initOnce.Do(func() {
		if fn != nil {
			err = fn(ctx)
		}
	})
	return err
}

func (b *base) runFinalize(ctx context.Context, fn func(context.Context) error) error {
	var err error
	b.finalizeOnce.Do(func() {
		if fn != nil {
			err = fn(ctx)
		}
	})
	return err
}

// reserveAll reserves n slots in every downstream queue at location,
// rolling back every prior reservation if any fails — step (i) of the
// Execute protocol.
func reserveAll(downstream []*mailbox.Queue, n, location int) bool {
	for i, q := range downstream {
		if !q.Reserve(n, location) {
			for j := 0; j < i; j++ {
				downstream[j].Unreserve(n, location)
			}
			return false
		}
	}
	return true
}

func unreserveAll(downstream []*mailbox.Queue, n, location int) {
	for _, q := range downstream {
		q.Unreserve(n, location)
	}
}

// releaseToPool is a convenience used by the sink arrow to return an
// Event to its pool after user post-processing.
func releaseToPool(p *pool.Pool, ev *jevent.Event) {
	p.Put(ev)
}
