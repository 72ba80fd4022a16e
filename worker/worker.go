// Package worker implements the per-thread loop that requests assignments
// from the scheduler, fires arrows, and reports results, backing off when
// no work is currently eligible.
package worker

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jana-framework/engine/arrow"
	"github.com/jana-framework/engine/engineconfig"
	"github.com/jana-framework/engine/observability"
	"github.com/jana-framework/engine/scheduler"
)

const (
	EventCheckin observability.EventType = "worker.checkin"
	EventFire    observability.EventType = "worker.fire"
)

// BackoffStrategy computes the sleep duration for the n'th consecutive
// idle assignment request (n starts at 1).
type BackoffStrategy func(n int) time.Duration

// ConstantBackoff always sleeps base.
func ConstantBackoff(base time.Duration) BackoffStrategy {
	return func(n int) time.Duration { return base }
}

// LinearBackoff sleeps base*n.
func LinearBackoff(base time.Duration) BackoffStrategy {
	return func(n int) time.Duration { return base * time.Duration(n) }
}

// ExponentialBackoff sleeps base*2^(n-1), capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffStrategy {
	return func(n int) time.Duration {
		d := time.Duration(float64(base) * math.Pow(2, float64(n-1)))
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}

// Resolve builds a BackoffStrategy from the engine configuration's string
// selector, defaulting to exponential.
func Resolve(cfg engineconfig.WorkerConfig) BackoffStrategy {
	const base = time.Millisecond
	const capMax = 200 * time.Millisecond
	switch cfg.BackoffStrategy {
	case "constant":
		return ConstantBackoff(base)
	case "linear":
		return LinearBackoff(base)
	default:
		return ExponentialBackoff(base, capMax)
	}
}

// Heartbeat describes one liveness sample of a worker. Worker itself
// records only the timestamp, which the engine's timeout enforcement reads
// through Worker.Heartbeat; no Heartbeat values are pushed.
type Heartbeat struct {
	WorkerID  int
	Timestamp time.Time
	Arrow     string
}

// Metrics is a per-worker time breakdown: useful time (a fired arrow that
// made progress), retry time (a fired arrow that reported ComeBackLater),
// scheduler time (spent inside NextAssignment), and idle time (backing off
// with no assignment at all). The four durations form a monoid under
// addition; Worker accumulates them under a mutex rather than one atomic
// per field, since callers always want a consistent snapshot of all four
// together.
type Metrics struct {
	SchedulerVisitCount int64
	UsefulTime          time.Duration
	RetryTime           time.Duration
	SchedulerTime       time.Duration
	IdleTime            time.Duration
}

// IdleFraction returns the share of total accounted time spent idle,
// derived from the per-worker Metrics that enginecore.GetPerf reports.
func (m Metrics) IdleFraction() float64 {
	total := m.UsefulTime + m.RetryTime + m.SchedulerTime + m.IdleTime
	if total <= 0 {
		return 0
	}
	return float64(m.IdleTime) / float64(total)
}

// PauseGate lets an external driver suspend a Worker between assignment
// requests without tearing down its goroutine. WaitWhilePaused blocks
// until the gate is released or ctx is cancelled, whichever comes first.
type PauseGate interface {
	WaitWhilePaused(ctx context.Context)
}

// Worker loops over scheduler assignments on one OS thread's behalf, for
// exactly one locality.
type Worker struct {
	id         int
	location   int
	scheduler  *scheduler.Scheduler
	backoff    BackoffStrategy
	backoffMax int
	checkin    time.Duration
	observer   observability.Observer
	pauseGate  PauseGate

	lastHeartbeat atomic.Int64 // unix nanos
	stop          chan struct{}
	done          chan struct{}

	metricsMu sync.Mutex
	metrics   Metrics
}

// New constructs a Worker bound to one locality.
func New(id, location int, sched *scheduler.Scheduler, cfg engineconfig.WorkerConfig, observer observability.Observer) *Worker {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	w := &Worker{
		id:         id,
		location:   location,
		scheduler:  sched,
		backoff:    Resolve(cfg),
		backoffMax: cfg.BackoffTries,
		checkin:    time.Duration(cfg.CheckinTimeMS) * time.Millisecond,
		observer:   observer,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.lastHeartbeat.Store(time.Now().UnixNano())
	return w
}

// Heartbeat returns the time of the worker's most recent liveness update.
func (w *Worker) Heartbeat() time.Time {
	return time.Unix(0, w.lastHeartbeat.Load())
}

// SetPauseGate installs a gate the worker consults before every assignment
// request. Passing nil disables gating.
func (w *Worker) SetPauseGate(gate PauseGate) { w.pauseGate = gate }

// Metrics returns a snapshot of the worker's accumulated time breakdown.
func (w *Worker) Metrics() Metrics {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.metrics
}

func (w *Worker) addSchedulerTime(d time.Duration) {
	w.metricsMu.Lock()
	w.metrics.SchedulerVisitCount++
	w.metrics.SchedulerTime += d
	w.metricsMu.Unlock()
}

func (w *Worker) addIdleTime(d time.Duration) {
	w.metricsMu.Lock()
	w.metrics.IdleTime += d
	w.metricsMu.Unlock()
}

func (w *Worker) addFireTime(result arrow.FireResult, d time.Duration) {
	w.metricsMu.Lock()
	if result == arrow.ComeBackLater {
		w.metrics.RetryTime += d
	} else {
		w.metrics.UsefulTime += d
	}
	w.metricsMu.Unlock()
}

// RequestStop asks the worker's Run loop to return its current assignment
// and exit at its next opportunity.
func (w *Worker) RequestStop() { close(w.stop) }

// Done is closed once the worker's Run loop has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run is the worker's main loop: request assignment, back off if none,
// else fire exactly once, report, repeat, until ctx is cancelled,
// RequestStop is called, or a fired arrow reports Error.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	var assignment arrow.Arrow
	var lastResult arrow.FireResult
	idle := 0
	lastCheckin := time.Now()

	for {
		select {
		case <-ctx.Done():
			w.scheduler.LastAssignment(ctx, w.id, assignment)
			return
		case <-w.stop:
			w.scheduler.LastAssignment(ctx, w.id, assignment)
			return
		default:
		}

		if w.pauseGate != nil {
			idleStart := time.Now()
			w.pauseGate.WaitWhilePaused(ctx)
			w.addIdleTime(time.Since(idleStart))
			select {
			case <-ctx.Done():
				w.scheduler.LastAssignment(ctx, w.id, assignment)
				return
			case <-w.stop:
				w.scheduler.LastAssignment(ctx, w.id, assignment)
				return
			default:
			}
		}

		schedStart := time.Now()
		assignment = w.scheduler.NextAssignment(ctx, w.id, assignment, lastResult)
		w.addSchedulerTime(time.Since(schedStart))
		w.lastHeartbeat.Store(time.Now().UnixNano())

		if assignment == nil {
			idle++
			if idle > w.backoffMax {
				idle = w.backoffMax
			}
			idleStart := time.Now()
			select {
			case <-time.After(w.backoff(idle)):
				w.addIdleTime(time.Since(idleStart))
			case <-ctx.Done():
				w.scheduler.LastAssignment(ctx, w.id, nil)
				return
			case <-w.stop:
				w.scheduler.LastAssignment(ctx, w.id, nil)
				return
			}
			lastResult = arrow.ComeBackLater
			continue
		}
		idle = 0

		start := time.Now()
		lastResult = assignment.Execute(ctx, w.location)
		w.addFireTime(lastResult, time.Since(start))
		w.observer.OnEvent(ctx, observability.Event{
			Type: EventFire, Level: observability.LevelVerbose, Source: "worker.Run",
			Data: map[string]any{
				"worker_id": w.id, "arrow": assignment.Name(),
				"result": lastResult.String(), "latency_ns": time.Since(start).Nanoseconds(),
			},
		})
		w.lastHeartbeat.Store(time.Now().UnixNano())

		if time.Since(lastCheckin) >= w.checkin {
			lastCheckin = time.Now()
			w.observer.OnEvent(ctx, observability.Event{
				Type: EventCheckin, Level: observability.LevelVerbose, Source: "worker.Run",
				Data: map[string]any{"worker_id": w.id},
			})
		}

		if lastResult == arrow.Error {
			w.scheduler.LastAssignment(ctx, w.id, assignment)
			return
		}
	}
}
