// Package enginecore implements the ExecutionEngine: the top-level driver
// that starts workers, enforces timeouts, aggregates metrics, and exposes
// the run/pause/resume/stop/scale lifecycle.
package enginecore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jana-framework/engine/arrow"
	"github.com/jana-framework/engine/engineconfig"
	"github.com/jana-framework/engine/observability"
	"github.com/jana-framework/engine/scheduler"
	"github.com/jana-framework/engine/topology"
	"github.com/jana-framework/engine/worker"
)

const (
	EventRunStart   observability.EventType = "engine.run.start"
	EventRunStop    observability.EventType = "engine.run.stop"
	EventPause      observability.EventType = "engine.pause"
	EventResume     observability.EventType = "engine.resume"
	EventTimeout    observability.EventType = "engine.timeout"
)

// StopMode distinguishes a soft stop (let workers drain their current
// invocation) from a hard stop (bypass queue drain entirely).
type StopMode int

const (
	StopSoft StopMode = iota
	StopHard
)

// ExitCode mirrors the process-boundary exit codes in spec §6.
type ExitCode int

const (
	ExitSuccess ExitCode = iota
	ExitTimeout
	ExitUnhandledException
	ExitUserHalt
)

// TimeoutError is fatal: a worker's heartbeat exceeded the configured
// deadline. Backtrace holds a captured goroutine dump when
// EngineConfig.CaptureBacktraceOnTimeout is set, mirroring a debugger
// backtrace taken at the moment a stall is detected.
type TimeoutError struct {
	WorkerID  int
	Since     time.Duration
	Backtrace string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("enginecore: worker %d exceeded timeout (idle %s)", e.WorkerID, e.Since)
}

func captureBacktrace() string {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// ErrAlreadyRunning is returned by Run if the engine is already active.
var ErrAlreadyRunning = errors.New("enginecore: already running")

// PerfSnapshot aggregates per-worker and per-arrow metrics, per §4.10.
type PerfSnapshot struct {
	Arrows map[string]arrow.Metrics
	// Per-worker time breakdown (useful/retry/scheduler/idle).
	Workers  map[int]worker.Metrics
	ExitCode ExitCode
}

// Option configures an Engine at construction, mirroring the functional-
// options pattern used throughout the ambient stack for test overrides.
type Option func(*Engine)

// WithObserver overrides the engine's observability sink.
func WithObserver(o observability.Observer) Option { return func(e *Engine) { e.observer = o } }

// WithScheduler overrides the scheduler (primarily for tests that drive a
// fake topology directly).
func WithScheduler(s *scheduler.Scheduler) Option { return func(e *Engine) { e.scheduler = s } }

// Engine is the top-level driver constructed once per job.
type Engine struct {
	cfg      *engineconfig.EngineConfig
	topology *topology.Topology
	scheduler *scheduler.Scheduler
	observer observability.Observer

	mu      sync.Mutex
	workers []*worker.Worker
	cancel  context.CancelFunc
	runCtx  context.Context

	paused   bool
	resumeCh chan struct{}

	runWG sync.WaitGroup
	err   error
}

// New constructs an Engine over an already-wired Topology.
func New(cfg *engineconfig.EngineConfig, top *topology.Topology, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = engineconfig.DefaultConfig()
	}
	if top == nil {
		return nil, fmt.Errorf("enginecore: topology is required")
	}
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		observer = observability.NoOpObserver{}
	}

	e := &Engine{
		cfg:       cfg,
		topology:  top,
		scheduler: scheduler.New(top, observer),
		observer:  observer,
	}
	e.resumeCh = make(chan struct{})
	close(e.resumeCh) // closed == not paused, so WaitWhilePaused passes through immediately

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run activates the topology, starts ResolvedThreadCount workers, and
// blocks until every arrow has finalised, ctx is cancelled, or a heartbeat
// timeout fires. It returns the final exit code. A worker that stops on an
// Error result is not reported directly: Run returns once that worker's
// heartbeat exceeds the deadline, with ExitTimeout and a *TimeoutError.
func (e *Engine) Run(ctx context.Context) (ExitCode, error) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ExitUnhandledException, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.runCtx = runCtx
	e.mu.Unlock()

	abort := func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.runCtx = nil
		e.mu.Unlock()
	}

	if err := e.topology.Validate(); err != nil {
		abort()
		return ExitUnhandledException, fmt.Errorf("enginecore: validate: %w", err)
	}
	e.topology.Activate()

	for _, a := range e.topology.Arrows() {
		if err := a.Initialize(runCtx); err != nil {
			abort()
			return ExitUnhandledException, fmt.Errorf("enginecore: initialize %s: %w", a.Name(), err)
		}
	}

	e.observer.OnEvent(runCtx, observability.Event{Type: EventRunStart, Level: observability.LevelInfo, Source: "enginecore.Run"})

	n := e.cfg.ResolvedThreadCount()
	e.mu.Lock()
	e.workers = make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		location := i % max(1, e.cfg.Pool.Locations)
		e.workers[i] = worker.New(i, location, e.scheduler, e.cfg.Worker, e.observer)
		e.workers[i].SetPauseGate(e)
	}
	workers := append([]*worker.Worker(nil), e.workers...)
	e.mu.Unlock()

	e.runWG.Add(len(workers))
	for _, w := range workers {
		go func(w *worker.Worker) {
			defer e.runWG.Done()
			w.Run(runCtx)
		}(w)
	}

	timeout := time.Duration(e.cfg.TimeoutSeconds) * time.Second
	warmup := time.Duration(e.cfg.WarmupTimeoutSec) * time.Second
	started := time.Now()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	exitCode := ExitSuccess
	var runErr error

loop:
	for {
		select {
		case <-runCtx.Done():
			runErr = runCtx.Err()
			break loop
		case <-ticker.C:
			if e.topology.AllFinalized() {
				break loop
			}
			e.mu.Lock()
			paused := e.paused
			e.mu.Unlock()
			if paused {
				// A paused worker isn't expected to heartbeat; don't mistake
				// a pause for a stall.
				continue
			}
			deadline := timeout
			if time.Since(started) < warmup {
				deadline = warmup
			}
			for i, w := range workers {
				if time.Since(w.Heartbeat()) > deadline {
					exitCode = ExitTimeout
					timeoutErr := &TimeoutError{WorkerID: i, Since: time.Since(w.Heartbeat())}
					if e.cfg.CaptureBacktraceOnTimeout {
						timeoutErr.Backtrace = captureBacktrace()
					}
					runErr = timeoutErr
					e.observer.OnEvent(runCtx, observability.Event{
						Type: EventTimeout, Level: observability.LevelError, Source: "enginecore.Run",
						Data: map[string]any{"error": runErr.Error(), "worker_id": i},
					})
					cancel()
					break loop
				}
			}
		}
	}

	cancel()
	e.runWG.Wait()

	e.mu.Lock()
	e.err = runErr
	e.cancel = nil
	e.runCtx = nil
	e.mu.Unlock()

	e.observer.OnEvent(ctx, observability.Event{Type: EventRunStop, Level: observability.LevelInfo, Source: "enginecore.Run"})
	return exitCode, runErr
}

// Pause blocks every worker's next assignment request until Resume is
// called: workers finish their current invocation first (soft semantics),
// then block in WaitWhilePaused until a fresh resumeCh is closed by Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.resumeCh = make(chan struct{})
	}
	e.mu.Unlock()
	e.observer.OnEvent(context.Background(), observability.Event{Type: EventPause, Level: observability.LevelInfo, Source: "enginecore.Pause"})
}

// Resume releases a paused engine, unblocking every worker waiting in
// WaitWhilePaused.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.paused {
		e.paused = false
		close(e.resumeCh)
	}
	e.mu.Unlock()
	e.observer.OnEvent(context.Background(), observability.Event{Type: EventResume, Level: observability.LevelInfo, Source: "enginecore.Resume"})
}

// WaitWhilePaused implements worker.PauseGate: it blocks until Resume is
// called or ctx is cancelled, whichever comes first.
func (e *Engine) WaitWhilePaused(ctx context.Context) {
	e.mu.Lock()
	ch := e.resumeCh
	e.mu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// Stop requests shutdown. Soft lets in-flight arrow invocations complete
// and the scheduler's normal finalisation run; hard additionally cancels
// the run context immediately, bypassing any further queue drain.
func (e *Engine) Stop(mode StopMode) {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	if mode == StopHard {
		cancel()
		return
	}
	for _, w := range e.snapshotWorkers() {
		w.RequestStop()
	}
}

func (e *Engine) snapshotWorkers() []*worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*worker.Worker(nil), e.workers...)
}

// Scale creates or stops workers until exactly n are live. Downscaling
// blocks until every released worker's Run loop has returned.
func (e *Engine) Scale(ctx context.Context, n int) error {
	e.mu.Lock()
	current := len(e.workers)
	if n == current {
		e.mu.Unlock()
		return nil
	}
	if n > current {
		added := make([]*worker.Worker, 0, n-current)
		for i := current; i < n; i++ {
			location := i % max(1, e.cfg.Pool.Locations)
			w := worker.New(i, location, e.scheduler, e.cfg.Worker, e.observer)
			w.SetPauseGate(e)
			added = append(added, w)
			e.workers = append(e.workers, w)
		}
		e.runWG.Add(len(added))
		// Derive from the run's own context, not the caller's, so a Scale
		// up mid-run still gets torn down by Run's cancel() — matching
		// workers started at Run time rather than leaking past it.
		runCtx := e.runCtx
		if runCtx == nil {
			runCtx = ctx
		}
		e.mu.Unlock()
		for _, w := range added {
			go func(w *worker.Worker) {
				defer e.runWG.Done()
				w.Run(runCtx)
			}(w)
		}
		return nil
	}

	toStop := e.workers[n:]
	e.workers = e.workers[:n]
	e.mu.Unlock()
	for _, w := range toStop {
		w.RequestStop()
	}
	for _, w := range toStop {
		<-w.Done()
	}
	return nil
}

// GetPerf aggregates per-arrow and per-worker metrics into a point-in-time
// snapshot.
func (e *Engine) GetPerf() PerfSnapshot {
	snap := PerfSnapshot{Arrows: make(map[string]arrow.Metrics), Workers: make(map[int]worker.Metrics)}
	for _, a := range e.topology.Arrows() {
		snap.Arrows[a.Name()] = a.Metrics()
	}
	for i, w := range e.snapshotWorkers() {
		snap.Workers[i] = w.Metrics()
	}
	return snap
}
