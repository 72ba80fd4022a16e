// Command jana2engine is a minimal demonstration wiring of the engine
// core: parameter parsing, plugin loading, and concrete data-format
// adapters are external collaborators outside the core's scope, so this
// binary wires a trivial in-process source/sink pair instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jana-framework/engine/arrow"
	"github.com/jana-framework/engine/engineconfig"
	"github.com/jana-framework/engine/enginecore"
	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/mailbox"
	"github.com/jana-framework/engine/pool"
	"github.com/jana-framework/engine/topology"
)

type countingSource struct {
	emitted int
	total   int
}

func (s *countingSource) Open(ctx context.Context) error { return nil }

func (s *countingSource) Emit(ctx context.Context, event *jevent.Event) (arrow.SourceStatus, error) {
	if s.emitted >= s.total {
		return arrow.SourceFinished, nil
	}
	s.emitted++
	event.SetEventNumber(int64(s.emitted))
	return arrow.SourceSuccess, nil
}

func (s *countingSource) Close(ctx context.Context) error { return nil }

func main() {
	cfg := engineconfig.DefaultConfig()
	cfg.NThreads = 2

	p := pool.New(cfg.Pool.EventPoolSize, cfg.Pool.Locations, cfg.Pool.LimitTotalEventsInFlight)
	q := mailbox.New(cfg.Pool.EventPoolSize, cfg.Queue.EventQueueThreshold, cfg.Pool.Locations, cfg.Queue.Ordering)

	var sunk int
	src := arrow.NewSourceArrow("source", []arrow.Source{&countingSource{total: 10}}, p, q)
	sink := arrow.NewSinkArrow("sink", true, func(ctx context.Context, ev *jevent.Event) error {
		sunk++
		return nil
	}, q, p)

	top := topology.New(nil)
	if err := top.AddArrow(src); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := top.AddArrow(sink); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	engine, err := enginecore.New(cfg, top)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	exitCode, err := engine.Run(context.Background())
	if err != nil {
		slog.Error("run failed", "error", err)
	}
	slog.Info("run complete", "exit_code", int(exitCode), "sunk", sunk)
}
