package factory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jana-framework/engine/callgraph"
	"github.com/jana-framework/engine/factory"
)

type fakeEvent struct {
	run      int64
	location int
}

func (f fakeEvent) RunNumber() int64 { return f.run }
func (f fakeEvent) Location() int    { return f.location }

func TestFactoryLifecycle(t *testing.T) {
	var inits, processes int
	f := factory.New(factory.Key{Type: "hit", Tag: ""},
		factory.WithInit(func(ctx context.Context) error { inits++; return nil }),
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) {
			processes++
			return []int{1, 2, 3}, nil
		}),
	)
	cg := callgraph.NewRecorder()
	set := factory.NewSet(cg)
	set.AddFactory("hit", f)

	ev := fakeEvent{run: 1}
	v, err := set.Get(context.Background(), ev, factory.Key{Type: "hit"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := v.([]int); len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	if f.State() != factory.Processed {
		t.Fatalf("state = %v, want Processed", f.State())
	}

	// Second Get must not reprocess.
	if _, err := set.Get(context.Background(), ev, factory.Key{Type: "hit"}); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if inits != 1 {
		t.Fatalf("init ran %d times, want 1", inits)
	}
	if processes != 1 {
		t.Fatalf("process ran %d times, want 1", processes)
	}
}

func TestFactoryRegenerateReprocesses(t *testing.T) {
	var processes int
	f := factory.New(factory.Key{Type: "hit", Tag: ""}, factory.Regenerate(),
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) {
			processes++
			return processes, nil
		}),
	)
	set := factory.NewSet(callgraph.NewRecorder())
	set.AddFactory("hit", f)
	ev := fakeEvent{}

	if err := set.Insert("hit", factory.Key{Type: "hit"}, 99); err != nil {
		t.Fatalf("insert: %v", err)
	}
	v, err := set.Get(context.Background(), ev, factory.Key{Type: "hit"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.(int) != 1 {
		t.Fatalf("regenerate did not reprocess: got %v", v)
	}
}

func TestInsertAfterGetFails(t *testing.T) {
	f := factory.New(factory.Key{Type: "hit", Tag: ""},
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) { return 1, nil }),
	)
	set := factory.NewSet(callgraph.NewRecorder())
	set.AddFactory("hit", f)
	ev := fakeEvent{}

	if _, err := set.Get(context.Background(), ev, factory.Key{Type: "hit"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := set.Insert("hit", factory.Key{Type: "hit"}, 2); !errors.Is(err, factory.ErrAlreadyProduced) {
		t.Fatalf("insert after get: got %v, want ErrAlreadyProduced", err)
	}
}

func TestMissingFactoryReturnsNilNotError(t *testing.T) {
	set := factory.NewSet(callgraph.NewRecorder())
	v, err := set.Get(context.Background(), fakeEvent{}, factory.Key{Type: "absent"})
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestCyclicFactoriesDetected(t *testing.T) {
	cg := callgraph.NewRecorder()
	set := factory.NewSet(cg)

	a := factory.New(factory.Key{Type: "A"})
	b := factory.New(factory.Key{Type: "B"},
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) {
			return req.Get(ctx, factory.Key{Type: "A"})
		}),
	)
	a = factory.New(factory.Key{Type: "A"},
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) {
			return req.Get(ctx, factory.Key{Type: "B"})
		}),
	)
	set.AddFactory("a", a)
	set.AddFactory("b", b)

	_, err := set.Get(context.Background(), fakeEvent{}, factory.Key{Type: "A"})
	var cycleErr *callgraph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *callgraph.CycleError, got %v", err)
	}
}
