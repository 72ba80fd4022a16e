package jevent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jana-framework/engine/factory"
	"github.com/jana-framework/engine/jevent"
)

func TestEventIdentity(t *testing.T) {
	e := jevent.New(0)
	if got := e.RunNumber(); got != jevent.UnknownRunNumber {
		t.Fatalf("new event run number = %d, want %d", got, jevent.UnknownRunNumber)
	}
	e.SetRunNumber(7)
	e.SetEventNumber(42)
	e.SetLevel(jevent.LevelPhysicsEvent)
	if e.RunNumber() != 7 || e.EventNumber() != 42 || e.Level() != jevent.LevelPhysicsEvent {
		t.Fatalf("identity not persisted: %+v", e)
	}
}

func TestAddParentStrictOrdering(t *testing.T) {
	child := jevent.New(0)
	run := jevent.New(0)
	timeslice := jevent.New(0)

	if err := child.AddParent(jevent.LevelTimeslice, timeslice); err != nil {
		t.Fatalf("add timeslice parent: %v", err)
	}
	if err := child.AddParent(jevent.LevelRun, run); err != nil {
		t.Fatalf("add run parent: %v", err)
	}
	if timeslice.Refcount() != 1 || run.Refcount() != 1 {
		t.Fatalf("parent refcounts = %d, %d, want 1, 1", timeslice.Refcount(), run.Refcount())
	}

	// Out-of-order or duplicate levels must be rejected.
	if err := child.AddParent(jevent.LevelPhysicsEvent, run); err == nil {
		t.Fatal("expected error adding a lower level after a higher one")
	} else if !errors.Is(err, jevent.ErrParentLevelOrder) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := child.AddParent(jevent.LevelRun, run); err == nil {
		t.Fatal("expected error adding a duplicate level")
	} else if !errors.Is(err, jevent.ErrDuplicateParentLevel) {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := child.ReleaseParent(jevent.LevelRun); err != nil {
		t.Fatalf("release run parent: %v", err)
	}
	if run.Refcount() != 0 {
		t.Fatalf("run refcount after release = %d, want 0", run.Refcount())
	}
}

func TestReleaseParentNotFound(t *testing.T) {
	child := jevent.New(0)
	if err := child.ReleaseParent(jevent.LevelRun); !errors.Is(err, jevent.ErrParentNotFound) {
		t.Fatalf("release missing parent: got %v, want ErrParentNotFound", err)
	}
}

type hits struct{ N int }

func TestGetIsIdempotent(t *testing.T) {
	e := jevent.New(0)
	calls := 0
	f := factory.New(factory.Key{Type: jevent.TypeKey[*hits](), Tag: ""},
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) {
			calls++
			return &hits{N: calls}, nil
		}),
	)
	e.Factories().AddFactory("hits", f)

	first, err := jevent.Get[*hits](context.Background(), e, "")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := jevent.Get[*hits](context.Background(), e, "")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first != second {
		t.Fatalf("Get returned different pointers across calls: %p != %p", first, second)
	}
	if calls != 1 {
		t.Fatalf("factory ran %d times, want 1", calls)
	}
}

func TestGetMissingFactoryReturnsZeroValue(t *testing.T) {
	e := jevent.New(0)
	v, err := jevent.Get[*hits](context.Background(), e, "nonexistent")
	if err != nil {
		t.Fatalf("get with no factory: %v", err)
	}
	if v != nil {
		t.Fatalf("expected zero value, got %+v", v)
	}
}

func TestClearResetsFactoriesAndCallGraph(t *testing.T) {
	e := jevent.New(0)
	calls := 0
	f := factory.New(factory.Key{Type: jevent.TypeKey[*hits](), Tag: ""},
		factory.WithProcess(func(ctx context.Context, req *factory.Request) (any, error) {
			calls++
			return &hits{N: calls}, nil
		}),
	)
	e.Factories().AddFactory("hits", f)

	if _, err := jevent.Get[*hits](context.Background(), e, ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	e.Clear()
	if _, err := jevent.Get[*hits](context.Background(), e, ""); err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if calls != 2 {
		t.Fatalf("factory ran %d times across cycles, want 2", calls)
	}
}
