package pool_test

import (
	"testing"

	"github.com/jana-framework/engine/jevent"
	"github.com/jana-framework/engine/pool"
)

func TestGetAllocatesThenRecycles(t *testing.T) {
	p := pool.New(4, 1, false)
	ev, err := p.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ev == nil {
		t.Fatal("expected allocated event, got nil")
	}
	ev.SetEventNumber(17)
	p.Put(ev)

	recycled, err := p.Get(0)
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if recycled != ev {
		t.Fatalf("expected the same recycled pointer back")
	}
	if recycled.EventNumber() != 0 {
		t.Fatalf("recycled event not cleared: event number = %d", recycled.EventNumber())
	}
}

func TestLimitInFlightReturnsNilWhenExhausted(t *testing.T) {
	p := pool.New(1, 1, true)
	first, err := p.Get(0)
	if err != nil || first == nil {
		t.Fatalf("expected the pool to lazily create its first event up to capacity; got %v, %v", first, err)
	}

	// Capacity is 1 and the only event is still checked out: further Get
	// calls must back off rather than allocate past the bound.
	second, err := p.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second != nil {
		t.Fatalf("expected (nil, nil) once capacity is exhausted under limitInFlight, got %v", second)
	}

	p.Put(first)
	third, err := p.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if third != first {
		t.Fatalf("expected the recycled event back, got %v", third)
	}
}

func TestScaleRequiresDrainedPool(t *testing.T) {
	p := pool.New(4, 1, true)

	// Force the pool to lazily create every event up to capacity, then
	// check one out: the freelist is now short, so Scale must refuse.
	events := make([]*jevent.Event, 0, 4)
	for i := 0; i < 4; i++ {
		ev, err := p.Get(0)
		if err != nil || ev == nil {
			t.Fatalf("get %d: %v, %v", i, ev, err)
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		p.Put(ev)
	}

	checkedOut, _ := p.Get(0)
	if err := p.Scale(8); err == nil {
		t.Fatal("expected Scale to fail while an event is checked out")
	}
	p.Put(checkedOut)

	if err := p.Scale(8); err != nil {
		t.Fatalf("scale on drained pool: %v", err)
	}
	if p.Capacity() != 8 {
		t.Fatalf("capacity after scale = %d, want 8", p.Capacity())
	}
}

func TestGetManyRefusesPartialBatchUnderLimit(t *testing.T) {
	p := pool.New(4, 1, true)

	first, ok := p.GetMany(0, 3)
	if !ok || len(first) != 3 {
		t.Fatalf("expected a batch of 3 lazily-created events, got %v ok=%v", first, ok)
	}

	// Only one slot of capacity remains; asking for 2 must refuse the whole
	// batch rather than hand back a partial one.
	second, ok := p.GetMany(0, 2)
	if ok || second != nil {
		t.Fatalf("expected GetMany to refuse a partial batch, got %v ok=%v", second, ok)
	}

	p.Put(first[0])
	third, ok := p.GetMany(0, 1)
	if !ok || len(third) != 1 || third[0] != first[0] {
		t.Fatalf("expected the recycled event back after Put, got %v ok=%v", third, ok)
	}
}

func TestPutManyReturnsBatchToFreelist(t *testing.T) {
	p := pool.New(4, 1, false)
	batch, ok := p.GetMany(0, 4)
	if !ok || len(batch) != 4 {
		t.Fatalf("expected a batch of 4, got %v ok=%v", batch, ok)
	}
	p.PutMany(0, batch)
	if !p.Drained() {
		t.Fatal("expected pool to be fully restored after PutMany")
	}
}

func TestLocationWraparound(t *testing.T) {
	p := pool.New(4, 2, false)
	ev, err := p.Get(5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got, want := ev.Location(), 1; got != want {
		t.Fatalf("location = %d, want %d (5 %% 2)", got, want)
	}
}
