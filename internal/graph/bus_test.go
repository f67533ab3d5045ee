package graph

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusEmitAndSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Close()

	bus.Emit(Node{ID: "o1", Kind: "llm.complete", Input: "prompt"}, []Edge{{From: "o0", To: "o1"}})

	select {
	case obs := <-ch:
		if obs.Node.ID != "o1" {
			t.Fatalf("unexpected node: %+v", obs.Node)
		}
		if len(obs.Edges) != 1 || obs.Edges[0].From != "o0" {
			t.Fatalf("unexpected edges: %+v", obs.Edges)
		}
		if obs.Seq == 0 {
			t.Fatal("expected a sequence number")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected observation to be delivered")
	}
}

func TestBusSequenceOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Emit(Node{ID: "a"}, nil)
	bus.Emit(Node{ID: "b"}, nil)
	bus.Emit(Node{ID: "c"}, nil)

	snap := bus.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].Seq <= snap[i-1].Seq {
			t.Fatalf("sequence not increasing: %d then %d", snap[i-1].Seq, snap[i].Seq)
		}
	}
}

func TestBusDisable(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Disable()
	bus.Emit(Node{ID: "dropped"}, nil)
	if len(bus.Snapshot()) != 0 {
		t.Fatal("disabled bus must not record observations")
	}

	bus.Enable()
	bus.Emit(Node{ID: "kept"}, nil)
	if len(bus.Snapshot()) != 1 {
		t.Fatal("re-enabled bus must record observations")
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Emit(Node{ID: "n"}, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	// Channel must be closed.
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel should be closed")
	}
	bus.Close()
}

func TestBusReset(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Emit(Node{ID: "old"}, nil)
	bus.Reset()
	if len(bus.Snapshot()) != 0 {
		t.Fatal("reset must clear history")
	}
}
