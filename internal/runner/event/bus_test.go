package event_test

import (
	"testing"

	"github.com/Frohrer/codux/internal/runner/event"
)

func TestBusHandlersSeeEventsInOrder(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	var kinds []event.Kind
	bus.Handle(func(ev event.Event) { kinds = append(kinds, ev.Kind) })

	bus.EmitStage(event.StageExecute)
	bus.Emit(event.Event{Kind: event.KindStdout, Data: []byte("hi")})
	bus.EmitExit(event.StageExecute, event.ExitInfo{})

	want := []event.Kind{event.KindStage, event.KindStdout, event.KindExit}
	if len(kinds) != len(want) {
		t.Fatalf("got %v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got %v want %v", kinds, want)
		}
	}
}

func TestBusRemoveHandler(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	calls := 0
	remove := bus.Handle(func(event.Event) { calls++ })
	bus.EmitError("boom")
	remove()
	bus.EmitError("boom")
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(10)

	bus.EmitStage(event.StageCompile)
	bus.EmitStage(event.StageExecute)

	if !slow.Dropped() {
		t.Fatalf("slow subscriber should be dropped")
	}
	got := 0
	for range slow.Events() {
		got++
	}
	if got != 1 {
		t.Fatalf("slow subscriber should keep its buffered event, got %d", got)
	}
	if fast.Dropped() {
		t.Fatalf("fast subscriber should not be dropped")
	}
	if len(fast.Events()) != 2 {
		t.Fatalf("fast subscriber should have 2 events, got %d", len(fast.Events()))
	}
}

func TestBusCloseStopsControl(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe(0)
	if !bus.WriteStdin([]byte("x")) {
		t.Fatalf("stdin should be accepted while open")
	}
	bus.Close()
	bus.Close()
	if bus.WriteStdin([]byte("y")) {
		t.Fatalf("stdin should be rejected after close")
	}
	if bus.Signal("SIGKILL") {
		t.Fatalf("signal should be rejected after close")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("subscription channel should be closed")
	}
	if late := bus.Subscribe(0); late != nil {
		if _, ok := <-late.Events(); ok {
			t.Fatalf("late subscription should be closed")
		}
	}
}
