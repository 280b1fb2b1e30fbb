package events

import (
	"testing"
	"time"
)

func TestBusSince(t *testing.T) {
	bus := NewBus(3)
	bus.Publish(Event{Type: TypePhase, State: "1"})
	bus.Publish(Event{Type: TypePhase, State: "2"})
	bus.Publish(Event{Type: TypePhase, State: "3"})

	events := bus.Since(1)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("unexpected seqs: %+v", events)
	}
}

func TestBusCapsHistory(t *testing.T) {
	bus := NewBus(2)
	bus.Publish(Event{State: "1"})
	bus.Publish(Event{State: "2"})
	bus.Publish(Event{State: "3"})

	events := bus.Since(0)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].State != "2" || events[1].State != "3" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if bus.Latest() != 3 {
		t.Fatalf("Latest() = %d, want 3", bus.Latest())
	}
}

func TestBusWaitWakesOnPublish(t *testing.T) {
	bus := NewBus(10)
	wait := bus.Wait()

	go bus.Publish(Event{State: "x"})

	select {
	case <-wait:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() channel not closed after Publish")
	}
	if got := bus.Since(0); len(got) != 1 || got[0].State != "x" {
		t.Fatalf("Since(0) = %+v", got)
	}
}
