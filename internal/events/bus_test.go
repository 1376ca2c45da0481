package events

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryFanOut(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()

	ch1, cancel1, _ := bus.Subscribe(ctx)
	ch2, cancel2, _ := bus.Subscribe(ctx)
	defer cancel1()
	defer cancel2()

	evt := Event{Type: JobComplete, JobType: "work", CorrelationID: "c1"}
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatal(err)
	}

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != JobComplete || got.CorrelationID != "c1" {
				t.Errorf("subscriber %d got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received event", i)
		}
	}
}

func TestInMemoryUnsubscribe(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()

	ch, cancel, _ := bus.Subscribe(ctx)
	cancel()

	if err := bus.Publish(ctx, Event{Type: JobStarted, JobType: "work"}); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unsubscribed channel received %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()

	if err := bus.Publish(ctx, Event{Type: JobFailed, JobType: "work"}); err != nil {
		t.Fatal(err)
	}

	ch, cancel, _ := bus.Subscribe(ctx)
	defer cancel()
	select {
	case evt := <-ch:
		t.Errorf("late subscriber replayed %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}
