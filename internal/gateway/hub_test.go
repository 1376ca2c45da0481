package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/events"
)

func recv(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestHubRoutesByCorrelation(t *testing.T) {
	h := NewHub()
	corrCh, leaveCorr := h.Join("u1", "corr-1")
	defer leaveCorr()
	otherCh, leaveOther := h.Join("u1", "")
	defer leaveOther()

	h.Route(events.Event{Type: events.JobComplete, CorrelationID: "corr-1", UserID: "u1"})

	evt := recv(t, corrCh)
	if evt.CorrelationID != "corr-1" {
		t.Errorf("got correlation %q", evt.CorrelationID)
	}
	// Correlation routing claims the event; no user fan-out happens.
	assertEmpty(t, otherCh)
}

func TestHubFansOutToUserConnections(t *testing.T) {
	h := NewHub()
	ch1, leave1 := h.Join("u1", "")
	defer leave1()
	ch2, leave2 := h.Join("u1", "")
	defer leave2()
	stranger, leave3 := h.Join("u2", "")
	defer leave3()

	h.Route(events.Event{Type: events.JobStarted, UserID: "u1", JobID: "j1"})

	if recv(t, ch1).JobID != "j1" {
		t.Error("first connection got wrong event")
	}
	if recv(t, ch2).JobID != "j1" {
		t.Error("second connection got wrong event")
	}
	assertEmpty(t, stranger)
}

func TestHubUnclaimedCorrelationFallsBackToUser(t *testing.T) {
	h := NewHub()
	ch, leave := h.Join("u1", "")
	defer leave()

	h.Route(events.Event{Type: events.JobProgress, CorrelationID: "nobody-claimed", UserID: "u1"})

	if recv(t, ch).Type != events.JobProgress {
		t.Error("fallback fan-out did not deliver")
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, leave := h.Join("u1", "corr-1")
	leave()

	h.Route(events.Event{Type: events.JobComplete, CorrelationID: "corr-1", UserID: "u1"})
	h.Route(events.Event{Type: events.JobComplete, UserID: "u1"})
	assertEmpty(t, ch)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	ch, leave := h.Join("u1", "")
	defer leave()

	for i := 0; i < 64; i++ {
		h.Route(events.Event{Type: events.JobProgress, UserID: "u1", Progress: i})
	}
	// Buffered up to capacity, the rest dropped; Route never blocks.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained >= 64 {
		t.Errorf("drained %d events, want 0 < n < 64", drained)
	}
}

func TestHubRunRelaysBusEvents(t *testing.T) {
	h := NewHub()
	bus := events.NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx, bus)
	}()
	// Give Run a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	ch, leave := h.Join("u1", "")
	defer leave()

	if err := bus.Publish(ctx, events.Event{Type: events.JobComplete, UserID: "u1", JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if recv(t, ch).JobID != "j1" {
		t.Error("relayed event mismatch")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
