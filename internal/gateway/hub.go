package gateway

import (
	"context"
	"log"
	"sync"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/events"
)

// Hub tracks live client connections and routes worker events to them.
// An event with a correlation id goes to the connection that registered it;
// otherwise it fans out to every connection owned by the event's user.
type Hub struct {
	mu           sync.Mutex
	users        map[string]map[chan events.Event]struct{}
	correlations map[string]chan events.Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users:        make(map[string]map[chan events.Event]struct{}),
		correlations: make(map[string]chan events.Event),
	}
}

// Join registers a connection for userID, optionally claiming a correlation
// id, and returns its event channel and a leave func.
func (h *Hub) Join(userID, correlationID string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, 16)

	h.mu.Lock()
	if userID != "" {
		conns, ok := h.users[userID]
		if !ok {
			conns = make(map[chan events.Event]struct{})
			h.users[userID] = conns
		}
		conns[ch] = struct{}{}
	}
	if correlationID != "" {
		h.correlations[correlationID] = ch
	}
	h.mu.Unlock()

	leave := func() {
		h.mu.Lock()
		if userID != "" {
			if conns, ok := h.users[userID]; ok {
				delete(conns, ch)
				if len(conns) == 0 {
					delete(h.users, userID)
				}
			}
		}
		if correlationID != "" && h.correlations[correlationID] == ch {
			delete(h.correlations, correlationID)
		}
		h.mu.Unlock()
	}
	return ch, leave
}

// Route delivers one event to its interested connections, dropping when a
// connection's buffer is full (delivery is best-effort).
func (h *Hub) Route(evt events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	if evt.CorrelationID != "" {
		if ch, ok := h.correlations[evt.CorrelationID]; ok {
			select {
			case ch <- evt:
			default:
			}
			delivered = true
		}
	}
	if !delivered && evt.UserID != "" {
		for ch := range h.users[evt.UserID] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Run subscribes to the bus and routes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, bus events.Bus) error {
	evts, cancel, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	log.Println("gateway: relaying worker events")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-evts:
			if !ok {
				return nil
			}
			h.Route(evt)
		}
	}
}
