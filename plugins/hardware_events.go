package plugins

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Event types
const (
	EventInit       = "init"
	EventRate       = "rate"
	EventMode       = "mode"
	EventLock       = "lock"
	EventWriteError = "write_error"
)

const subscriberBuffer = 16

// ClockEvent is pushed to every connected subscriber
type ClockEvent struct {
	Type      string      `json:"type"`
	Device    string      `json:"device"`
	Operation string      `json:"operation,omitempty"`
	Time      time.Time   `json:"time"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// EventHub fans clock events out to websocket subscribers
type EventHub struct {
	subs   map[string]chan ClockEvent
	subsMu sync.RWMutex
	closed bool
}

// NewEventHub creates an empty hub
func NewEventHub() *EventHub {
	return &EventHub{
		subs: make(map[string]chan ClockEvent),
	}
}

// Subscribe registers a new subscriber
func (h *EventHub) Subscribe() (string, <-chan ClockEvent) {
	id := uuid.New().String()
	ch := make(chan ClockEvent, subscriberBuffer)

	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel
func (h *EventHub) Unsubscribe(id string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Publish delivers ev to all subscribers. A subscriber whose buffer is full
// misses the event.
func (h *EventHub) Publish(ev ClockEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.subsMu.RLock()
	defer h.subsMu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping clock event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Count returns the number of subscribers
func (h *EventHub) Count() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subs)
}

// Close disconnects all subscribers
func (h *EventHub) Close() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.closed = true
}

// handleWebSocket streams events until the client goes away
func (h *EventHub) handleWebSocket(c *websocket.Conn) {
	id, events := h.Subscribe()
	defer h.Unsubscribe(id)

	slog.Info("Clock event subscriber connected", "subscriber", id)

	// The read loop only detects disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			slog.Info("Clock event subscriber disconnected", "subscriber", id)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				slog.Warn("Failed to send clock event", "subscriber", id, "error", err)
				return
			}
		}
	}
}
