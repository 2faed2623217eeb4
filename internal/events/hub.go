// Package events fans task lifecycle transitions out to live observers.
package events

import (
	"sync"
	"time"

	"github.com/mattjoyce/sandbridge/internal/protocol"
)

// Type names a task lifecycle transition.
type Type string

const (
	TaskDispatched      Type = "task.dispatched"
	TaskFinished        Type = "task.finished"
	TaskCancelRequested Type = "task.cancel_requested"
	TaskAssessed        Type = "task.assessed"
)

// DefaultCapacity is the replay window kept for late subscribers.
const DefaultCapacity = 256

// Event is one transition of one subagent.
type Event struct {
	Seq          int64          `json:"seq"`
	Type         Type           `json:"type"`
	At           time.Time      `json:"at"`
	ChildAgentID string         `json:"child_agent_id"`
	State        protocol.State `json:"state,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}

// Hub is an in-memory pub/sub with a bounded replay window. A nil *Hub
// accepts and drops everything.
type Hub struct {
	mu       sync.Mutex
	seq      int64
	capacity int
	window   []Event
	subs     map[int]chan Event
	nextSub  int
}

// NewHub returns a hub that keeps the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		window:   make([]Event, 0, capacity),
		subs:     make(map[int]chan Event),
	}
}

// Publish stamps ev with the next sequence number and the current time and
// delivers it to every subscriber that has room.
func (h *Hub) Publish(ev Event) Event {
	if h == nil {
		return ev
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if len(h.window) == h.capacity {
		copy(h.window, h.window[1:])
		h.window = h.window[:len(h.window)-1]
	}
	h.window = append(h.window, ev)

	for _, ch := range h.subs {
		// Slow observers miss events rather than stall the manager.
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a live observer. The returned func unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 32)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Since returns retained events with Seq > after, oldest first.
func (h *Hub) Since(after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.window))
	for _, ev := range h.window {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}
