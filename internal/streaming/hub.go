package streaming

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the per-key replay window.
const DefaultCapacity = 256

// Hub is an in-memory pub/sub with bounded replay per task.
// Every event is also delivered to AllTasks subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	seq         uint64
	dropped     uint64
}

// NewHub creates a hub keeping capacity events per task for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber for a task ID or AllTasks; the caller must drain
// the channel and call Unsubscribe.
func (h *Hub) Subscribe(key string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[key]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		h.subscribers[key] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (h *Hub) Unsubscribe(key string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[key]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
}

// Emit stamps the event with a hub-wide sequence number, records it for
// replay and delivers it without blocking. Slow subscribers miss events.
func (h *Hub) Emit(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	h.seq++
	evt.Seq = h.seq
	h.record(evt.TaskID, evt)
	if evt.TaskID != AllTasks {
		h.record(AllTasks, evt)
	}
	var targets []chan Event
	for ch := range h.subscribers[evt.TaskID] {
		targets = append(targets, ch)
	}
	if evt.TaskID != AllTasks {
		for ch := range h.subscribers[AllTasks] {
			targets = append(targets, ch)
		}
	}
	// deliver under the lock so Unsubscribe cannot close a channel mid-send
	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			h.dropped++
		}
	}
	h.mu.Unlock()
	return evt
}

func (h *Hub) record(key string, evt Event) {
	rg := h.history[key]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[key] = rg
	}
	rg.push(evt)
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Emit(evt)
	return nil
}

// ReplaySince returns retained events for key with Seq > since, oldest first.
func (h *Hub) ReplaySince(key string, since uint64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rg := h.history[key]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a task.
func (h *Hub) Forget(taskID string) {
	h.mu.Lock()
	delete(h.history, taskID)
	h.mu.Unlock()
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// ring is a fixed-capacity buffer of events, oldest overwritten first.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
