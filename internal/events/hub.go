package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the launcher.
const (
	DispatchRejected  = "dispatch.rejected"
	DispatchStarted   = "dispatch.started"
	DispatchCompleted = "dispatch.completed"
	MQTTConnected     = "mqtt.connected"
	MQTTDisconnected  = "mqtt.disconnected"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
// Publishing never blocks: subscribers that fall behind miss events.
type Hub struct {
	seq atomic.Int64

	mu     sync.Mutex
	ring   []Event
	head   int
	filled int

	subs    map[int]chan Event
	nextSub int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out. A nil hub is a no-op.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		ID:   h.seq.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.append(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.filled)
	for i := 0; i < h.filled; i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) append(ev Event) {
	n := len(h.ring)
	if h.filled < n {
		h.ring[(h.head+h.filled)%n] = ev
		h.filled++
		return
	}
	// Overwrite oldest.
	h.ring[h.head] = ev
	h.head = (h.head + 1) % n
}
