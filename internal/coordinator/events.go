package coordinator

import (
	"sync"
	"time"

	"github.com/v0xg/demopilot/internal/protocol"
)

// Event is a run notification for the user-facing surface
type Event struct {
	TabID   int
	Payload protocol.Payload
	At      time.Time
}

type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *eventHub) publish(tabID int, p protocol.Payload) {
	ev := Event{TabID: tabID, Payload: p, At: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
