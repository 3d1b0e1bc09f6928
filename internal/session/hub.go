package session

import "sync"

// Hub fans server events out to the connections subscribed to a session.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan any
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a buffered receiver for sessionID. The returned
// function unregisters it and closes the channel; calling it twice is safe.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan any, buffer)}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			close(sub.ch)
		})
	}
}

// Publish delivers msg to every subscriber of sessionID without blocking.
// Subscribers with a full buffer miss the message; the count of deliveries
// is returned.
func (h *Hub) Publish(sessionID string, msg any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- msg:
			sent++
		default:
		}
	}
	return sent
}

func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
