package distribution

import (
	"context"
	"sync"
	"time"

	"cryptosim/internal/metrics"
	"cryptosim/logger"
)

// Filter selects the events a subscriber receives. A nil Filter accepts all.
type Filter func(Event) bool

// ForUser accepts the events addressed to userID.
func ForUser(userID string) Filter {
	return func(e Event) bool { return e.UserID == userID }
}

// Named accepts events whose name is one of names.
func Named(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Name]
		return ok
	}
}

type HubStats struct {
	Published int64
	Delivered int64
	Dropped   int64
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub fans events out to in-process subscribers. Each subscriber has a
// bounded buffer; a full buffer drops the event for that subscriber only so a
// slow consumer never stalls the feed or the engine.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool

	stats      HubStats
	statsMutex sync.Mutex

	metrics *metrics.Metrics
	log     *logger.Log
}

func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:    make(map[int]*subscriber),
		buffer:  buffer,
		metrics: m,
		log:     logger.GetLogger(),
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel
// function that unregisters it and closes the channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = &subscriber{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(_ context.Context, e Event) error {
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}

	var delivered, dropped int64
	h.mu.RLock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	h.statsMutex.Lock()
	h.stats.Published++
	h.stats.Delivered += delivered
	h.stats.Dropped += dropped
	h.statsMutex.Unlock()

	for i := int64(0); i < dropped; i++ {
		h.metrics.EventDropped()
	}
	if dropped > 0 {
		h.log.WithComponent("hub").WithFields(logger.Fields{
			"event":   e.Name,
			"dropped": dropped,
		}).Debug("subscriber buffer full, event dropped")
	}
	return nil
}

func (h *Hub) Stats() HubStats {
	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	return h.stats
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
