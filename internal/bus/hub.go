// Package bus is the in-process notification fan-out. Publishers never block:
// each subscriber has a bounded buffer and loses events once it is full.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/metrics"
	"github.com/google/uuid"
)

const (
	TopicDispatchers = "dispatchers"

	DefaultBuffer = 64
)

func CourierTopic(courierID string) string {
	return "courier:" + courierID
}

type Envelope struct {
	Topic     string                `json:"topic"`
	EventType string                `json:"eventType"`
	Payload   messages.Notification `json:"payload"`
}

type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Subscription
	buffer int
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Subscription),
		buffer: buffer,
	}
}

type Subscription struct {
	ID    string
	Topic string
	C     <-chan Envelope

	ch      chan Envelope
	hub     *Hub
	once    sync.Once
	dropped atomic.Int64
}

// Dropped is the number of envelopes this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Envelope, h.buffer)
	s := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     ch,
		ch:    ch,
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[string]*Subscription)
		h.rooms[topic] = room
	}
	room[s.ID] = s
	metrics.BusSubscribers.Inc()
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[s.Topic]; ok {
		if _, ok := room[s.ID]; ok {
			delete(room, s.ID)
			metrics.BusSubscribers.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, s.Topic)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Publish delivers msg to every current subscriber of topic and returns how
// many received it. Subscribers with a full buffer are skipped.
func (h *Hub) Publish(topic string, msg messages.Notification) int {
	env := Envelope{Topic: topic, EventType: msg.EventType(), Payload: msg}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}

	h.published.Add(1)
	metrics.BusPublishedTotal.WithLabelValues(env.EventType).Inc()

	delivered := 0
	for _, s := range h.rooms[topic] {
		select {
		case s.ch <- env:
			delivered++
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
			metrics.BusDroppedTotal.WithLabelValues(topic).Inc()
		}
	}
	return delivered
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	h.mu.RUnlock()
	return Stats{Published: h.published.Load(), Dropped: h.dropped.Load(), Subscribers: n}
}

// Close ends every subscription; later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, room := range h.rooms {
		for _, s := range room {
			s.once.Do(func() { close(s.ch) })
			metrics.BusSubscribers.Dec()
		}
		delete(h.rooms, topic)
	}
}
