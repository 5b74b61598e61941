// Package hub fans orchestration events out to subscribed observers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/metrics"
)

// ErrClosed is returned by Publish once the hub loop has stopped.
var ErrClosed = errors.New("hub closed")

// Subscriber is one observer. Events arrive on Send in publish order; the
// channel is closed when the subscriber is dropped or unsubscribes.
type Subscriber struct {
	ID         string
	IncidentID string
	Send       chan []byte
	dropped    bool
}

// Dropped reports whether the hub removed this subscriber for falling behind.
// Only meaningful after Send is closed.
func (s *Subscriber) Dropped() bool {
	return s.dropped
}

type message struct {
	incidentID string
	data       []byte
}

// Hub manages all subscribers. All mutation of the subscriber set happens on
// the Run goroutine.
type Hub struct {
	subscribers map[string]*Subscriber

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan message
	done       chan struct{}

	bufferSize int
	logger     *slog.Logger
	mu         sync.RWMutex
}

// New creates a hub whose subscribers buffer up to bufferSize messages.
func New(bufferSize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan message, 1024),
		done:        make(chan struct{}),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "hub"),
	}
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID] = sub
			n := len(h.subscribers)
			h.mu.Unlock()
			metrics.HubObservers.Set(float64(n))
			h.logger.Debug("observer subscribed", "subscriber_id", sub.ID, "incident_id", sub.IncidentID)

		case sub := <-h.unregister:
			h.remove(sub, false)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.RLock()
	var slow []*Subscriber
	for _, sub := range h.subscribers {
		if sub.IncidentID != "" && sub.IncidentID != msg.incidentID {
			continue
		}
		select {
		case sub.Send <- msg.data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("observer buffer full, dropping", "subscriber_id", sub.ID)
		metrics.HubDroppedObservers.Inc()
		h.remove(sub, true)
	}
}

func (h *Hub) remove(sub *Subscriber, dropped bool) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub.ID]; ok {
		delete(h.subscribers, sub.ID)
		sub.dropped = dropped
		close(sub.Send)
	}
	n := len(h.subscribers)
	h.mu.Unlock()
	metrics.HubObservers.Set(float64(n))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.Send)
	}
	h.mu.Unlock()
	close(h.done)
	metrics.HubObservers.Set(0)
}

// Subscribe registers a new observer. A non-empty incidentID restricts
// delivery to that incident's events.
func (h *Hub) Subscribe(incidentID string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:         uuid.New().String(),
		IncidentID: incidentID,
		Send:       make(chan []byte, h.bufferSize),
	}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrClosed
	}
}

// Unsubscribe removes an observer. Safe to call after it was dropped.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish encodes evt and queues it for delivery. Delivery to each observer
// is best-effort and never blocks the caller on a slow observer.
func (h *Hub) Publish(evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message{incidentID: evt.IncidentID, data: data}:
		metrics.HubEvents.WithLabelValues(string(evt.EventType)).Inc()
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// Count returns the number of subscribed observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
