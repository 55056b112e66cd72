package server

import (
	"context"
	"sync"
)

const subscriberBufferSize = 64

// Hub fans an event out to every connection subscribed to a room. Delivery is
// fire-and-forget, at most once per currently connected recipient: a slow
// subscriber whose buffer is full simply misses the event, and the periodic
// resync repairs the divergence. Events from one publisher reach each
// recipient in publish order; there is no total order across publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*hubSubscriber
}

type hubSubscriber struct {
	connectionID string
	stream       chan Envelope
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]*hubSubscriber),
	}
}

// Subscribe attaches a connection to a room's fan-out and returns its stream
// together with a cleanup func. The stream is never closed; readers should
// select against their own context. Cancelling the context unregisters too.
func (h *Hub) Subscribe(ctx context.Context, roomKey, connectionID string) (<-chan Envelope, func()) {
	if roomKey == "" || connectionID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	subscriber := &hubSubscriber{
		connectionID: connectionID,
		stream:       make(chan Envelope, subscriberBufferSize),
	}
	h.register(roomKey, subscriber)

	cleanup := func() {
		h.unregister(roomKey, connectionID)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the envelope to every subscriber of the room except the
// excluded connection. Pass an empty excludeConnectionID to reach everyone.
func (h *Hub) Publish(roomKey, excludeConnectionID string, envelope Envelope) {
	if roomKey == "" || envelope.Type == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[roomKey]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.connectionID == excludeConnectionID {
			continue
		}
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- envelope:
		default:
		}
	}
}

// SubscriberCount reports how many connections are attached to a room.
func (h *Hub) SubscriberCount(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[roomKey])
}

func (h *Hub) register(roomKey string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[roomKey]; !ok {
		h.subscribers[roomKey] = make(map[string]*hubSubscriber)
	}
	h.subscribers[roomKey][subscriber.connectionID] = subscriber
}

func (h *Hub) unregister(roomKey, connectionID string) {
	h.mu.Lock()
	subscribers := h.subscribers[roomKey]
	if subscribers != nil {
		delete(subscribers, connectionID)
		if len(subscribers) == 0 {
			delete(h.subscribers, roomKey)
		}
	}
	h.mu.Unlock()
}
