package assignment

import (
	"context"
	"sync"
)

// watchHub fans scope snapshots out to live query subscriptions. Every store
// write republishes the full scope snapshot; slow subscribers drop
// intermediate snapshots rather than block the writer.
type watchHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*watchSubscriber
	nextID      int64
	bufferSize  int
}

type watchSubscriber struct {
	id     int64
	stream chan []Record
}

func newWatchHub() *watchHub {
	return &watchHub{
		subscribers: make(map[string]map[int64]*watchSubscriber),
		bufferSize:  16,
	}
}

func (h *watchHub) subscribe(ctx context.Context, scopeKey string) (<-chan []Record, func()) {
	subscriber := &watchSubscriber{
		id:     h.nextSequence(),
		stream: make(chan []Record, h.bufferSize),
	}
	h.register(scopeKey, subscriber)
	cleanup := func() {
		h.unregister(scopeKey, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (h *watchHub) publish(scopeKey string, snapshot []Record) {
	h.mu.RLock()
	subscribers := h.subscribers[scopeKey]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*watchSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- snapshot:
		default:
		}
	}
}

func (h *watchHub) hasSubscribers(scopeKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scopeKey]) > 0
}

func (h *watchHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *watchHub) register(scopeKey string, subscriber *watchSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[scopeKey]; !ok {
		h.subscribers[scopeKey] = make(map[int64]*watchSubscriber)
	}
	h.subscribers[scopeKey][subscriber.id] = subscriber
}

func (h *watchHub) unregister(scopeKey string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[scopeKey]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, scopeKey)
		}
	}
	h.mu.Unlock()
}
