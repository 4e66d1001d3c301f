// Package ws fans ingested metrics out to live subscribers, keyed by
// workspace. Delivery is bounded per subscriber; a slow consumer loses its
// oldest pending messages instead of ever blocking a publisher.
package ws

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/YASSERRMD/query-vault/internal/metrics"
)

const defaultSubscriberBuffer = 10000

// Hub manages stream subscriptions by workspace ID.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

// Subscription is one subscriber's bounded receive queue.
type Subscription struct {
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once

	hub         *Hub
	workspaceID uuid.UUID
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*Subscription]struct{})}
}

// Subscribe registers a receiver for a workspace stream. buffer caps the
// number of undelivered messages; zero or negative selects the default.
func (h *Hub) Subscribe(workspaceID uuid.UUID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &Subscription{
		ch:          make(chan []byte, buffer),
		done:        make(chan struct{}),
		hub:         h,
		workspaceID: workspaceID,
	}
	h.mu.Lock()
	if _, ok := h.subs[workspaceID]; !ok {
		h.subs[workspaceID] = make(map[*Subscription]struct{})
	}
	h.subs[workspaceID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers a payload to every subscriber of the workspace. It never
// blocks: a saturated subscriber sheds its oldest pending message first.
func (h *Hub) Publish(workspaceID uuid.UUID, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[workspaceID] {
		sub.enqueue(payload)
	}
}

// SubscriberCount reports active subscriptions for a workspace.
func (h *Hub) SubscriberCount(workspaceID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[workspaceID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.workspaceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.workspaceID)
		}
	}
}

// C yields delivered payloads.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Done is closed once the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many messages were shed because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *Subscription) enqueue(payload []byte) {
	for {
		select {
		case s.ch <- payload:
			return
		default:
		}
		// Queue full: shed the oldest pending message and retry.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			metrics.BroadcastDropped.Inc()
		default:
		}
	}
}
