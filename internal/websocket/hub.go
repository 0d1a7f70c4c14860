package websocket

import (
	"context"
	"sync"
)

// Hub fans scan lifecycle events out to WebSocket subscribers. Subscriptions
// are per topic: the "scans" firehose carries every scan's events, a
// "scan:<uuid>" topic carries one scan's. A subscriber that cannot keep up is
// dropped rather than allowed to stall the event stream.
//
// All state sits behind one RWMutex and every operation is a plain
// synchronous call. The locking discipline is what makes delivery safe:
// send channels are only written under the read lock and only closed under
// the write lock, so a Publish can never hit a channel a concurrent
// disconnect just closed.
type Hub struct {
	mu sync.RWMutex

	// members is the set of connected subscribers; byTopic indexes them per
	// subscription. The two are mutated together under the write lock.
	members map[*Client]struct{}
	byTopic map[string]map[*Client]struct{}

	// closed flips once on shutdown; late subscribers are turned away with
	// an immediately closed send channel instead of lingering unreachable.
	closed bool
}

// NewHub creates an empty hub. Start Run in its own goroutine before
// accepting connections.
func NewHub() *Hub {
	return &Hub{
		members: make(map[*Client]struct{}),
		byTopic: make(map[string]map[*Client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber:
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.members {
		close(c.send)
	}
	h.members = make(map[*Client]struct{})
	h.byTopic = make(map[string]map[*Client]struct{})
}

// Subscribe adds a client under each of its topics.
func (h *Hub) Subscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(c.send)
		return
	}

	h.members[c] = struct{}{}
	for _, topic := range c.topics {
		set := h.byTopic[topic]
		if set == nil {
			set = make(map[*Client]struct{})
			h.byTopic[topic] = set
		}
		set[c] = struct{}{}
	}
}

// Unsubscribe removes the client from every topic and closes its send
// channel, ending its write loop. Unknown and already-removed clients are
// no-ops, so the read-loop exit and a slow-consumer drop may race freely.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop removes c. Caller holds the write lock.
func (h *Hub) drop(c *Client) {
	if _, ok := h.members[c]; !ok {
		return
	}
	delete(h.members, c)
	for _, topic := range c.topics {
		set := h.byTopic[topic]
		delete(set, c)
		if len(set) == 0 {
			delete(h.byTopic, topic)
		}
	}
	close(c.send)
}

// Publish delivers msg to every subscriber of topic. Safe to call from any
// goroutine; the engine's workers call it on every persisted status change.
// The send is non-blocking, so the read lock is held only for the fan-out
// itself; a subscriber whose buffer is already full is disconnected instead
// of waited on.
func (h *Hub) Publish(topic string, msg Message) {
	var stalled []*Client

	h.mu.RLock()
	for c := range h.byTopic[topic] {
		select {
		case c.send <- msg:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.Unsubscribe(c)
	}
}

// ConnectedCount reports the number of connected subscribers.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
