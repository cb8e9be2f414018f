package socket

import (
	"errors"
	"fmt"
	"sync"

	"lessond/pkg/logger"
)

const (
	WatchType    = "watch"     // Client wants change notifications for a slug
	WatchEndType = "watch_end" // Client no longer wants them
	ChangedType  = "changed"   // A lesson was saved
	DeletedType  = "deleted"   // A lesson was removed
	ErrorType    = "error"     // A client frame was rejected
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

type WSMessage struct {
	Type        string `json:"type"`
	Slug        string `json:"slug"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Subscriber is anything that can receive hub events. Deliver must not
// block; a slow or gone subscriber reports an error instead.
type Subscriber interface {
	ID() string
	Deliver(msg WSMessage) error
}

// Hub is the watch registry: slug -> subscribers, with the reverse index
// subscriber -> slugs so a disconnect is cleaned up without scanning rooms.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[Subscriber]bool
	joined map[Subscriber]map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[Subscriber]bool),
		joined: make(map[Subscriber]map[string]bool),
	}
}

// Join subscribes sub to slug. Joining twice is a no-op.
func (h *Hub) Join(slug string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[slug] == nil {
		h.rooms[slug] = make(map[Subscriber]bool)
	}
	h.rooms[slug][sub] = true

	if h.joined[sub] == nil {
		h.joined[sub] = make(map[string]bool)
	}
	h.joined[sub][slug] = true
}

// Leave unsubscribes sub from slug. Leaving a room sub is not in is a no-op.
func (h *Hub) Leave(slug string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(slug, sub)
}

func (h *Hub) leaveLocked(slug string, sub Subscriber) {
	if room, ok := h.rooms[slug]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, slug)
		}
	}
	if slugs, ok := h.joined[sub]; ok {
		delete(slugs, slug)
		if len(slugs) == 0 {
			delete(h.joined, sub)
		}
	}
}

// Unregister drops every subscription held by sub.
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for slug := range h.joined[sub] {
		h.leaveLocked(slug, sub)
	}
	delete(h.joined, sub)
}

// Broadcast delivers msg to the subscribers of slug at the time of the call
// and returns how many accepted it. Delivery failures are logged and never
// stop delivery to the others.
func (h *Hub) Broadcast(slug string, msg WSMessage) int {
	// Snapshot the room, then deliver outside the lock.
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.rooms[slug]))
	for sub := range h.rooms[slug] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	return deliverAll(slug, subs, msg)
}

// Evict delivers msg to the subscribers of slug and drops all of them. The
// room is emptied in the same critical section that snapshots it, so a
// subscriber either gets msg or joins a fresh room afterwards.
func (h *Hub) Evict(slug string, msg WSMessage) int {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.rooms[slug]))
	for sub := range h.rooms[slug] {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		h.leaveLocked(slug, sub)
	}
	delete(h.rooms, slug)
	h.mu.Unlock()

	return deliverAll(slug, subs, msg)
}

func deliverAll(slug string, subs []Subscriber, msg WSMessage) int {
	delivered := 0
	for _, sub := range subs {
		if err := deliver(sub, msg); err != nil {
			logger.Sugar.Warnf("Failed to deliver %s for %s to subscriber %s: %v", msg.Type, slug, sub.ID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

func deliver(sub Subscriber, msg WSMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panicked: %v", r)
		}
	}()
	return sub.Deliver(msg)
}

// Subscribers reports how many subscribers slug has.
func (h *Hub) Subscribers(slug string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[slug])
}

// Watching reports how many slugs sub is subscribed to.
func (h *Hub) Watching(sub Subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.joined[sub])
}
