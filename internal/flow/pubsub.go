package flow

import (
	"sync"

	"github.com/BTreeMap/SleepPath/internal/models"
)

// Topic selects which part of a session's state a subscriber cares about.
type Topic uint8

const (
	TopicView Topic = 1 << iota
	TopicProgress
	TopicFlags
	TopicProfile

	TopicAll = TopicView | TopicProgress | TopicFlags | TopicProfile
)

// Subscription delivers snapshots whose changes touch the subscribed topics.
// Delivery never blocks the orchestrator: if the reader falls behind, the
// unread snapshot is replaced by the newer one.
type Subscription struct {
	C <-chan models.Snapshot

	ch     chan models.Snapshot
	topics Topic
	hub    *hub
	id     uint64
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.remove(s.id)
	}
}

type hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*Subscription)}
}

func (h *hub) add(topics Topic, initial *models.Snapshot) *Subscription {
	ch := make(chan models.Snapshot, 1)
	sub := &Subscription{C: ch, ch: ch, topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	sub.hub = h
	h.subs[sub.id] = sub
	if initial != nil {
		ch <- *initial
	}
	return sub
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *hub) publish(snap models.Snapshot, changed Topic) {
	if changed == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.topics&changed == 0 {
			continue
		}
		select {
		case sub.ch <- snap:
		default:
			// Drop the stale unread snapshot; the newest one wins.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
