// Package status fans committed task views out to observers. The hub is the
// store's commit listener, so subscribers see transitions in exactly the
// order they were committed; polling clients read snapshots straight from
// the store.
package status

import (
	"sync"

	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

// subscriberBuffer bounds how far one observer may lag before it is
// disconnected rather than slowing the pipeline down.
const subscriberBuffer = 64

// Subscription is one observer's ordered stream of views for a task. The
// channel closes after a terminal view is delivered, after Close, or if the
// observer falls too far behind.
type Subscription struct {
	taskID string
	ch     chan task.View
	hub    *Hub
	once   sync.Once
}

// Updates returns the stream of committed views.
func (s *Subscription) Updates() <-chan task.View { return s.ch }

// Close detaches the observer. Safe to call more than once and safe to call
// concurrently with hub delivery.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Hub distributes committed task views to subscribers and registered sinks.
type Hub struct {
	store  *task.Store
	logger *zap.Logger

	mu      sync.Mutex
	last    map[string]task.View
	subs    map[string][]*Subscription
	workers []*sinkWorker
	closed  bool

	sinkWg sync.WaitGroup
}

// NewHub creates a hub. Wire it to the store with store.OnCommit(hub.Publish).
func NewHub(store *task.Store, logger *zap.Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger,
		last:   make(map[string]task.View),
		subs:   make(map[string][]*Subscription),
	}
}

// Snapshot returns the latest committed view for a task.
func (h *Hub) Snapshot(id string) (task.View, error) {
	return h.store.Get(id)
}

// Subscribe registers an observer for a task. The stream opens with the
// latest committed view, then carries one view per committed transition. For
// a task already in a terminal state the stream holds that single terminal
// view and is already ended.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.last[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}

	sub := &Subscription{taskID: id, ch: make(chan task.View, subscriberBuffer), hub: h}
	sub.ch <- v
	if v.Status.Terminal() || h.closed {
		sub.closeChan()
		return sub, nil
	}
	h.subs[id] = append(h.subs[id], sub)
	return sub, nil
}

// Publish records the committed view and delivers it to subscribers and
// sinks. It is called by the store under the record lock, so it must never
// call back into the store.
func (h *Hub) Publish(v task.View) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last[v.TaskID] = v

	subs := h.subs[v.TaskID]
	kept := subs[:0]
	for _, sub := range subs {
		select {
		case sub.ch <- v:
			kept = append(kept, sub)
		default:
			h.logger.Warn("subscriber lagging, disconnecting",
				zap.String("task", v.TaskID))
			sub.closeChan()
		}
	}

	if v.Status.Terminal() {
		for _, sub := range kept {
			sub.closeChan()
		}
		delete(h.subs, v.TaskID)
	} else {
		h.subs[v.TaskID] = kept
	}

	for _, w := range h.workers {
		select {
		case w.ch <- v:
		default:
			h.logger.Warn("sink queue full, dropping transition",
				zap.String("sink", w.sink.Name()),
				zap.String("task", v.TaskID))
		}
	}
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	subs := h.subs[s.taskID]
	for i, sub := range subs {
		if sub == s {
			h.subs[s.taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	s.closeChan()
}

// Close ends all subscription streams and drains the sink queues.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, subs := range h.subs {
		for _, sub := range subs {
			sub.closeChan()
		}
		delete(h.subs, id)
	}
	workers := h.workers
	h.workers = nil
	h.mu.Unlock()

	for _, w := range workers {
		close(w.ch)
	}
	h.sinkWg.Wait()
}
