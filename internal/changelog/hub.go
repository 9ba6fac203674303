package changelog

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Hub is the change-notification channel of the local store. Subscribers get events
// in commit order; a subscriber whose buffer is full misses the event. External sinks
// are written from a background goroutine so a slow broker never stalls a local write.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int

	sink    Writer
	queue   chan Event
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
	log     logrus.FieldLogger
}

// NewHub creates a hub. sink may be nil.
func NewHub(log logrus.FieldLogger, sink Writer) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Hub{subs: make(map[int]chan Event), sink: sink, log: log}
	if sink != nil {
		h.queue = make(chan Event, 256)
		h.done = make(chan struct{})
		go h.drain()
	}
	return h
}

func (h *Hub) drain() {
	defer close(h.done)
	for e := range h.queue {
		if err := h.sink.Append(e); err != nil {
			h.log.WithFields(logrus.Fields{
				"collection": e.Collection,
				"op":         e.Op,
				"ids":        e.IDs,
			}).WithError(err).Warn("changelog sink append failed")
		}
	}
}

// Append publishes e to subscribers and queues it for the sink. It never blocks and never fails.
func (h *Hub) Append(e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	if h.queue != nil && !h.closed.Load() {
		select {
		case h.queue <- e:
		default:
			h.dropped.Add(1)
			h.log.WithField("collection", e.Collection).Warn("changelog sink queue full, event dropped")
		}
	}
	return nil
}

// Subscribe registers a listener. The returned cancel func unregisters and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts events that a subscriber or the sink queue could not take.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close flushes queued sink writes and stops the sink goroutine.
func (h *Hub) Close() {
	if h.queue == nil {
		return
	}
	h.mu.Lock()
	if !h.closed.CompareAndSwap(false, true) {
		h.mu.Unlock()
		return
	}
	close(h.queue)
	h.mu.Unlock()
	<-h.done
}
