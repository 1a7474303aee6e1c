package hub

import (
	"sync"

	"github.com/lia-systems/vm-api/internal/metrics"
)

// replayCapacity bounds the ring buffer of recent output; oldest events are
// evicted once it fills.
const replayCapacity = 1024

// subscriberQueueCapacity bounds each subscriber's outbound channel; a
// subscriber that falls this far behind is dropped with a slow-consumer
// error instead of being allowed to stall the publisher.
const subscriberQueueCapacity = 256

type subscriber struct {
	id     uint64
	ch     chan Event
	closed bool
}

// taskHub is the fan-out and replay buffer for exactly one task.
type taskHub struct {
	mu sync.Mutex

	buffer  []Event
	nextSeq uint64

	subscribers map[uint64]*subscriber
	nextSubID   uint64

	terminated bool
}

func newTaskHub() *taskHub {
	return &taskHub{
		subscribers: make(map[uint64]*subscriber),
	}
}

// publish appends to the replay ring and fans out to every live subscriber.
// A subscriber whose queue is full is dropped: the oldest event still queued
// for it is discarded to make room for one final slow-consumer error event,
// and its channel is then closed.
func (h *taskHub) publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	evt.Seq = h.nextSeq
	h.nextSeq++

	if evt.Kind == KindOutput {
		h.buffer = append(h.buffer, evt)
		if len(h.buffer) > replayCapacity {
			h.buffer = h.buffer[len(h.buffer)-replayCapacity:]
		}
	}

	for id, sub := range h.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.dropSlowConsumerLocked(id, sub)
		}
	}

	if evt.Kind == KindError {
		h.closeAllLocked()
	}
}

func (h *taskHub) dropSlowConsumerLocked(id uint64, sub *subscriber) {
	sub.closed = true
	// The queue is full: discard its oldest event so the error always fits.
	// Only publish sends on sub.ch, under h.mu, so the send cannot block.
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- errorEvent("slow consumer")
	close(sub.ch)
	delete(h.subscribers, id)
	metrics.HubSlowConsumerDrops.Inc()
	metrics.HubActiveSubscribers.Dec()
}

func (h *taskHub) closeAllLocked() {
	for id, sub := range h.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.subscribers, id)
		metrics.HubActiveSubscribers.Dec()
	}
}

// subscribe atomically snapshots the replay buffer and registers a new live
// receiver so nothing published after the snapshot is missed or duplicated.
func (h *taskHub) subscribe() ([]Event, *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := make([]Event, len(h.buffer))
	copy(snapshot, h.buffer)

	id := h.nextSubID
	h.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Event, subscriberQueueCapacity)}
	h.subscribers[id] = sub
	metrics.HubActiveSubscribers.Inc()

	return snapshot, sub
}

func (h *taskHub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[id]; ok {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.subscribers, id)
		metrics.HubActiveSubscribers.Dec()
	}
}

// snapshot copies the current replay buffer without registering a
// subscriber, backing a plain REST read of buffered output.
func (h *taskHub) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.buffer))
	copy(out, h.buffer)
	return out
}

func (h *taskHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *taskHub) markTerminated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
}

func (h *taskHub) isDestroyable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated && len(h.subscribers) == 0
}
