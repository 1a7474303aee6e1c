package hub

import "sync"

// Hub is the top-level per-task registry: a sync.RWMutex-guarded map of
// *taskHub, one per task with at least one subscriber or a live relay
// session.
type Hub struct {
	mu    sync.RWMutex
	tasks map[string]*taskHub
}

func New() *Hub {
	return &Hub{tasks: make(map[string]*taskHub)}
}

func (h *Hub) getOrCreate(taskID string) *taskHub {
	h.mu.RLock()
	th, ok := h.tasks[taskID]
	h.mu.RUnlock()
	if ok {
		return th
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if th, ok := h.tasks[taskID]; ok {
		return th
	}
	th = newTaskHub()
	h.tasks[taskID] = th
	return th
}

func (h *Hub) get(taskID string) (*taskHub, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	th, ok := h.tasks[taskID]
	return th, ok
}

func (h *Hub) remove(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, taskID)
}

// PublishOutput satisfies relay.Sink, letting the Vsock Relay publish guest
// output without importing this package's registry internals.
func (h *Hub) PublishOutput(taskID, data string) {
	h.getOrCreate(taskID).publish(outputEvent(data))
}

func (h *Hub) PublishExit(taskID string, code int) {
	h.getOrCreate(taskID).publish(statusEvent("terminated", &code))
}

func (h *Hub) PublishError(taskID, message string) {
	h.getOrCreate(taskID).publish(errorEvent(message))
}

// PublishStatus is used by the Task Store's mutation call sites to mirror a
// status transition onto every subscriber.
func (h *Hub) PublishStatus(taskID, status string, exitCode *int) {
	h.getOrCreate(taskID).publish(statusEvent(status, exitCode))
}

// PublishProgress is used by the VM Manager's boot-pipeline callback.
func (h *Hub) PublishProgress(taskID, stage, message string) {
	h.getOrCreate(taskID).publish(progressEvent(stage, message))
}

// Subscription is the API layer's handle on one live subscriber: Replay is
// the atomic snapshot taken at subscribe time, Events is the live feed
// positioned immediately after it.
type Subscription struct {
	Replay []Event
	Events <-chan Event

	hub    *taskHub
	taskID string
	id     uint64
}

// Subscribe registers a new subscriber on taskID, creating its hub
// lazily if the relay hasn't published anything yet.
func (h *Hub) Subscribe(taskID string) *Subscription {
	th := h.getOrCreate(taskID)
	replay, sub := th.subscribe()
	return &Subscription{
		Replay: replay,
		Events: sub.ch,
		hub:    th,
		taskID: taskID,
		id:     sub.id,
	}
}

// Unsubscribe removes the subscriber and, if the task has already
// terminated and no subscriber remains, destroys the task's hub.
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.hub.unsubscribe(sub.id)
	if sub.hub.isDestroyable() {
		h.remove(sub.taskID)
	}
}

// MarkTerminated flags the task's hub as terminated so the next
// Unsubscribe call (or an already-zero subscriber count) can destroy it.
func (h *Hub) MarkTerminated(taskID string) {
	th, ok := h.get(taskID)
	if !ok {
		return
	}
	th.markTerminated()
	if th.isDestroyable() {
		h.remove(taskID)
	}
}

// Peek returns a snapshot of the current replay buffer without registering
// a subscriber, backing a plain REST read of buffered output (GET
// /api/v1/tasks/{id}/output).
func (h *Hub) Peek(taskID string) []Event {
	th, ok := h.get(taskID)
	if !ok {
		return nil
	}
	return th.snapshot()
}

// SubscriberCount reports how many live subscribers a task currently has.
func (h *Hub) SubscriberCount(taskID string) int {
	th, ok := h.get(taskID)
	if !ok {
		return 0
	}
	return th.subscriberCount()
}
