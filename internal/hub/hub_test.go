package hub

import (
	"fmt"
	"testing"
	"time"
)

func TestSubscribeReplaysBufferedOutputThenLiveEvents(t *testing.T) {
	h := New()

	h.PublishOutput("t1", "first")
	h.PublishOutput("t1", "second")

	sub := h.Subscribe("t1")
	if len(sub.Replay) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(sub.Replay))
	}
	if sub.Replay[0].Data != "first" || sub.Replay[1].Data != "second" {
		t.Fatalf("unexpected replay contents: %+v", sub.Replay)
	}

	h.PublishOutput("t1", "third")

	select {
	case evt := <-sub.Events:
		if evt.Data != "third" {
			t.Fatalf("expected live event 'third', got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestReplayBufferEvictsOldestBeyondCapacity(t *testing.T) {
	h := New()

	for i := 0; i < replayCapacity+10; i++ {
		h.PublishOutput("t2", fmt.Sprintf("evt-%d", i))
	}

	sub := h.Subscribe("t2")
	if len(sub.Replay) != replayCapacity {
		t.Fatalf("expected ring buffer capped at %d, got %d", replayCapacity, len(sub.Replay))
	}
	if sub.Replay[0].Data != "evt-10" {
		t.Fatalf("expected oldest surviving event to be evt-10, got %s", sub.Replay[0].Data)
	}
	if sub.Replay[len(sub.Replay)-1].Data != fmt.Sprintf("evt-%d", replayCapacity+9) {
		t.Fatalf("unexpected newest replay event: %s", sub.Replay[len(sub.Replay)-1].Data)
	}
}

func TestSlowConsumerIsDroppedWithErrorEvent(t *testing.T) {
	h := New()
	sub := h.Subscribe("t3")

	for i := 0; i < subscriberQueueCapacity+10; i++ {
		h.PublishOutput("t3", fmt.Sprintf("evt-%d", i))
	}

	var lastEvt Event
	drained := 0
	for evt := range sub.Events {
		lastEvt = evt
		drained++
	}

	if drained == 0 {
		t.Fatal("expected at least the slow-consumer error event to be drained")
	}
	if lastEvt.Kind != KindError || lastEvt.Message != "slow consumer" {
		t.Fatalf("expected final event to be a slow consumer error, got %+v", lastEvt)
	}
}

func TestTaskDestroyedWhenTerminatedAndLastSubscriberGone(t *testing.T) {
	h := New()
	sub := h.Subscribe("t4")

	h.MarkTerminated("t4")
	if _, ok := h.get("t4"); !ok {
		t.Fatal("hub should survive while a subscriber remains")
	}

	h.Unsubscribe(sub)
	if _, ok := h.get("t4"); ok {
		t.Fatal("hub should be destroyed once terminated and last subscriber disconnects")
	}
}

func TestTaskSurvivesUnsubscribeIfNotTerminated(t *testing.T) {
	h := New()
	sub := h.Subscribe("t5")

	h.Unsubscribe(sub)
	if _, ok := h.get("t5"); !ok {
		t.Fatal("hub should survive unsubscribe while task has not terminated")
	}
}

func TestMultipleSubscribersEachGetIndependentReplay(t *testing.T) {
	h := New()
	h.PublishOutput("t6", "a")

	sub1 := h.Subscribe("t6")
	h.PublishOutput("t6", "b")
	sub2 := h.Subscribe("t6")

	if len(sub1.Replay) != 1 {
		t.Fatalf("sub1 expected 1 replayed event, got %d", len(sub1.Replay))
	}
	if len(sub2.Replay) != 2 {
		t.Fatalf("sub2 expected 2 replayed events, got %d", len(sub2.Replay))
	}
}
