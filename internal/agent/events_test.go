package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

func TestEmitterSequenceIsMonotonic(t *testing.T) {
	sink := &RecordingSink{}
	emit := NewEmitter(sink, "s1", "turn1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emit.RetryScheduled(ctx, 1, models.RetryEventPayload{Attempt: 1})
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, ev := range sink.Events() {
		if seen[ev.Sequence] {
			t.Fatalf("duplicate sequence %d", ev.Sequence)
		}
		seen[ev.Sequence] = true
		if ev.Version != 1 || ev.SessionID != "s1" || ev.TurnID != "turn1" {
			t.Fatalf("event = %+v", ev)
		}
	}
	for i := uint64(1); i <= 50; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence %d", i)
		}
	}
}

func TestEmitterClonesPayloads(t *testing.T) {
	sink := &RecordingSink{}
	emit := NewEmitter(sink, "s1", "turn1")
	part := &models.Part{ID: "p1", Type: models.PartText, Text: "before"}

	emit.PartCreated(context.Background(), "m1", 1, part)
	part.Text = "after"

	got := sink.OfType(models.AgentEventPartCreated)
	if len(got) != 1 || got[0].Part.Text != "before" {
		t.Fatalf("event observed later mutation: %+v", got)
	}
	if got[0].MessageID != "m1" || got[0].Step != 1 {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	ch := make(chan models.AgentEvent, 1)
	sink := NewChanSink(ch)
	ctx := context.Background()

	sink.Emit(ctx, models.AgentEvent{Sequence: 1})
	sink.Emit(ctx, models.AgentEvent{Sequence: 2})

	if got := (<-ch).Sequence; got != 1 {
		t.Fatalf("got sequence %d", got)
	}
	select {
	case ev := <-ch:
		t.Fatalf("second event should have been dropped, got %d", ev.Sequence)
	default:
	}
}

func TestMultiSinkSkipsNil(t *testing.T) {
	a, b := &RecordingSink{}, &RecordingSink{}
	var calls int
	sink := NewMultiSink(a, nil, b, NewCallbackSink(func(context.Context, models.AgentEvent) { calls++ }))
	sink.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventTurnFinished})

	if len(a.Events()) != 1 || len(b.Events()) != 1 || calls != 1 {
		t.Fatalf("fan-out a=%d b=%d callback=%d", len(a.Events()), len(b.Events()), calls)
	}
}
