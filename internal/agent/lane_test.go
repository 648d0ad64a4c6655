package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLanesRunInputsInOrder(t *testing.T) {
	gate := make(chan struct{})
	first := textStep("first answer")
	first.gate = gate
	provider := newScriptProvider(first, textStep("second answer"))
	h := newHarness(t, provider, nil)
	lanes := NewLanes(h.ctrl)

	var mu sync.Mutex
	var statuses []models.SessionStatus
	lanes.OnStatus(func(_ string, s models.SessionStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	state := newState("s1")
	ctx := context.Background()
	a := lanes.Submit(ctx, state, Input{Text: "one"})
	waitFor(t, func() bool { return len(provider.Requests()) == 1 })

	b := lanes.Submit(ctx, state, Input{Text: "two"})
	if got := lanes.Pending("s1"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if got := lanes.Status("s1"); got != models.SessionBusy {
		t.Fatalf("status = %s, want busy", got)
	}
	close(gate)

	ra, rb := <-a, <-b
	if ra.Err != nil || rb.Err != nil {
		t.Fatalf("errors: %v, %v", ra.Err, rb.Err)
	}
	if ra.Result.Text() != "first answer" || rb.Result.Text() != "second answer" {
		t.Fatalf("results = %q, %q", ra.Result.Text(), rb.Result.Text())
	}

	second := provider.Requests()[1].Messages
	if len(second) != 3 || second[2].Text() != "two" || second[1].Text() != "first answer" {
		t.Fatalf("second turn should see the first turn's history, got %d messages", len(second))
	}

	lanes.Wait()
	if got := lanes.Status("s1"); got != models.SessionIdle {
		t.Fatalf("status after drain = %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[0] != models.SessionBusy || statuses[len(statuses)-1] != models.SessionIdle {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestLanesCancel(t *testing.T) {
	held := scriptStep{events: []StreamEvent{{Type: EventTextDelta, ID: "t1", Delta: "thinking..."}}, hold: true}
	provider := newScriptProvider(held, textStep("next"))
	h := newHarness(t, provider, nil)
	lanes := NewLanes(h.ctrl)
	state := newState("s1")

	a := lanes.Submit(context.Background(), state, Input{Text: "long"})
	waitFor(t, func() bool { return len(provider.Requests()) == 1 })
	b := lanes.Submit(context.Background(), state, Input{Text: "after"})

	if !lanes.Cancel("s1") {
		t.Fatal("Cancel should report a running turn")
	}
	ra := <-a
	var te *TurnError
	if !errors.As(ra.Err, &te) || te.Category != CategoryCancelled {
		t.Fatalf("err = %v", ra.Err)
	}
	if rb := <-b; rb.Err != nil || rb.Result.Text() != "next" {
		t.Fatalf("queued input should still run: %+v", rb)
	}
	lanes.Wait()
	if lanes.Cancel("s1") {
		t.Fatal("nothing is running")
	}
}

func TestLanesRejectsMissingSession(t *testing.T) {
	h := newHarness(t, newScriptProvider(), nil)
	res := <-NewLanes(h.ctrl).Submit(context.Background(), nil, Input{Text: "x"})
	var te *TurnError
	if !errors.As(res.Err, &te) || te.Category != CategoryFatal {
		t.Fatalf("err = %v", res.Err)
	}
}
