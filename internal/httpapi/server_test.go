package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// holdProvider streams one delta and then blocks until the turn is cancelled.
type holdProvider struct {
	started chan struct{}
}

func (p *holdProvider) Name() string { return "hold" }

func (p *holdProvider) Stream(ctx context.Context, _ *agent.StreamRequest) (<-chan agent.StreamEvent, error) {
	ch := make(chan agent.StreamEvent, 1)
	go func() {
		defer close(ch)
		ch <- agent.StreamEvent{Type: agent.EventTextDelta, ID: "t1", Delta: "working"}
		select {
		case p.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// mapSessions hands out one state per session id.
type mapSessions struct {
	mu     sync.Mutex
	states map[string]*agent.SessionState
}

func (m *mapSessions) Session(id string) *agent.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]*agent.SessionState)
	}
	if st, ok := m.states[id]; ok {
		return st
	}
	st := agent.NewSessionState(&models.Session{ID: id, AgentID: "main", Status: models.SessionIdle})
	m.states[id] = st
	return st
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitPending(t *testing.T, m *permission.ApprovalManager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := m.Get(id); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("approval %s never registered", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.ActiveTurns.Set(2)
	h := New(Config{}, Deps{Gatherer: reg}).Handler()

	w := do(t, h, "GET", "/healthz", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", w.Header().Get("Content-Type"))
	}

	w = do(t, h, "GET", "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "agentcore_active_turns 2") {
		t.Fatalf("metrics = %d %s", w.Code, w.Body.String())
	}

	if w := do(t, h, "GET", "/v1/approvals", nil); w.Code != http.StatusNotFound {
		t.Fatalf("approvals without a manager should not be mounted, got %d", w.Code)
	}
}

func TestApprovalDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision string
		reply    permission.Reply
		status   permission.ApprovalStatus
	}{
		{name: "allow once", decision: "allow_once", reply: permission.ReplyAllowOnce, status: permission.ApprovalStatusApproved},
		{name: "allow always", decision: "allow-always", reply: permission.ReplyAllowAlways, status: permission.ApprovalStatusApproved},
		{name: "deny", decision: "deny", reply: permission.ReplyDeny, status: permission.ApprovalStatusDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := permission.NewApprovalManager()
			h := New(Config{}, Deps{Approvals: m}).Handler()

			replies := make(chan permission.Reply, 1)
			go func() {
				reply, _ := m.RequestApproval(context.Background(), permission.ApprovalRequest{
					ID: "apr_1", SessionID: "s1", CallID: "c1", ToolName: "bash", Patterns: []string{"rm -rf /"},
				})
				replies <- reply
			}()
			waitPending(t, m, "apr_1")

			w := do(t, h, "GET", "/v1/approvals", nil)
			var pending []permission.PendingApproval
			if err := json.NewDecoder(w.Body).Decode(&pending); err != nil {
				t.Fatal(err)
			}
			if len(pending) != 1 || pending[0].ToolName != "bash" {
				t.Fatalf("pending = %+v", pending)
			}

			w = do(t, h, "POST", "/v1/approvals/apr_1", DecisionRequest{Decision: tt.decision, Actor: "ops", Reason: "no"})
			if w.Code != http.StatusOK {
				t.Fatalf("decide = %d %s", w.Code, w.Body.String())
			}
			var decided permission.PendingApproval
			if err := json.NewDecoder(w.Body).Decode(&decided); err != nil {
				t.Fatal(err)
			}
			if decided.Status != tt.status || decided.DecidedBy != "ops" {
				t.Fatalf("decided = %+v", decided)
			}

			select {
			case reply := <-replies:
				if reply != tt.reply {
					t.Fatalf("reply = %s, want %s", reply, tt.reply)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("requester not released")
			}

			if w := do(t, h, "POST", "/v1/approvals/apr_1", DecisionRequest{Decision: "deny"}); w.Code != http.StatusConflict {
				t.Fatalf("second decision = %d", w.Code)
			}
		})
	}
}

func TestApprovalErrors(t *testing.T) {
	m := permission.NewApprovalManager()
	h := New(Config{BodyLimit: 64}, Deps{Approvals: m}).Handler()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown id", path: "/v1/approvals/missing", body: `{"decision":"deny"}`, want: http.StatusNotFound},
		{name: "bad decision", path: "/v1/approvals/missing", body: `{"decision":"maybe"}`, want: http.StatusBadRequest},
		{name: "bad json", path: "/v1/approvals/missing", body: `{`, want: http.StatusBadRequest},
		{name: "too large", path: "/v1/approvals/missing", body: `{"decision":"deny","reason":"` + strings.Repeat("x", 200) + `"}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Fatalf("error body = %+v, %v", resp, err)
			}
		})
	}

	if w := do(t, h, "GET", "/v1/approvals/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get missing = %d", w.Code)
	}
}

func TestSessionTasks(t *testing.T) {
	writer := tasks.NewWriter(nil, nil)
	_, err := writer.Write(context.Background(), "s1", []tasks.Item{
		{Content: "write code", Status: tasks.StatusCompleted},
		{Content: "write docs", Status: tasks.StatusPending},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	h := New(Config{}, Deps{Tasks: writer}).Handler()

	w := do(t, h, "GET", "/v1/sessions/s1/tasks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp TasksResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 2 || resp.Incomplete != 1 || resp.Items[0].ID == "" {
		t.Fatalf("resp = %+v", resp)
	}

	w = do(t, h, "GET", "/v1/sessions/empty/tasks", nil)
	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Fatalf("empty list body = %s", w.Body.String())
	}
}

func TestSessionStatusAndCancel(t *testing.T) {
	provider := &holdProvider{started: make(chan struct{}, 1)}
	ctrl, err := agent.NewController(agent.Options{Provider: provider})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	lanes := agent.NewLanes(ctrl)
	subs := agent.NewSubagents(ctrl, 0)
	h := New(Config{}, Deps{Lanes: lanes, Subagents: subs}).Handler()

	if w := do(t, h, "POST", "/v1/sessions/s1/cancel", nil); w.Code != http.StatusConflict {
		t.Fatalf("cancel idle = %d", w.Code)
	}

	state := agent.NewSessionState(&models.Session{ID: "s1", AgentID: "main", Status: models.SessionIdle})
	done := lanes.Submit(context.Background(), state, agent.Input{Text: "go"})
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	w := do(t, h, "GET", "/v1/sessions/s1", nil)
	var status SessionStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != models.SessionBusy {
		t.Fatalf("status = %+v", status)
	}

	if w := do(t, h, "POST", "/v1/sessions/s1/cancel", nil); w.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d", w.Code)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn not cancelled")
	}
	lanes.Wait()

	w = do(t, h, "GET", "/v1/sessions/s1/subagents", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("subagents = %d %s", w.Code, w.Body.String())
	}
}

func TestSubmitMessage(t *testing.T) {
	provider := &holdProvider{started: make(chan struct{}, 1)}
	ctrl, err := agent.NewController(agent.Options{Provider: provider})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	lanes := agent.NewLanes(ctrl)
	sessions := &mapSessions{}
	h := New(Config{}, Deps{Lanes: lanes, Sessions: sessions}).Handler()

	if w := do(t, h, "POST", "/v1/sessions/s1/messages", agent.Input{Text: "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty input = %d", w.Code)
	}

	w := do(t, h, "POST", "/v1/sessions/s1/messages", agent.Input{Text: "hello"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d %s", w.Code, w.Body.String())
	}
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted turn never started")
	}
	if w := do(t, h, "POST", "/v1/sessions/s1/cancel", nil); w.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d", w.Code)
	}
	lanes.Wait()

	if got := lanes.Status("s1"); got != models.SessionIdle {
		t.Fatalf("status after cancel = %s", got)
	}
}
