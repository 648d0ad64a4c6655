package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-agentcore/internal/compaction"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// Verdict is the enforcer's decision after a step.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictStop     Verdict = "stop"
	VerdictCompact  Verdict = "compact"
)

// ErrContentFiltered is the cause when the model output was filtered.
var ErrContentFiltered = errors.New("response blocked by content filter")

// Decision is the outcome of enforcing one step.
type Decision struct {
	Verdict Verdict
	Reason  string

	// Err is set when the turn must stop with an error.
	Err error

	// Reminder is the text appended when open tasks blocked a stop.
	Reminder string
}

// Enforcer decides whether a turn continues after a step finishes.
type Enforcer struct {
	tasks               *tasks.Writer
	compaction          compaction.Config
	continueAfterDenial bool
	now                 func() time.Time
}

// NewEnforcer creates an enforcer. A nil task writer means no task list
// ever blocks a stop.
func NewEnforcer(writer *tasks.Writer, compactionCfg compaction.Config, continueAfterDenial bool) *Enforcer {
	return &Enforcer{
		tasks:               writer,
		compaction:          compactionCfg,
		continueAfterDenial: continueAfterDenial,
		now:                 time.Now,
	}
}

// Decide inspects a finished step. On a stop blocked by open tasks it
// appends a reminder to msg, which must not be completed yet.
// contextTokens is the current context size used for the length check.
func (e *Enforcer) Decide(ctx context.Context, sessionID string, step StepResult, msg *models.Message, contextTokens int) Decision {
	if step.StreamErr != nil {
		return Decision{Verdict: VerdictStop, Reason: "stream error", Err: step.StreamErr}
	}
	switch step.Finish {
	case models.FinishContentFilter:
		return Decision{Verdict: VerdictStop, Reason: "content filtered", Err: ErrContentFiltered}
	case models.FinishError:
		return Decision{Verdict: VerdictStop, Reason: "model error", Err: errors.New("model reported an error finish")}
	}

	if step.Denied && !e.continueAfterDenial {
		return Decision{Verdict: VerdictStop, Reason: "tool call denied"}
	}

	switch step.Finish {
	case models.FinishToolCalls:
		return Decision{Verdict: VerdictContinue, Reason: "tool calls pending results"}

	case models.FinishStop:
		open, err := e.incomplete(ctx, sessionID)
		if err != nil {
			return Decision{Verdict: VerdictStop, Reason: "task list unavailable", Err: fmt.Errorf("read tasks: %w", err)}
		}
		if len(open) == 0 {
			return Decision{Verdict: VerdictStop, Reason: "complete"}
		}
		reminder := Reminder(open)
		e.appendReminder(msg, reminder)
		return Decision{Verdict: VerdictContinue, Reason: "open tasks", Reminder: reminder}

	case models.FinishLength:
		if e.compaction.ShouldCompact(contextTokens) {
			return Decision{Verdict: VerdictCompact, Reason: "context near limit"}
		}
		return Decision{Verdict: VerdictStop, Reason: "output length"}
	}

	return Decision{Verdict: VerdictStop, Reason: fmt.Sprintf("finish %q", step.Finish)}
}

func (e *Enforcer) incomplete(ctx context.Context, sessionID string) ([]tasks.Item, error) {
	if e.tasks == nil {
		return nil, nil
	}
	return e.tasks.Incomplete(ctx, sessionID)
}

func (e *Enforcer) appendReminder(msg *models.Message, reminder string) {
	if msg == nil {
		return
	}
	if part := msg.LastTextPart(); part != nil {
		part.AppendSynthetic(reminder)
		return
	}
	now := e.now()
	part := &models.Part{ID: uuid.NewString(), Type: models.PartText, StartedAt: now}
	part.Freeze(now)
	part.AppendSynthetic(reminder)
	_ = msg.AddPart(part)
}

// Reminder renders the block appended when the model tries to stop with
// open tasks.
func Reminder(open []tasks.Item) string {
	var b strings.Builder
	b.WriteString("<system-reminder>\nThe task list still has incomplete items. Continue working on them, or update their status with todowrite:\n")
	for _, item := range open {
		fmt.Fprintf(&b, "- [%s] %s", item.Status, item.Content)
		if item.ID != "" {
			fmt.Fprintf(&b, " (id: %s)", item.ID)
		}
		b.WriteString("\n")
	}
	b.WriteString("</system-reminder>")
	return b.String()
}
