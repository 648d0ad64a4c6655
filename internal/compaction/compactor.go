package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// ErrNothingToCompact is returned when the history is already within the kept tail.
var ErrNothingToCompact = errors.New("nothing to compact")

// SummaryPrefix starts the text of every summary message.
const SummaryPrefix = "Summary of the earlier conversation:"

// Config controls when and how history is compacted.
type Config struct {
	// Threshold is the context usage ratio above which compaction runs.
	Threshold float64 `yaml:"threshold"`

	// KeepRecent is the number of trailing messages kept verbatim.
	KeepRecent int `yaml:"keep_recent"`

	// ContextWindow is the model's context window in tokens.
	ContextWindow int `yaml:"context_window"`

	// MaxChunkTokens bounds each summarizer request.
	MaxChunkTokens int `yaml:"max_chunk_tokens"`

	// Instructions are passed to the summarizer.
	Instructions string `yaml:"instructions"`
}

// DefaultConfig returns the default compaction settings.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.8,
		KeepRecent:    4,
		ContextWindow: DefaultContextWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = d.Threshold
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	return c
}

// UsageRatio returns tokens as a share of the context window.
func (c Config) UsageRatio(tokens int) float64 {
	c = c.withDefaults()
	return float64(tokens) / float64(c.ContextWindow)
}

// ShouldCompact reports whether tokens exceed the threshold share of the window.
func (c Config) ShouldCompact(tokens int) bool {
	c = c.withDefaults()
	return c.UsageRatio(tokens) > c.Threshold
}

// Result describes one compaction.
type Result struct {
	Messages     []*models.Message
	Summary      string
	Compacted    int
	TokensBefore int
	TokensAfter  int
	// Fallback is set when the summarizer failed and a digest was used.
	Fallback bool
}

// Compactor replaces older history with a summary message.
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	logger     *observability.Logger
	now        func() time.Time
}

// NewCompactor creates a compactor. A nil summarizer always uses the digest.
func NewCompactor(cfg Config, summarizer Summarizer, logger *observability.Logger) *Compactor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Compactor{cfg: cfg.withDefaults(), summarizer: summarizer, logger: logger, now: time.Now}
}

// Config returns the effective settings.
func (c *Compactor) Config() Config {
	return c.cfg
}

// EstimateHistoryTokens estimates the token footprint of a history.
func EstimateHistoryTokens(history []*models.Message) int {
	return EstimateMessagesTokens(FromModels(history))
}

// Compact summarizes everything before the kept tail. The tail starts at a
// user message when one exists in range, so a turn is never split from its
// prompt. The input slice is not modified.
func (c *Compactor) Compact(ctx context.Context, sessionID string, history []*models.Message) (*Result, error) {
	cut := c.cutIndex(history)
	if cut <= 0 {
		return nil, ErrNothingToCompact
	}
	older := FromModels(history[:cut])
	result := &Result{
		Compacted:    cut,
		TokensBefore: EstimateHistoryTokens(history),
	}

	summary, err := c.summarize(ctx, older)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn(ctx, "summarizer failed; using digest", "session_id", sessionID, "error", err)
		summary = Digest(older)
		result.Fallback = true
	}
	result.Summary = summary

	now := c.now()
	msg := models.NewTextMessage(uuid.NewString(), sessionID, models.RoleSystem, uuid.NewString(), SummaryPrefix+"\n"+summary, now)
	result.Messages = make([]*models.Message, 0, len(history)-cut+1)
	result.Messages = append(result.Messages, msg)
	result.Messages = append(result.Messages, history[cut:]...)
	result.TokensAfter = EstimateHistoryTokens(result.Messages)
	return result, nil
}

func (c *Compactor) summarize(ctx context.Context, older []*Message) (string, error) {
	if c.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	return SummarizeWithFallback(ctx, older, c.summarizer, &SummarizationConfig{
		MaxChunkTokens: c.cfg.MaxChunkTokens,
		ContextWindow:  c.cfg.ContextWindow,
		Instructions:   c.cfg.Instructions,
	})
}

func (c *Compactor) cutIndex(history []*models.Message) int {
	cut := len(history) - c.cfg.KeepRecent
	if cut <= 0 {
		return 0
	}
	for i := cut; i > 0; i-- {
		if history[i].Role == models.RoleUser {
			return i
		}
	}
	return cut
}

// FromModels flattens history messages for summarization.
func FromModels(history []*models.Message) []*Message {
	out := make([]*Message, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		msg := &Message{ID: m.ID, Role: string(m.Role), Content: m.Text()}
		var calls, results []string
		for _, call := range m.ToolCalls() {
			calls = append(calls, fmt.Sprintf("%s(%s)", call.ToolName, string(call.Input)))
			switch call.State {
			case models.ToolStateCompleted:
				results = append(results, call.Output)
			case models.ToolStateError, models.ToolStateCancelled:
				results = append(results, "error: "+call.Error)
			}
		}
		msg.ToolCalls = strings.Join(calls, "; ")
		msg.ToolResults = strings.Join(results, "\n")
		out = append(out, msg)
	}
	return out
}

// Digest is the deterministic summary used when no summarizer is available.
func Digest(messages []*Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d earlier messages (~%d tokens) were compacted.\n", len(messages), EstimateMessagesTokens(messages))
	for _, msg := range messages {
		content := strings.Join(strings.Fields(msg.Content), " ")
		fmt.Fprintf(&sb, "- %s: %s", msg.Role, truncateString(content, 160))
		if msg.ToolCalls != "" {
			fmt.Fprintf(&sb, " [tools: %s]", truncateString(msg.ToolCalls, 120))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
