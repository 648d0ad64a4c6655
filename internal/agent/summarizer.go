package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-agentcore/internal/compaction"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

const summarySystemPrompt = "You summarize conversations for an agent that continues the work. " +
	"Keep decisions, open tasks, file paths, identifiers and tool results the agent will need. " +
	"Omit pleasantries. Write plain prose."

// ProviderSummarizer produces compaction summaries with the same model
// provider the turn uses.
type ProviderSummarizer struct {
	provider Provider
	model    string
}

// NewProviderSummarizer creates a summarizer backed by provider.
func NewProviderSummarizer(provider Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// GenerateSummary streams a single tool-less step and collects its text.
func (s *ProviderSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	var prompt strings.Builder
	if config != nil && config.Instructions != "" {
		prompt.WriteString(config.Instructions)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Summarize the following conversation:\n\n")
	prompt.WriteString(compaction.FormatMessagesForSummary(messages))

	now := time.Now()
	req := &StreamRequest{
		Model:  s.model,
		System: summarySystemPrompt,
		Messages: []*models.Message{
			models.NewTextMessage(uuid.NewString(), "", models.RoleUser, uuid.NewString(), prompt.String(), now),
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := s.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return "", ErrStreamIncomplete
			}
			switch ev.Type {
			case EventTextDelta:
				text.WriteString(ev.Delta)
			case EventError:
				if ev.Err != nil {
					return "", ev.Err
				}
				return "", errors.New("summary stream failed")
			case EventFinish:
				summary := strings.TrimSpace(text.String())
				if summary == "" {
					return "", errors.New("empty summary")
				}
				return summary, nil
			}
		}
	}
}
