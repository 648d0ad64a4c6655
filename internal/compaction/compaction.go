// Package compaction shrinks conversation history that no longer fits the
// model's context window. Older messages are summarized in token-bounded
// chunks and replaced by one summary message; recent messages are kept
// verbatim.
package compaction

import (
	"context"
	"fmt"
	"strings"
)

const (
	// CharsPerToken is the approximate character-to-token ratio for estimation.
	CharsPerToken = 4

	// DefaultContextWindow is the fallback context window size in tokens.
	DefaultContextWindow = 100000

	// BaseChunkRatio is the share of the context window one summarization chunk may use.
	BaseChunkRatio = 0.4

	// OversizedThreshold is the share of the context window above which a
	// single message is noted instead of summarized.
	OversizedThreshold = 0.5

	// DefaultSummaryFallback is returned when there is nothing to summarize.
	DefaultSummaryFallback = "No prior history."
)

// Message is the flattened view of a history message used for summarization.
type Message struct {
	ID          string
	Role        string
	Content     string
	ToolCalls   string
	ToolResults string
}

// EstimateTokens estimates a message's token count at ~4 characters per token.
func EstimateTokens(msg *Message) int {
	if msg == nil {
		return 0
	}
	return EstimateTextTokens(len(msg.Content) + len(msg.ToolCalls) + len(msg.ToolResults))
}

// EstimateTextTokens converts a character count to tokens, rounding up.
func EstimateTextTokens(chars int) int {
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens estimates total tokens across messages.
func EstimateMessagesTokens(messages []*Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// ChunkMessagesByMaxTokens splits messages into chunks that each stay within
// maxTokens. A single message larger than maxTokens gets a chunk of its own.
func ChunkMessagesByMaxTokens(messages []*Message, maxTokens int) [][]*Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]*Message{messages}
	}

	var chunks [][]*Message
	var current []*Message
	currentTokens := 0
	for _, msg := range messages {
		tokens := EstimateTokens(msg)
		if tokens > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current, currentTokens = nil, 0
			}
			chunks = append(chunks, []*Message{msg})
			continue
		}
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current, currentTokens = nil, 0
		}
		current = append(current, msg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// IsOversizedForSummary reports whether one message uses more than half the context window.
func IsOversizedForSummary(msg *Message, contextWindow int) bool {
	if msg == nil || contextWindow <= 0 {
		return false
	}
	return float64(EstimateTokens(msg)) > float64(contextWindow)*OversizedThreshold
}

// SummarizationConfig parameterizes a Summarizer call.
type SummarizationConfig struct {
	// MaxChunkTokens bounds each summarization request. Zero derives it from ContextWindow.
	MaxChunkTokens int

	// ContextWindow is the model's context window in tokens.
	ContextWindow int

	// Instructions are extra directions for the summarizer.
	Instructions string
}

// Summarizer condenses messages into prose, usually by calling a model.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error)

// GenerateSummary calls f.
func (f SummarizerFunc) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	return f(ctx, messages, config)
}

// SummarizeChunks summarizes messages chunk by chunk and merges the chunk summaries.
func SummarizeChunks(ctx context.Context, messages []*Message, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if config == nil {
		config = &SummarizationConfig{ContextWindow: DefaultContextWindow}
	}
	maxChunkTokens := config.MaxChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = int(float64(config.ContextWindow) * BaseChunkRatio)
	}

	chunks := ChunkMessagesByMaxTokens(messages, maxChunkTokens)
	if len(chunks) == 1 {
		return summarizer.GenerateSummary(ctx, chunks[0], config)
	}

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		summary, err := summarizer.GenerateSummary(ctx, chunk, config)
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		summaries = append(summaries, summary)
	}
	return mergeSummaries(ctx, summaries, summarizer, config)
}

func mergeSummaries(ctx context.Context, summaries []string, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	merge := make([]*Message, len(summaries))
	for i, s := range summaries {
		merge[i] = &Message{Role: "system", Content: fmt.Sprintf("Chunk %d summary:\n%s", i+1, s)}
	}
	mergeConfig := *config
	mergeConfig.Instructions = "Merge these chunk summaries into a single coherent summary. Preserve key details and chronological order."
	if config.Instructions != "" {
		mergeConfig.Instructions = config.Instructions + "\n\n" + mergeConfig.Instructions
	}
	return summarizer.GenerateSummary(ctx, merge, &mergeConfig)
}

// SummarizeWithFallback summarizes messages, replacing oversized ones with a
// note instead of sending them to the summarizer.
func SummarizeWithFallback(ctx context.Context, messages []*Message, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if config == nil {
		config = &SummarizationConfig{ContextWindow: DefaultContextWindow}
	}

	var normal []*Message
	var notes []string
	for _, msg := range messages {
		if IsOversizedForSummary(msg, config.ContextWindow) {
			notes = append(notes, fmt.Sprintf("[Oversized %s message with %d tokens omitted]", msg.Role, EstimateTokens(msg)))
			continue
		}
		normal = append(normal, msg)
	}

	summary := DefaultSummaryFallback
	if len(normal) > 0 {
		var err error
		summary, err = SummarizeChunks(ctx, normal, summarizer, config)
		if err != nil {
			return "", err
		}
	}
	if len(notes) > 0 {
		summary += "\n\n" + strings.Join(notes, "\n")
	}
	return summary, nil
}

// FormatMessagesForSummary renders messages as a transcript for a summarization prompt.
func FormatMessagesForSummary(messages []*Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s", msg.Role, msg.Content)
		if msg.ToolCalls != "" {
			fmt.Fprintf(&sb, "\n  [Tool calls: %s]", truncateString(msg.ToolCalls, 200))
		}
		if msg.ToolResults != "" {
			fmt.Fprintf(&sb, "\n  [Tool results: %s]", truncateString(msg.ToolResults, 200))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
