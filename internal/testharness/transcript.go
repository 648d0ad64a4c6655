package testharness

import (
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// Transcript renders messages as stable text. Timestamps and generated IDs
// are left out so turns can be compared against golden files.
func Transcript(messages []*models.Message) string {
	var b strings.Builder
	WriteTranscript(&b, messages)
	return b.String()
}

// WriteTranscript writes the transcript of messages to w.
func WriteTranscript(w io.Writer, messages []*models.Message) {
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		header := "[" + string(msg.Role) + "]"
		if msg.Finish != "" {
			header += " finish=" + string(msg.Finish)
		}
		if total := msg.Usage.Total(); total > 0 {
			header += fmt.Sprintf(" tokens=%d", total)
		}
		fmt.Fprintln(w, header)

		for _, part := range msg.Parts {
			writePart(w, part)
		}
	}
}

func writePart(w io.Writer, part *models.Part) {
	if part == nil {
		return
	}
	marker := ""
	if part.Synthetic {
		marker = " (synthetic)"
	}
	switch part.Type {
	case models.PartText:
		fmt.Fprintf(w, "  text%s: %s\n", marker, indent(part.Text))
	case models.PartReasoning:
		fmt.Fprintf(w, "  reasoning: %s\n", indent(part.Text))
	case models.PartTool:
		call := part.Tool
		if call == nil {
			return
		}
		fmt.Fprintf(w, "  tool %s %s [%s]", call.ToolName, call.CallID, call.State)
		if len(call.Input) > 0 {
			fmt.Fprintf(w, " %s", call.Input)
		}
		fmt.Fprintln(w)
		switch {
		case call.Error != "":
			fmt.Fprintf(w, "    error: %s\n", indent(call.Error))
		case call.Output != "":
			suffix := ""
			if call.Truncated {
				suffix = " (truncated)"
			}
			fmt.Fprintf(w, "    output%s: %s\n", suffix, indent(call.Output))
		}
	}
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n    | ")
}
