package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/nexus-agentcore/internal/artifacts"
)

const (
	// DefaultMaxOutputBytes bounds tool output returned to the model.
	DefaultMaxOutputBytes = 50 * 1024

	// DefaultMaxOutputLines bounds tool output line count.
	DefaultMaxOutputLines = 2000

	minOutputBytes = 256
	minOutputLines = 3
)

// sentinelRegex matches the marker appended to truncated output.
var sentinelRegex = regexp.MustCompile(`\n\n\[output truncated: [^\n]*\]$`)

// TruncateConfig sets output budgets.
type TruncateConfig struct {
	MaxBytes int `yaml:"max_bytes"`
	MaxLines int `yaml:"max_lines"`
}

// Truncation is the outcome of fitting output into the budget.
type Truncation struct {
	Output    string
	Truncated bool

	// Ref names the stored full output; empty when nothing was stored.
	Ref string

	// Offset is the byte offset in the full output where the kept
	// prefix ends, for resuming with read_output.
	Offset int
}

// Truncator fits tool output into a byte and line budget, storing the full
// output so the model can page through it.
type Truncator struct {
	maxBytes int
	maxLines int
	store    artifacts.Store
}

// NewTruncator creates a truncator. A nil store truncates without keeping
// the full output.
func NewTruncator(cfg TruncateConfig, store artifacts.Store) *Truncator {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxOutputBytes
	}
	if cfg.MaxBytes < minOutputBytes {
		cfg.MaxBytes = minOutputBytes
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxOutputLines
	}
	if cfg.MaxLines < minOutputLines {
		cfg.MaxLines = minOutputLines
	}
	return &Truncator{maxBytes: cfg.MaxBytes, maxLines: cfg.MaxLines, store: store}
}

// Store returns the backing output store, if any.
func (t *Truncator) Store() artifacts.Store {
	return t.store
}

// Fits reports whether output is within both budgets.
func (t *Truncator) Fits(output string) bool {
	return len(output) <= t.maxBytes && countLines(output) <= t.maxLines
}

// Apply truncates output that exceeds the budget. The result fits the
// budget whenever the marker does, which holds for the built-in stores'
// refs at the minimum budget. Output that already carries the marker after
// a kept prefix within budget is returned unchanged, so applying twice is
// the same as applying once.
func (t *Truncator) Apply(ctx context.Context, output string) (Truncation, error) {
	if t.Fits(output) {
		return Truncation{Output: output, Truncated: sentinelRegex.MatchString(output)}, nil
	}
	if loc := sentinelRegex.FindStringIndex(output); loc != nil && t.Fits(output[:loc[0]]) {
		return Truncation{Output: output, Truncated: true}, nil
	}

	var ref string
	if t.store != nil {
		stored, err := t.store.Put(ctx, []byte(output))
		if err != nil {
			return Truncation{}, fmt.Errorf("store full output: %w", err)
		}
		ref = stored
	}

	// The marker costs two lines ("\n\n[...]").
	head := firstLines(output, t.maxLines-2)
	marker := sentinel(ref, len(head), len(output))
	for len(head) > 0 && len(head)+len(marker) > t.maxBytes {
		budget := t.maxBytes - len(marker)
		if budget < 0 {
			budget = 0
		}
		head = cutUTF8(head, budget)
		marker = sentinel(ref, len(head), len(output))
	}

	return Truncation{
		Output:    head + marker,
		Truncated: true,
		Ref:       ref,
		Offset:    len(head),
	}, nil
}

func sentinel(ref string, kept, total int) string {
	if ref == "" {
		return fmt.Sprintf("\n\n[output truncated: showing %d of %d bytes]", kept, total)
	}
	return fmt.Sprintf("\n\n[output truncated: showing %d of %d bytes; continue with read_output ref=%s offset=%d]",
		kept, total, ref, kept)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// firstLines returns the prefix of s holding at most n lines, without the
// trailing newline.
func firstLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	idx := 0
	for i := 0; i < n; i++ {
		next := strings.IndexByte(s[idx:], '\n')
		if next < 0 {
			return s
		}
		idx += next + 1
	}
	return s[:idx-1]
}

// cutUTF8 shortens s to at most n bytes without splitting a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
