package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-agentcore/internal/artifacts"
)

func newMemoryStore(t *testing.T) artifacts.Store {
	t.Helper()
	store, err := artifacts.NewMemoryStore(8<<20, 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %04d", i)
	}
	return strings.Join(lines, "\n")
}

func TestTruncatorBudgets(t *testing.T) {
	tests := []struct {
		name      string
		cfg       TruncateConfig
		input     string
		truncated bool
	}{
		{name: "fits", cfg: TruncateConfig{MaxBytes: 1024, MaxLines: 10}, input: "short\noutput"},
		{name: "too many bytes", cfg: TruncateConfig{MaxBytes: 1024, MaxLines: 1000}, input: strings.Repeat("x", 5000), truncated: true},
		{name: "too many lines", cfg: TruncateConfig{MaxBytes: 1 << 20, MaxLines: 20}, input: numberedLines(100), truncated: true},
		{name: "both", cfg: TruncateConfig{MaxBytes: 512, MaxLines: 20}, input: numberedLines(500), truncated: true},
		{name: "multibyte", cfg: TruncateConfig{MaxBytes: 300, MaxLines: 100}, input: strings.Repeat("é", 1000), truncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTruncator(tt.cfg, newMemoryStore(t))
			got, err := tr.Apply(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got.Truncated != tt.truncated {
				t.Fatalf("Truncated = %v, want %v", got.Truncated, tt.truncated)
			}
			if !tr.Fits(got.Output) {
				t.Errorf("output does not fit: %d bytes, %d lines", len(got.Output), countLines(got.Output))
			}
			if !tt.truncated {
				if got.Output != tt.input || got.Ref != "" {
					t.Errorf("untruncated output changed")
				}
				return
			}
			if !sentinelRegex.MatchString(got.Output) {
				t.Errorf("missing sentinel: %q", got.Output[len(got.Output)-80:])
			}
			if !strings.HasPrefix(tt.input, got.Output[:got.Offset]) {
				t.Error("kept prefix is not a prefix of the input")
			}
			if !strings.Contains(got.Output, "ref="+got.Ref) || !strings.Contains(got.Output, fmt.Sprintf("offset=%d]", got.Offset)) {
				t.Errorf("sentinel does not name ref and offset: %q", got.Output[got.Offset:])
			}

			chunk, err := tr.Store().Read(context.Background(), got.Ref, 0, 0)
			if err != nil {
				t.Fatalf("stored output: %v", err)
			}
			if string(chunk.Data) != tt.input {
				t.Error("stored output differs from input")
			}
		})
	}
}

func TestTruncatorIdempotent(t *testing.T) {
	tr := NewTruncator(TruncateConfig{MaxBytes: 1024, MaxLines: 50}, newMemoryStore(t))
	ctx := context.Background()

	first, err := tr.Apply(ctx, numberedLines(1000))
	if err != nil {
		t.Fatal(err)
	}
	second, err := tr.Apply(ctx, first.Output)
	if err != nil {
		t.Fatal(err)
	}
	if second.Output != first.Output {
		t.Error("second Apply changed output")
	}
	if !second.Truncated || second.Ref != "" {
		t.Errorf("second Apply = truncated %v ref %q, want marker recognised without new ref", second.Truncated, second.Ref)
	}
}

// longRefStore hands out refs longer than the smallest budget.
type longRefStore struct {
	artifacts.Store
	puts int
}

func (s *longRefStore) Put(ctx context.Context, data []byte) (string, error) {
	s.puts++
	ref, err := s.Store.Put(ctx, data)
	return strings.Repeat("r", 300) + ref, err
}

func TestTruncatorIdempotentWithOversizedMarker(t *testing.T) {
	store := &longRefStore{Store: newMemoryStore(t)}
	tr := NewTruncator(TruncateConfig{MaxBytes: 1}, store)
	ctx := context.Background()

	first, err := tr.Apply(ctx, strings.Repeat("z", 4000))
	if err != nil {
		t.Fatal(err)
	}
	second, err := tr.Apply(ctx, first.Output)
	if err != nil {
		t.Fatal(err)
	}
	if second.Output != first.Output || !second.Truncated {
		t.Errorf("second Apply changed output:\n%q\n%q", first.Output, second.Output)
	}
	if store.puts != 1 {
		t.Errorf("store.Put called %d times, want 1", store.puts)
	}
}

func TestTruncatorMarkerFitsMinimumBudget(t *testing.T) {
	tr := NewTruncator(TruncateConfig{MaxBytes: 1, MaxLines: 1}, newMemoryStore(t))
	got, err := tr.Apply(context.Background(), strings.Repeat("w", 100000))
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Fits(got.Output) || got.Ref == "" {
		t.Errorf("Apply() = %q (%d bytes), want a marker with ref within %d bytes", got.Output, len(got.Output), minOutputBytes)
	}
}

func TestTruncatorWithoutStore(t *testing.T) {
	tr := NewTruncator(TruncateConfig{MaxBytes: 300}, nil)
	got, err := tr.Apply(context.Background(), strings.Repeat("y", 1000))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Truncated || got.Ref != "" || !tr.Fits(got.Output) {
		t.Errorf("Apply() = %+v", got)
	}
	if strings.Contains(got.Output, "read_output") {
		t.Error("marker points at read_output without a store")
	}
}

func TestReadOutputPagesThroughStoredOutput(t *testing.T) {
	tr := NewTruncator(TruncateConfig{MaxBytes: 1024, MaxLines: 40}, newMemoryStore(t))
	ctx := context.Background()
	input := numberedLines(300)

	first, err := tr.Apply(ctx, input)
	if err != nil {
		t.Fatal(err)
	}

	tool := NewReadOutputTool(tr)
	r := NewRegistry(nil)
	if err := r.RegisterBuiltin(tool); err != nil {
		t.Fatal(err)
	}

	var rebuilt strings.Builder
	rebuilt.WriteString(input[:first.Offset])
	offset := int64(first.Offset)
	for pages := 0; pages < 1000; pages++ {
		args, _ := json.Marshal(ReadOutputArgs{Ref: first.Ref, Offset: offset})
		res, err := r.Execute(ctx, "read_output", args, nil)
		if err != nil {
			t.Fatalf("read_output: %v", err)
		}
		if !tr.Fits(res.Output) {
			t.Fatalf("page does not fit the budget: %d bytes %d lines", len(res.Output), countLines(res.Output))
		}
		next := res.Metadata["next"].(int64)
		rebuilt.WriteString(input[offset:next])
		offset = next
		if res.Metadata["eof"].(bool) {
			break
		}
	}
	if rebuilt.String() != input {
		t.Error("pages do not reassemble the full output")
	}
}

func TestReadOutputMissingRef(t *testing.T) {
	tr := NewTruncator(TruncateConfig{}, newMemoryStore(t))
	tool := NewReadOutputTool(tr)
	args, _ := json.Marshal(ReadOutputArgs{Ref: "out_00000000-0000-0000-0000-000000000000"})
	if _, err := tool.Execute(context.Background(), args, nil); err == nil || !strings.Contains(err.Error(), "no longer available") {
		t.Errorf("Execute() error = %v", err)
	}
}
