package testharness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeTestName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"TestSimple", "TestSimple"},
		{"Test/WithSlash", "Test_WithSlash"},
		{"Complex:Test/Name Here", "Complex_Test_Name_Here"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeTestName(tt.input); got != tt.want {
				t.Errorf("sanitizeTestName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	if d := diff("a\nb", "a\nb"); d != "" {
		t.Fatalf("identical texts diff = %q", d)
	}
	d := diff("a\nold\nc", "a\nnew\nc\nd")
	if !strings.Contains(d, "2:\n- old\n+ new") || !strings.Contains(d, "4:\n- \n+ d") {
		t.Fatalf("diff = %q", d)
	}
}

func TestGoldenAt(t *testing.T) {
	dir := t.TempDir()
	g := NewGoldenAt(t, dir)
	path := filepath.Join(dir, "TestGoldenAt_named.golden")
	if err := os.WriteFile(path, []byte("expected"), 0o644); err != nil {
		t.Fatal(err)
	}
	g.AssertNamed("named", "expected")
}
