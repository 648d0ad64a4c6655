package testharness

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// UpdateGolden rewrites golden files instead of comparing. Set
// UPDATE_GOLDEN=1 to enable it.
var UpdateGolden = os.Getenv("UPDATE_GOLDEN") == "1"

// Golden compares output against files under a testdata directory.
type Golden struct {
	t    *testing.T
	dir  string
	name string
}

// NewGolden stores files in testdata/golden/<test name>.golden.
func NewGolden(t *testing.T) *Golden {
	t.Helper()
	return NewGoldenAt(t, filepath.Join("testdata", "golden"))
}

// NewGoldenAt stores files in dir.
func NewGoldenAt(t *testing.T, dir string) *Golden {
	t.Helper()
	return &Golden{t: t, dir: dir, name: sanitizeTestName(t.Name())}
}

// Assert compares actual against the test's golden file.
func (g *Golden) Assert(actual string) {
	g.t.Helper()
	g.AssertNamed("", actual)
}

// AssertNamed compares actual against a named golden file of the test.
func (g *Golden) AssertNamed(name, actual string) {
	g.t.Helper()
	path := g.path(name)

	if UpdateGolden {
		if err := os.MkdirAll(g.dir, 0o755); err != nil {
			g.t.Fatalf("create golden dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(actual), 0o644); err != nil {
			g.t.Fatalf("update golden file %s: %v", path, err)
		}
		g.t.Logf("updated golden file: %s", path)
		return
	}

	expected, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			g.t.Fatalf("golden file %s does not exist; rerun with UPDATE_GOLDEN=1\n\nactual:\n%s", path, actual)
		}
		g.t.Fatalf("read golden file %s: %v", path, err)
	}
	if string(expected) != actual {
		g.t.Errorf("golden file mismatch %s\n%s", path, diff(string(expected), actual))
	}
}

func (g *Golden) path(name string) string {
	if name == "" {
		return filepath.Join(g.dir, g.name+".golden")
	}
	return filepath.Join(g.dir, g.name+"_"+name+".golden")
}

func sanitizeTestName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(name)
}

// diff returns the differing lines of two texts, numbered from 1.
func diff(expected, actual string) string {
	exp := strings.Split(expected, "\n")
	act := strings.Split(actual, "\n")
	n := max(len(exp), len(act))

	var b strings.Builder
	for i := 0; i < n; i++ {
		var e, a string
		if i < len(exp) {
			e = exp[i]
		}
		if i < len(act) {
			a = act[i]
		}
		if e != a {
			fmt.Fprintf(&b, "%d:\n- %s\n+ %s\n", i+1, e, a)
		}
	}
	return b.String()
}
