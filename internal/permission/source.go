package permission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
)

// Source supplies the current layered rulesets. Implementations must return
// a slice the caller may not mutate concurrently with reloads.
type Source interface {
	Rulesets() []Ruleset
}

// StaticSource is a fixed set of rulesets.
type StaticSource []Ruleset

// Rulesets implements Source.
func (s StaticSource) Rulesets() []Ruleset {
	return s
}

// Sources concatenates the rulesets of several sources in order.
type Sources []Source

// Rulesets implements Source.
func (s Sources) Rulesets() []Ruleset {
	var out []Ruleset
	for _, src := range s {
		if src != nil {
			out = append(out, src.Rulesets()...)
		}
	}
	return out
}

// ruleFile is the on-disk layout of a rules file.
type ruleFile struct {
	Rulesets []Ruleset `yaml:"rulesets" json:"rulesets"`
}

// LoadRulesetsFile reads rulesets from YAML, JSON or JSON5 (chosen by extension)
// and validates them.
func LoadRulesetsFile(path string) ([]Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRulesets(data, path)
}

// ParseRulesets decodes rulesets; pathHint selects the format.
func ParseRulesets(data []byte, pathHint string) ([]Ruleset, error) {
	var file ruleFile
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse rules file: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse rules file: %w", err)
		}
	}
	for _, rs := range file.Rulesets {
		if err := rs.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Rulesets, nil
}

// FileSource serves rulesets from a file and reloads them when it changes.
// Readers always observe a complete, validated set; a bad edit keeps the
// previous rules in effect.
type FileSource struct {
	path    string
	logger  *observability.Logger
	current atomic.Pointer[[]Ruleset]

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onReload func([]Ruleset)
	debounce time.Duration
}

// NewFileSource loads path once. Call Watch to follow changes.
func NewFileSource(path string, logger *observability.Logger) (*FileSource, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	rules, err := LoadRulesetsFile(path)
	if err != nil {
		return nil, err
	}
	s := &FileSource{path: path, logger: logger, debounce: 100 * time.Millisecond}
	s.current.Store(&rules)
	return s, nil
}

// Rulesets implements Source.
func (s *FileSource) Rulesets() []Ruleset {
	return *s.current.Load()
}

// OnReload registers a callback invoked after each successful reload.
func (s *FileSource) OnReload(fn func([]Ruleset)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = fn
}

// Reload re-reads the file, keeping the old rules on failure.
func (s *FileSource) Reload() error {
	rules, err := LoadRulesetsFile(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&rules)
	s.mu.Lock()
	fn := s.onReload
	s.mu.Unlock()
	if fn != nil {
		fn(rules)
	}
	return nil
}

// Watch starts following the file. The parent directory is watched so that
// editors that replace files atomically are still observed.
func (s *FileSource) Watch(ctx context.Context) error {
	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		s.mu.Unlock()
		return err
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	target := filepath.Clean(s.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn(ctx, "permission rules reload failed; keeping previous rules", "path", s.path, "error", err)
				continue
			}
			s.logger.Info(ctx, "permission rules reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "permission rules watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (s *FileSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	watcher := s.watcher
	s.cancel = nil
	s.watcher = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.wg.Wait()
	return err
}
