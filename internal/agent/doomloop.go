package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DefaultDoomLoopThreshold is how many identical finished calls in a row
// force the next identical call through approval.
const DefaultDoomLoopThreshold = 3

// DoomLoopDetector watches for a model repeating the same tool call with the
// same arguments. It is scoped to one session so the history spans steps.
type DoomLoopDetector struct {
	mu        sync.Mutex
	threshold int
	recent    []loopEntry
}

type loopEntry struct {
	callID    string
	signature string
	terminal  bool
}

// NewDoomLoopDetector creates a detector. A non-positive threshold uses
// DefaultDoomLoopThreshold.
func NewDoomLoopDetector(threshold int) *DoomLoopDetector {
	if threshold <= 0 {
		threshold = DefaultDoomLoopThreshold
	}
	return &DoomLoopDetector{threshold: threshold}
}

// Signature hashes the tool name and canonicalized arguments. Arguments
// that differ only in key order or whitespace share a signature.
func Signature(name string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("{}")
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return trimmed
	}
	// encoding/json sorts map keys.
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

// Check reports whether a call with this signature would extend a loop:
// the last threshold recorded calls all share it and have all finished.
func (d *DoomLoopDetector) Check(signature string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.recent) < d.threshold {
		return false
	}
	for _, e := range d.recent[len(d.recent)-d.threshold:] {
		if e.signature != signature || !e.terminal {
			return false
		}
	}
	return true
}

// Record appends a call to the history.
func (d *DoomLoopDetector) Record(callID, signature string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, loopEntry{callID: callID, signature: signature})
	if over := len(d.recent) - 4*d.threshold; over > 0 {
		d.recent = append([]loopEntry(nil), d.recent[over:]...)
	}
}

// MarkTerminal records that the call reached a terminal state.
func (d *DoomLoopDetector) MarkTerminal(callID string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.recent) - 1; i >= 0; i-- {
		if d.recent[i].callID == callID {
			d.recent[i].terminal = true
			return
		}
	}
}

// Reset clears the history.
func (d *DoomLoopDetector) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = nil
}
