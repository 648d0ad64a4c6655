package agent

import (
	"sync"
	"time"
)

// Credential is one auth profile for a provider.
type Credential struct {
	ID      string `yaml:"id" json:"id"`
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// String hides the key.
func (c Credential) String() string {
	return "credential(" + c.ID + ")"
}

// DefaultCredentialCooldown is how long a failed credential is skipped.
const DefaultCredentialCooldown = time.Minute

// CredentialPool holds ordered credential profiles. The current profile is
// used until it fails; Rotate then advances to the next one that is not
// cooling down.
type CredentialPool struct {
	mu       sync.Mutex
	creds    []Credential
	current  int
	cooldown map[string]time.Time
	duration time.Duration
	now      func() time.Time
}

// NewCredentialPool creates a pool. A non-positive cooldown uses the default.
func NewCredentialPool(creds []Credential, cooldown time.Duration) *CredentialPool {
	if cooldown <= 0 {
		cooldown = DefaultCredentialCooldown
	}
	return &CredentialPool{
		creds:    append([]Credential(nil), creds...),
		cooldown: make(map[string]time.Time),
		duration: cooldown,
		now:      time.Now,
	}
}

// Len returns the number of profiles.
func (p *CredentialPool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Current returns the active profile.
func (p *CredentialPool) Current() (*Credential, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return nil, false
	}
	c := p.creds[p.current]
	return &c, true
}

// Rotate puts the current profile on cooldown and advances to the next
// available one. It returns false when every other profile is cooling down,
// in which case the current profile is kept.
func (p *CredentialPool) Rotate() (*Credential, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.creds)
	if n == 0 {
		return nil, false
	}
	now := p.now()
	p.cooldown[p.creds[p.current].ID] = now.Add(p.duration)
	for step := 1; step < n; step++ {
		idx := (p.current + step) % n
		if until, ok := p.cooldown[p.creds[idx].ID]; ok && now.Before(until) {
			continue
		}
		p.current = idx
		c := p.creds[idx]
		return &c, true
	}
	return nil, false
}

// Reset clears all cooldowns.
func (p *CredentialPool) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown = make(map[string]time.Time)
}
