package sockguard

import (
	"sync"
)

// Policy is the switch consulted before a socket is created: a disabled
// flag plus the hosts that stay reachable while disabled.
//
// A Policy is shared by every test in the process. The mutex only keeps
// reads from dialing goroutines memory safe; tests that run in parallel
// with different directives still race on the switch itself.
type Policy struct {
	mu       sync.RWMutex
	disabled bool
	allowed  []allowRule
}

// State is a snapshot of a Policy.
type State struct {
	Disabled bool       `yaml:"disabled" json:"disabled"`
	Allowed  []HostPort `yaml:"allowed,omitempty" json:"allowed,omitempty"`
}

// NewPolicy returns a policy with sockets enabled.
func NewPolicy() *Policy {
	return &Policy{}
}

// Disable blocks socket creation, except for the given hosts. The allow-list
// is replaced, not extended.
func (p *Policy) Disable(allowed ...HostPort) {
	rules := make([]allowRule, 0, len(allowed))
	for _, h := range allowed {
		rules = append(rules, compileAllowRule(h))
	}

	p.mu.Lock()
	p.disabled = true
	p.allowed = rules
	p.mu.Unlock()
}

// Enable permits socket creation and clears the allow-list.
func (p *Policy) Enable() {
	p.mu.Lock()
	p.disabled = false
	p.allowed = nil
	p.mu.Unlock()
}

// IsDisabled reports whether sockets are blocked.
func (p *Policy) IsDisabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.disabled
}

// IsHostAllowed reports whether host:port is on the allow-list.
func (p *Policy) IsHostAllowed(host string, port int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.allowed {
		if r.matches(host, port) {
			return true
		}
	}
	return false
}

// Allowed returns a copy of the allow-list.
func (p *Policy) Allowed() []HostPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.allowed) == 0 {
		return nil
	}
	out := make([]HostPort, len(p.allowed))
	for i, r := range p.allowed {
		out[i] = r.entry
	}
	return out
}

// State captures the policy for a later Restore.
func (p *Policy) State() State {
	return State{Disabled: p.IsDisabled(), Allowed: p.Allowed()}
}

// Restore puts the policy back into a previously captured state.
func (p *Policy) Restore(s State) {
	if s.Disabled {
		p.Disable(s.Allowed...)
		return
	}
	p.Enable()
}

// permits reports whether a socket to host:port may be created.
func (p *Policy) permits(host string, port int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.disabled {
		return true
	}
	if host == "" {
		return false
	}
	for _, r := range p.allowed {
		if r.matches(host, port) {
			return true
		}
	}
	return false
}

var std = NewPolicy()

// Default returns the process-wide policy.
func Default() *Policy { return std }

// Enable permits socket creation on the process-wide policy.
func Enable() { std.Enable() }

// Disable blocks socket creation on the process-wide policy.
func Disable(allowed ...HostPort) { std.Disable(allowed...) }

// IsDisabled reports whether the process-wide policy blocks sockets.
func IsDisabled() bool { return std.IsDisabled() }

// IsHostAllowed reports whether host:port is on the process-wide allow-list.
func IsHostAllowed(host string, port int) bool { return std.IsHostAllowed(host, port) }
