package sockguardtest

import (
	"strings"
	"testing"

	"github.com/agentsh/sockguard/pkg/sockguard"
)

// Scope is the socket state of one test for as long as it runs.
type Scope struct {
	t      testing.TB
	parent *Scope

	directive      sockguard.Directive
	fixture        sockguard.Fixture
	fixtureAllowed []sockguard.HostPort
	resolution     sockguard.Resolution
}

// Directive returns the directive in force for the test: its own, or the
// nearest enclosing test's when it has none.
func (s *Scope) Directive() sockguard.Directive {
	for c := s; c != nil; c = c.parent {
		if c.directive != sockguard.Inherit {
			return c.directive
		}
	}
	return sockguard.Inherit
}

// Fixture returns the fixture called in the test body.
func (s *Scope) Fixture() sockguard.Fixture { return s.fixture }

// effectiveFixture returns the test's own fixture, or the nearest enclosing
// test's when it has none, together with that fixture's allowed hosts.
func (s *Scope) effectiveFixture() (sockguard.Fixture, []sockguard.HostPort) {
	for c := s; c != nil; c = c.parent {
		if c.fixture != sockguard.FixtureNone {
			return c.fixture, c.fixtureAllowed
		}
	}
	return sockguard.FixtureNone, nil
}

// Resolution is the decision last applied for the test.
func (s *Scope) Resolution() sockguard.Resolution { return s.resolution }

// Mark attaches a directive to t. It takes effect immediately and is undone
// when t finishes. Inherit picks up a directive configured for t's name, or
// the enclosing test's.
func (h *Harness) Mark(t testing.TB, d sockguard.Directive) *Scope {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.scopeLocked(t)
	if d != sockguard.Inherit {
		s.directive = d
	}
	h.applyLocked(s)
	return s
}

// SocketEnabled enables sockets for the rest of t. A directive on t
// outranks it.
func (h *Harness) SocketEnabled(t testing.TB) {
	t.Helper()
	h.setFixture(t, sockguard.FixtureEnabled, nil)
}

// SocketDisabled blocks sockets for the rest of t, except for allowed (the
// global allow-list when empty). A directive on t outranks it.
func (h *Harness) SocketDisabled(t testing.TB, allowed ...sockguard.HostPort) {
	t.Helper()
	h.setFixture(t, sockguard.FixtureDisabled, allowed)
}

func (h *Harness) setFixture(t testing.TB, f sockguard.Fixture, allowed []sockguard.HostPort) {
	t.Helper()
	h.mu.Lock()
	s := h.scopeLocked(t)
	s.fixture = f
	s.fixtureAllowed = allowed
	h.applyLocked(s)
	res := s.resolution
	h.mu.Unlock()

	if res.Source != sockguard.SourceFixture {
		t.Logf("sockguard: %s has no effect, test is marked %s", f, s.Directive())
	}
}

// Case is a subtest with a directive attached.
type Case struct {
	Name      string
	Directive sockguard.Directive
	Test      func(t *testing.T)
}

// Run runs fn as a subtest of t with directive d.
func (h *Harness) Run(t *testing.T, name string, d sockguard.Directive, fn func(t *testing.T)) bool {
	t.Helper()
	return t.Run(name, func(t *testing.T) {
		h.Mark(t, d)
		fn(t)
	})
}

// RunCases runs each case as a subtest in order.
func (h *Harness) RunCases(t *testing.T, cases []Case) {
	t.Helper()
	for _, c := range cases {
		h.Run(t, c.Name, c.Directive, c.Test)
	}
}

// scopeLocked returns t's scope, creating and registering it on first use.
func (h *Harness) scopeLocked(t testing.TB) *Scope {
	for i := len(h.scopes) - 1; i >= 0; i-- {
		if h.scopes[i].t == t {
			return h.scopes[i]
		}
	}

	name := t.Name()
	s := &Scope{t: t, directive: h.directiveForLocked(name)}
	for i := len(h.scopes) - 1; i >= 0; i-- {
		if strings.HasPrefix(name, h.scopes[i].t.Name()+"/") {
			s.parent = h.scopes[i]
			break
		}
	}
	if n := len(h.scopes); n > 0 && s.parent != h.scopes[n-1] {
		h.log().Warn("sockguard: overlapping test scopes, parallel tests share one socket policy",
			"test", name,
			"active", h.scopes[n-1].t.Name(),
		)
	}
	h.scopes = append(h.scopes, s)
	t.Cleanup(func() { h.release(s) })
	return s
}

// release drops s and re-establishes what was in force before it.
func (h *Harness) release(s *Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.scopes {
		if c == s {
			h.scopes = append(h.scopes[:i], h.scopes[i+1:]...)
			break
		}
	}
	h.restoreLocked()
}

func (h *Harness) applyLocked(s *Scope) {
	fixture, fixtureAllowed := s.effectiveFixture()
	res := sockguard.Resolve(sockguard.Inputs{
		Directive:      s.Directive(),
		Fixture:        fixture,
		GlobalDisabled: h.opts.DisableSocket,
	})
	s.resolution = res

	if !res.Disabled {
		h.policy.Enable()
	} else if res.Source == sockguard.SourceFixture && len(fixtureAllowed) > 0 {
		h.policy.Disable(fixtureAllowed...)
	} else {
		h.policy.Disable(h.opts.AllowHosts...)
	}
	h.log().Debug("sockguard: socket policy applied",
		"test", s.t.Name(),
		"disabled", res.Disabled,
		"source", res.Source.String(),
	)
}

// Mark attaches a directive to t using the default harness.
func Mark(t testing.TB, d sockguard.Directive) *Scope {
	t.Helper()
	return std.Mark(t, d)
}

// SocketEnabled enables sockets for the rest of t using the default harness.
func SocketEnabled(t testing.TB) {
	t.Helper()
	std.SocketEnabled(t)
}

// SocketDisabled blocks sockets for the rest of t using the default harness.
func SocketDisabled(t testing.TB, allowed ...sockguard.HostPort) {
	t.Helper()
	std.SocketDisabled(t, allowed...)
}

// Run runs fn as a subtest with directive d using the default harness.
func Run(t *testing.T, name string, d sockguard.Directive, fn func(t *testing.T)) bool {
	t.Helper()
	return std.Run(t, name, d, fn)
}

// RunCases runs cases as subtests using the default harness.
func RunCases(t *testing.T, cases []Case) {
	t.Helper()
	std.RunCases(t, cases)
}
