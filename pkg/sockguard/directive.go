package sockguard

import (
	"fmt"
	"strings"
)

// Directive is a per-test override of the global default.
type Directive int

const (
	// Inherit leaves the decision to fixtures and the global default.
	Inherit Directive = iota
	// EnableSocket permits sockets for one test, whatever else says.
	EnableSocket
	// DisableSocket blocks sockets for one test unless EnableSocket applies.
	DisableSocket
)

func (d Directive) String() string {
	switch d {
	case Inherit:
		return "inherit"
	case EnableSocket:
		return "enable_socket"
	case DisableSocket:
		return "disable_socket"
	default:
		return fmt.Sprintf("Directive(%d)", int(d))
	}
}

// ParseDirective accepts "enable_socket", "disable_socket" and "inherit"
// (empty means inherit). Dashes may be used instead of underscores.
func ParseDirective(s string) (Directive, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "inherit":
		return Inherit, nil
	case "enable_socket", "enable":
		return EnableSocket, nil
	case "disable_socket", "disable":
		return DisableSocket, nil
	default:
		return Inherit, fmt.Errorf("invalid directive %q: must be one of enable_socket, disable_socket, inherit", s)
	}
}

// Fixture records an explicit enable or disable made inside a test body.
type Fixture int

const (
	FixtureNone Fixture = iota
	FixtureEnabled
	FixtureDisabled
)

func (f Fixture) String() string {
	switch f {
	case FixtureNone:
		return "none"
	case FixtureEnabled:
		return "socket_enabled"
	case FixtureDisabled:
		return "socket_disabled"
	default:
		return fmt.Sprintf("Fixture(%d)", int(f))
	}
}

// Source names the rule a Resolution came from.
type Source int

const (
	SourceBuiltin Source = iota
	SourceGlobal
	SourceFixture
	SourceDirectiveDisable
	SourceDirectiveEnable
)

func (s Source) String() string {
	switch s {
	case SourceBuiltin:
		return "builtin"
	case SourceGlobal:
		return "global"
	case SourceFixture:
		return "fixture"
	case SourceDirectiveDisable:
		return "directive:disable_socket"
	case SourceDirectiveEnable:
		return "directive:enable_socket"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Inputs are everything that has a say in whether a test may use sockets.
type Inputs struct {
	Directive      Directive
	Fixture        Fixture
	GlobalDisabled bool
}

// Resolution is the effective decision for one test.
type Resolution struct {
	Disabled bool
	Source   Source
}

// Resolve applies the precedence table, highest first: enable directive,
// disable directive, fixture, global default, built-in default (enabled).
func Resolve(in Inputs) Resolution {
	switch {
	case in.Directive == EnableSocket:
		return Resolution{Disabled: false, Source: SourceDirectiveEnable}
	case in.Directive == DisableSocket:
		return Resolution{Disabled: true, Source: SourceDirectiveDisable}
	case in.Fixture == FixtureEnabled:
		return Resolution{Disabled: false, Source: SourceFixture}
	case in.Fixture == FixtureDisabled:
		return Resolution{Disabled: true, Source: SourceFixture}
	case in.GlobalDisabled:
		return Resolution{Disabled: true, Source: SourceGlobal}
	default:
		return Resolution{Disabled: false, Source: SourceBuiltin}
	}
}
