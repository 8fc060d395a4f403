package sockguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want Resolution
	}{
		{"builtin default", Inputs{}, Resolution{Disabled: false, Source: SourceBuiltin}},
		{"global disabled", Inputs{GlobalDisabled: true}, Resolution{Disabled: true, Source: SourceGlobal}},
		{"fixture enables over global", Inputs{Fixture: FixtureEnabled, GlobalDisabled: true}, Resolution{Disabled: false, Source: SourceFixture}},
		{"fixture disables over builtin", Inputs{Fixture: FixtureDisabled}, Resolution{Disabled: true, Source: SourceFixture}},
		{"disable directive over fixture", Inputs{Directive: DisableSocket, Fixture: FixtureEnabled}, Resolution{Disabled: true, Source: SourceDirectiveDisable}},
		{"enable directive over fixture", Inputs{Directive: EnableSocket, Fixture: FixtureDisabled, GlobalDisabled: true}, Resolution{Disabled: false, Source: SourceDirectiveEnable}},
		{"enable directive over global", Inputs{Directive: EnableSocket, GlobalDisabled: true}, Resolution{Disabled: false, Source: SourceDirectiveEnable}},
		{"disable directive over builtin", Inputs{Directive: DisableSocket}, Resolution{Disabled: true, Source: SourceDirectiveDisable}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.in))
		})
	}
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		in   string
		want Directive
	}{
		{"", Inherit},
		{"inherit", Inherit},
		{"enable_socket", EnableSocket},
		{"Enable-Socket", EnableSocket},
		{"enable", EnableSocket},
		{"disable_socket", DisableSocket},
		{" disable ", DisableSocket},
	}
	for _, tt := range tests {
		got, err := ParseDirective(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDirective("sometimes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sometimes")
}

func TestDirectiveStringRoundTrip(t *testing.T) {
	for _, d := range []Directive{Inherit, EnableSocket, DisableSocket} {
		got, err := ParseDirective(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	assert.Equal(t, "Directive(9)", Directive(9).String())
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "directive:enable_socket", SourceDirectiveEnable.String())
	assert.Equal(t, "global", SourceGlobal.String())
	assert.Equal(t, "socket_enabled", FixtureEnabled.String())
}
