package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultUnits(t *testing.T) {
	u := DefaultUnits()

	tests := []struct {
		in   string
		want string
	}{
		{"gallons", "gallon"},
		{"LBS", "pound"},
		{" oz ", "ounce"},
		{"loaves", "loaf"},
		{"half-gallon", "half gallon"},
		{"each", "each"},
	}
	for _, tt := range tests {
		got, ok := u.Canonical(tt.in)
		assert.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := u.Canonical("spaceship")
	assert.False(t, ok)

	m, ok := u.Multiplier("dozen")
	require.True(t, ok)
	assert.Equal(t, 12.0, m)
	m, ok = u.Multiplier("half dozen")
	require.True(t, ok)
	assert.Equal(t, 6.0, m)
}

func TestUnitTable_MatchPrefersLongestPhrase(t *testing.T) {
	u := DefaultUnits()

	unit, mult, n := u.match([]string{"half", "gallon", "of", "milk"})
	assert.Equal(t, "half gallon", unit)
	assert.Zero(t, mult)
	assert.Equal(t, 2, n)

	unit, mult, n = u.match([]string{"dozen", "eggs"})
	assert.Empty(t, unit)
	assert.Equal(t, 12.0, mult)
	assert.Equal(t, 1, n)

	_, _, n = u.match([]string{"milk"})
	assert.Zero(t, n)
}

func TestLoadUnits_Errors(t *testing.T) {
	_, err := LoadUnits([]byte("units: [not a map"))
	assert.Error(t, err)

	_, err = LoadUnits([]byte("multipliers:\n  dozen: 12\n"))
	assert.Error(t, err)

	_, err = LoadUnits([]byte("units:\n  each: [each]\nmultipliers:\n  dozen: -1\n"))
	assert.Error(t, err)
}

func TestLoadUnits_Custom(t *testing.T) {
	u, err := LoadUnits([]byte("units:\n  crate: [crates]\n"))
	require.NoError(t, err)

	got, ok := u.Canonical("crates")
	assert.True(t, ok)
	assert.Equal(t, "crate", got)

	draft := normalize(tokenize("3 crates of oranges", u), u)
	require.Len(t, draft, 1)
	assert.Equal(t, "crate", draft[0].Unit)
}
