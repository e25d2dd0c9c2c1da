package discrete

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuiltinFunctionsRegistered(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"floor", 1.7, 1},
		{"ceil", 1.2, 2},
		{"round", 1.5, 2},
	}
	for _, c := range cases {
		f, ok := Lookup(c.name)
		require.True(t, ok, "%s should be registered", c.name)
		require.Equal(t, c.want, f(c.in))
	}
}

func TestRegisterOverridesExisting(t *testing.T) {
	Register("test.custom", func(x float64) float64 { return x + 1 })
	f, ok := Lookup("test.custom")
	require.True(t, ok)
	require.Equal(t, 6.0, f(5))

	Register("test.custom", func(x float64) float64 { return x * 2 })
	f, ok = Lookup("test.custom")
	require.True(t, ok)
	require.Equal(t, 10.0, f(5))
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	_, ok := Lookup("does.not.exist")
	require.False(t, ok)
}
