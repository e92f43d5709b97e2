package semver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeIncludes(t *testing.T) {
	tests := []struct {
		rng  string
		v    string
		want bool
	}{
		{"^4.17.20", "4.17.21", true},
		{"^4.17.20", "4.18.0", true},
		{"^4.17.20", "5.0.0", false},
		{"^4.17.20", "4.17.19", false},
		{"^0.2.3", "0.2.9", true},
		{"^0.2.3", "0.3.0", false},
		{"^0.0.3", "0.0.4", false},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{"~1", "1.9.9", true},
		{"1.x", "1.5.0", true},
		{"1.x", "2.0.0", false},
		{"1.2", "1.2.7", true},
		{"*", "9.9.9", true},
		{"", "0.0.1", true},
		{"latest", "3.0.0", true},
		{">=1.0.0 <2.0.0", "1.9.9", true},
		{">=1.0.0 <2.0.0", "2.0.0", false},
		{">= 1.0.0", "1.0.0", true},
		{">1.2", "1.2.9", false},
		{">1.2", "1.3.0", true},
		{"<=1.2", "1.2.9", true},
		{"<=1.2", "1.3.0", false},
		{"1.2.3 - 2.3", "2.3.9", true},
		{"1.2.3 - 2.3", "2.4.0", false},
		{"^1.0.0 || ^3.0.0", "3.1.0", true},
		{"^1.0.0 || ^3.0.0", "2.1.0", false},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		// prereleases only match when the range names the same tuple
		{"^1.2.3", "1.3.0-beta", false},
		{"^1.2.3-beta.1", "1.2.3-beta.2", true},
		{"^1.2.3-beta.1", "1.2.4-beta.1", false},
		{"^1.2.3", "2.0.0-0", false},
	}

	for _, tt := range tests {
		t.Run(tt.rng+"/"+tt.v, func(t *testing.T) {
			r, err := ParseRange(tt.rng)
			require.NoError(t, err)
			require.Equal(t, tt.want, r.Includes(MustParse(tt.v)))
		})
	}
}

func TestParseRangeInvalid(t *testing.T) {
	for _, s := range []string{"^abc", "~>", ">=1.2.3.4", "workspace:*", "1.2.3 -", "^99999999999999999999.0.0", ">=1.99999999999999999999.0"} {
		_, err := ParseRange(s)
		require.Error(t, err, s)
		require.True(t, errors.Is(err, ErrInvalidVersionRange), s)
	}
}

func TestRangeMinMax(t *testing.T) {
	tests := []struct {
		rng          string
		min          string
		max          string
		maxInclusive bool
	}{
		{"^1.2.3", "1.2.3", "2.0.0", false},
		{"~1.2.3", "1.2.3", "1.3.0", false},
		{"^0.2.3", "0.2.3", "0.3.0", false},
		{"1.2.3", "1.2.3", "1.2.3", true},
		{">=1.0.0 <=1.5.0", "1.0.0", "1.5.0", true},
		{">1.0.0 <2.0.0", "1.0.1", "2.0.0", false},
		{"^1.0.0 || ^2.0.0", "1.0.0", "3.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			r := MustParseRange(tt.rng)
			require.Equal(t, tt.min, r.MinVersion().String())
			max, inclusive := r.MaxVersion()
			require.NotNil(t, max)
			require.Equal(t, tt.max, max.String())
			require.Equal(t, tt.maxInclusive, inclusive)
		})
	}
}

func TestRangeMaxUnbounded(t *testing.T) {
	max, _ := MustParseRange(">=1.0.0").MaxVersion()
	require.Nil(t, max)
	max, _ = MustParseRange("*").MaxVersion()
	require.Nil(t, max)
	require.Equal(t, "0.0.0", MustParseRange("*").MinVersion().String())
}

func TestRangeIsCompatibleWith(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"^1.2.0", "^1.5.0", true},
		{"^1.2.0", "^2.0.0", false},
		{"~1.2.0", "~1.3.0", false},
		{">=1.0.0 <=1.5.0", "1.5.0", true},
		{">=1.0.0 <1.5.0", "1.5.0", false},
		{"*", "^9.0.0", true},
		{"^1.0.0 || ^3.0.0", "~3.1.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.a+"&"+tt.b, func(t *testing.T) {
			a := MustParseRange(tt.a)
			b := MustParseRange(tt.b)
			require.Equal(t, tt.want, a.IsCompatibleWith(b))
			require.Equal(t, tt.want, b.IsCompatibleWith(a))
		})
	}
}

func TestRangePrefix(t *testing.T) {
	tests := []struct {
		rng    string
		prefix string
		ok     bool
	}{
		{"^1.2.3", "^", true},
		{"~1.2.3", "~", true},
		{"1.2.3", "", true},
		{">=1.0.0", "", false},
		{"^1.x", "", false},
	}
	for _, tt := range tests {
		prefix, ok := MustParseRange(tt.rng).Prefix()
		require.Equal(t, tt.prefix, prefix, tt.rng)
		require.Equal(t, tt.ok, ok, tt.rng)
	}
	require.Equal(t, "^4.17.21", FormatRange("^", MustParse("4.17.21")))
}
