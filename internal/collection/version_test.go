package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCanUpgradeStorage checks the version gate property: compatible iff
// same major, same minor, and at most one patch ahead.
func TestCanUpgradeStorage(t *testing.T) {
	tests := []struct {
		stored string
		app    string
		want   bool
	}{
		{stored: "0.4.0", app: "0.4.0", want: true},
		{stored: "0.4.0", app: "0.4.1", want: true},
		{stored: "0.4.0", app: "0.4.2", want: false},
		{stored: "0.4.0", app: "0.5.0", want: false},
		{stored: "0.4.0", app: "0.5.1", want: false},
		{stored: "0.4.0", app: "1.4.0", want: false},
		{stored: "0.4.5", app: "0.4.3", want: true},
		{stored: "1.2.3", app: "1.2.4", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.stored+"->"+tt.app, func(t *testing.T) {
			stored, err := ParseVersion(tt.stored)
			require.NoError(t, err)
			app, err := ParseVersion(tt.app)
			require.NoError(t, err)
			assert.Equal(t, tt.want, CanUpgradeStorage(stored, app))
		})
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 1, Minor: 2, Patch: 3}, v)
	assert.Equal(t, "1.2.3", v.String())

	_, err = ParseVersion("1.2")
	assert.Error(t, err)
	_, err = ParseVersion("a.b.c")
	assert.Error(t, err)
}

func TestVersionGreater(t *testing.T) {
	newer, _ := ParseVersion("1.3.0")
	older, _ := ParseVersion("1.2.9")
	assert.True(t, newer.Greater(older))
	assert.False(t, older.Greater(newer))
	assert.False(t, newer.Greater(newer))
}

func TestVersionFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveVersion(dir))

	stored, err := LoadVersion(dir)
	require.NoError(t, err)
	current, err := ParseVersion(CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, current, stored)
}
