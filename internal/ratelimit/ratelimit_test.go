package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.001, Burst: 3})
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(), "request %d should pass within the burst", i)
	}
	require.False(t, l.Allow(), "request past the burst should be rejected")
}

func TestResetRestoresTokens(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.001, Burst: 1})
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	l.Reset()
	require.True(t, l.Allow())
}

func TestNewFillsDefaults(t *testing.T) {
	l := New(Config{})
	require.True(t, l.Allow())
}
