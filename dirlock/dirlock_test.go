package dirlock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireThenReleaseRoundTrips(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestSecondAcquireFailsWhileFirstHeld(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(dir)
	require.Error(t, err)
}

func TestAcquireSucceedsAgainAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
