package sideband

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// S5 — sideband round trip: duplicates elided, paths outside root
// excluded, write order preserved, envelope checksum verifies.
func TestSidebandRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "pip-1", []byte("fingerprint"), []string{"/r"})
	require.NoError(t, err)

	for _, p := range []string{"/r/P1", "/r/P2", "/r/P1", "/r/P3", "/x/y"} {
		_, err := w.RecordWrite(p)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r, err := OpenReader(FileName(dir, "pip-1"), false)
	require.NoError(t, err)
	require.True(t, r.ChecksumOK())
	require.Equal(t, "pip-1", r.PipID())

	got, err := r.All()
	require.NoError(t, err)
	require.Equal(t, []string{"/r/P1", "/r/P2", "/r/P3"}, got)
}

func TestSidebandWriterLocksAgainstSecondWriter(t *testing.T) {
	dir := t.TempDir()
	w1, err := NewWriter(dir, "pip-2", nil, []string{"/r"})
	require.NoError(t, err)
	defer w1.Close()

	_, err = NewWriter(dir, "pip-2", nil, []string{"/r"})
	require.Error(t, err)
}

func TestSidebandReaderToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "pip-3", nil, []string{"/r"})
	require.NoError(t, err)
	_, err = w.RecordWrite("/r/a")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := FileName(dir, "pip-3")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.sb")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-1], 0o644))

	r, err := OpenReader(truncated, true)
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestPipSemiStableHashIsDeterministic(t *testing.T) {
	require.Equal(t, PipSemiStableHash("abc"), PipSemiStableHash("abc"))
	require.NotEqual(t, PipSemiStableHash("abc"), PipSemiStableHash("abd"))
}
