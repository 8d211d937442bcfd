package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	w, err := OpenWAL(t.TempDir())
	require.NoError(t, err)

	lsn1, err := w.Append([]byte("first"))
	require.NoError(t, err)
	lsn2, err := w.Append([]byte("second"))
	require.NoError(t, err)

	require.Greater(t, lsn2, lsn1)
}

func TestReplayFromLSNReturnsAppendedPayloadsInOrder(t *testing.T) {
	w, err := OpenWAL(t.TempDir())
	require.NoError(t, err)

	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, p := range payloads {
		_, err := w.Append(p)
		require.NoError(t, err)
	}

	var replayed [][]byte
	err = w.ReplayFromLSN(0, func(lsn uint64, payload []byte) error {
		replayed = append(replayed, payload)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, payloads, replayed)
}

func TestReplayFromLSNSkipsEarlierRecords(t *testing.T) {
	w, err := OpenWAL(t.TempDir())
	require.NoError(t, err)

	_, err = w.Append([]byte("old"))
	require.NoError(t, err)
	lsn2, err := w.Append([]byte("new"))
	require.NoError(t, err)

	var replayed [][]byte
	err = w.ReplayFromLSN(lsn2, func(lsn uint64, payload []byte) error {
		replayed = append(replayed, payload)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("new")}, replayed)
}

func TestSyncAdvancesFlushedLSN(t *testing.T) {
	w, err := OpenWAL(t.TempDir())
	require.NoError(t, err)

	lsn, err := w.Append([]byte("data"))
	require.NoError(t, err)
	require.Less(t, w.GetFlushedLSN(), lsn)

	require.NoError(t, w.Sync())
	require.Equal(t, lsn, w.GetFlushedLSN())
}

func TestOpenWALRecoversExistingSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir)
	require.NoError(t, err)

	_, err = w.Append([]byte("one"))
	require.NoError(t, err)
	lastLSN, err := w.Append([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := OpenWAL(dir)
	require.NoError(t, err)
	require.Equal(t, lastLSN, reopened.CurrentLSN)

	nextLSN, err := reopened.Append([]byte("three"))
	require.NoError(t, err)
	require.Greater(t, nextLSN, lastLSN)
}
