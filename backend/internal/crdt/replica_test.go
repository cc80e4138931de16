package crdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Replica, *Replica) {
	t.Helper()
	base, err := NewReplica("doc-1")
	require.NoError(t, err)
	snap := base.Snapshot()

	a, err := LoadReplica("doc-1", snap)
	require.NoError(t, err)
	b, err := LoadReplica("doc-1", snap)
	require.NoError(t, err)
	return a, b
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a, b := newPair(t)

	// Diverge from the same base: both insert at position 0.
	upA, err := a.InsertText(0, "Hello")
	require.NoError(t, err)
	upB, err := b.InsertText(0, "World")
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(upB))
	require.NoError(t, b.ApplyUpdate(upA))

	textA, err := a.Text()
	require.NoError(t, err)
	textB, err := b.Text()
	require.NoError(t, err)

	require.Equal(t, textA, textB)
	require.True(t, strings.Contains(textA, "Hello"))
	require.True(t, strings.Contains(textA, "World"))
	require.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestApplyUpdateIdempotent(t *testing.T) {
	a, b := newPair(t)

	up, err := a.InsertText(0, "once")
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(up))
	require.NoError(t, b.ApplyUpdate(up))

	text, err := b.Text()
	require.NoError(t, err)
	require.Equal(t, "once", text)
	require.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestApplyUpdateRejectsMalformed(t *testing.T) {
	a, err := NewReplica("doc-1")
	require.NoError(t, err)
	_, err = a.InsertText(0, "intact")
	require.NoError(t, err)

	require.ErrorIs(t, a.ApplyUpdate(nil), ErrBadUpdate)
	require.ErrorIs(t, a.ApplyUpdate([]byte{0xde, 0xad, 0xbe, 0xef}), ErrBadUpdate)

	// A rejected update must not corrupt the replica.
	text, err := a.Text()
	require.NoError(t, err)
	require.Equal(t, "intact", text)
}

func TestSnapshotColdStart(t *testing.T) {
	a, err := NewReplica("doc-1")
	require.NoError(t, err)
	_, err = a.InsertText(0, "Title\n")
	require.NoError(t, err)

	restored, err := LoadReplica("doc-1", a.Snapshot())
	require.NoError(t, err)
	text, err := restored.Text()
	require.NoError(t, err)
	require.Equal(t, "Title\n", text)
}

func TestSnapshotMergesAsUpdate(t *testing.T) {
	// A full snapshot is a change bundle: applying it to a diverged replica
	// merges instead of overwriting. This is what reconnect resync relies on.
	a, b := newPair(t)

	_, err := a.InsertText(0, "offline edit ")
	require.NoError(t, err)
	_, err = b.InsertText(0, "server edit ")
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(b.Snapshot()))
	require.NoError(t, b.ApplyUpdate(a.Changes()))

	textA, err := a.Text()
	require.NoError(t, err)
	textB, err := b.Text()
	require.NoError(t, err)
	require.Equal(t, textA, textB)
	require.Contains(t, textA, "offline edit ")
	require.Contains(t, textA, "server edit ")
}

func TestDeleteText(t *testing.T) {
	a, err := NewReplica("doc-1")
	require.NoError(t, err)
	_, err = a.InsertText(0, "The quick brown fox")
	require.NoError(t, err)

	_, err = a.DeleteText(10, 9)
	require.NoError(t, err)

	text, err := a.Text()
	require.NoError(t, err)
	require.Equal(t, "The quick ", text)

	n, err := a.Len()
	require.NoError(t, err)
	require.Equal(t, 10, n)
}
