package logstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(dir, true)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func makeEntries(from, to uint64) []raftpb.Entry {
	var entries []raftpb.Entry
	for i := from; i <= to; i++ {
		entries = append(entries, raftpb.Entry{
			Index: i,
			Term:  1,
			Type:  raftpb.EntryNormal,
			Data:  []byte{byte(i)},
		})
	}
	return entries
}

func TestWriteInitialState(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	g, err := store.OpenGroup(1)
	require.NoError(t, err)

	cs := raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	require.NoError(t, g.WriteInitialState(cs))

	assert.Equal(t, []uint64{1, 2, 3}, g.ConfState().Voters)

	err = g.WriteInitialState(cs)
	require.Error(t, err, "double initialization must fail")
}

func TestSaveAndReplay(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	g, err := store.OpenGroup(7)
	require.NoError(t, err)
	require.NoError(t, g.WriteInitialState(raftpb.ConfState{Voters: []uint64{1}}))

	hs := raftpb.HardState{Term: 2, Vote: 1, Commit: 5}
	require.NoError(t, g.Save(hs, makeEntries(1, 5), true))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)
	g2, err := reopened.OpenGroup(7)
	require.NoError(t, err)

	assert.Equal(t, hs, g2.HardState())
	assert.Equal(t, []uint64{1}, g2.ConfState().Voters)

	last, err := g2.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	// Without a snapshot nothing is compacted: the log starts at 1 and the
	// committed entries are all readable for re-apply.
	first, err := g2.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	term, err := g2.Term(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)

	entries, err := g2.Entries(1, 6, noSizeLimit)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, []byte{3}, entries[2].Data)
}

func TestCloseGroupEvictsCachedLog(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	g, err := store.OpenGroup(4)
	require.NoError(t, err)
	require.NoError(t, g.WriteInitialState(raftpb.ConfState{Voters: []uint64{1}}))
	require.NoError(t, g.Save(raftpb.HardState{Term: 1, Commit: 2}, makeEntries(1, 2), true))

	require.NoError(t, store.CloseGroup(4))
	require.NoError(t, store.CloseGroup(99), "closing an unopened group is a no-op")

	g2, err := store.OpenGroup(4)
	require.NoError(t, err)
	require.NotSame(t, g, g2, "reopen must not hand out the closed log")

	require.NoError(t, g2.Save(raftpb.HardState{Term: 1, Commit: 3}, makeEntries(3, 3), true))
	last, err := g2.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestCompact(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	g, err := store.OpenGroup(1)
	require.NoError(t, err)
	require.NoError(t, g.WriteInitialState(raftpb.ConfState{Voters: []uint64{1}}))
	require.NoError(t, g.Save(raftpb.HardState{Term: 1, Commit: 10}, makeEntries(1, 10), true))

	require.NoError(t, g.Compact(6))

	first, err := g.FirstIndex()
	require.NoError(t, err)
	assert.LessOrEqual(t, first, uint64(7), "first index after compaction must be <= idx+1")

	_, err = g.Entries(1, 7, noSizeLimit)
	assert.ErrorIs(t, err, etcdraft.ErrCompacted)

	entries, err := g.Entries(first, 11, noSizeLimit)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "entries above the compaction point survive")

	// Compacting the same range again is a no-op, not an error.
	require.NoError(t, g.Compact(6))
}

func TestCompactSurvivesReplay(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	g, err := store.OpenGroup(3)
	require.NoError(t, err)
	require.NoError(t, g.WriteInitialState(raftpb.ConfState{Voters: []uint64{1}}))
	require.NoError(t, g.Save(raftpb.HardState{Term: 1, Commit: 10}, makeEntries(1, 10), true))
	require.NoError(t, g.SaveSnapshot(6, []byte("snap-6")))
	require.NoError(t, g.Compact(6))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)
	g2, err := reopened.OpenGroup(3)
	require.NoError(t, err)

	assert.Equal(t, uint64(6), g2.SnapshotIndex())

	last, err := g2.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)

	first, err := g2.FirstIndex()
	require.NoError(t, err)
	entries, err := g2.Entries(first, last+1, noSizeLimit)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestSnapshotNegotiation(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	g, err := store.OpenGroup(1)
	require.NoError(t, err)
	require.NoError(t, g.WriteInitialState(raftpb.ConfState{Voters: []uint64{1}}))
	require.NoError(t, g.Save(raftpb.HardState{Term: 1, Commit: 4}, makeEntries(1, 4), true))

	// No snapshot yet: the algorithm gets "temporarily unavailable" and the
	// create flag is raised exactly once.
	_, err = g.Snapshot()
	assert.ErrorIs(t, err, etcdraft.ErrSnapshotTemporarilyUnavailable)
	assert.True(t, g.TakeCreateSnapshot())
	assert.False(t, g.TakeCreateSnapshot(), "flag is consumed and creation is in progress")

	require.NoError(t, g.SaveSnapshot(4, []byte("snap-id")))

	snap, err := g.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Metadata.Index)
	assert.Equal(t, []byte("snap-id"), snap.Data)

	// An explicit request triggers another creation cycle.
	g.RequestSnapshot()
	assert.True(t, g.TakeCreateSnapshot())
}

func TestAbortCreateSnapshot(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	g, err := store.OpenGroup(1)
	require.NoError(t, err)
	require.NoError(t, g.WriteInitialState(raftpb.ConfState{Voters: []uint64{1}}))

	_, err = g.Snapshot()
	assert.ErrorIs(t, err, etcdraft.ErrSnapshotTemporarilyUnavailable)
	require.True(t, g.TakeCreateSnapshot())

	g.AbortCreateSnapshot()
	g.RequestSnapshot()
	assert.True(t, g.TakeCreateSnapshot(), "after an aborted build a new one may start")
}

func TestListAndDestroyGroups(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	for _, id := range []uint64{5, 2, 9} {
		_, err := store.OpenGroup(id)
		require.NoError(t, err)
	}

	groups, err := store.ListGroups()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 5, 9}, groups)

	require.NoError(t, store.DestroyGroup(5))
	groups, err = store.ListGroups()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 9}, groups)
}
