package snap

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup/ports"
)

type memBuilder struct {
	chunks [][]byte
	index  uint64
	term   uint64
	desc   domain.GroupDescriptor
	pos    int
}

func (b *memBuilder) Next() ([]byte, error) {
	if b.pos >= len(b.chunks) {
		return nil, io.EOF
	}
	chunk := b.chunks[b.pos]
	b.pos++
	return chunk, nil
}

func (b *memBuilder) AppliedIndex() uint64                { return b.index }
func (b *memBuilder) AppliedTerm() uint64                 { return b.term }
func (b *memBuilder) Descriptor() domain.GroupDescriptor { return b.desc }

type memSource struct {
	meta   ports.SnapshotMeta
	chunks [][]byte
	pos    int
}

func (s *memSource) Meta() ports.SnapshotMeta { return s.meta }

func (s *memSource) Next() ([]byte, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, err)
	return mgr
}

func createSnapshot(t *testing.T, mgr *Manager, replicaID, index uint64, chunks ...[]byte) ports.SnapshotMeta {
	t.Helper()
	meta, err := mgr.Create(replicaID, &memBuilder{
		chunks: chunks,
		index:  index,
		term:   1,
		desc:   domain.GroupDescriptor{ID: 1, Epoch: 1},
	})
	require.NoError(t, err)
	return meta
}

func readAll(t *testing.T, source ports.SnapshotSource) []byte {
	t.Helper()
	var out []byte
	for {
		chunk, err := source.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	meta := createSnapshot(t, mgr, 1, 7, []byte("alpha"), []byte("beta"))
	assert.Equal(t, uint64(7), meta.Index)
	assert.Equal(t, 2, meta.Chunks)
	assert.NotZero(t, meta.Checksum)

	got, err := mgr.Meta(1, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	source, err := mgr.OpenSource(1, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, source.Meta())
	assert.Equal(t, []byte("alphabeta"), readAll(t, source))
}

func TestLatestPicksHighestIndex(t *testing.T) {
	mgr := newTestManager(t)

	_, ok := mgr.Latest(1)
	assert.False(t, ok)

	createSnapshot(t, mgr, 1, 5, []byte("old"))
	newest := createSnapshot(t, mgr, 1, 9, []byte("new"))

	meta, ok := mgr.Latest(1)
	require.True(t, ok)
	assert.Equal(t, newest.ID, meta.ID)
}

func TestOpenUnknownSnapshot(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.OpenSource(1, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, err = mgr.Meta(1, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestRecycleKeepsLatestAndPinned(t *testing.T) {
	mgr := newTestManager(t)

	old := createSnapshot(t, mgr, 1, 5, []byte("old"))
	createSnapshot(t, mgr, 1, 9, []byte("new"))

	// A pinned snapshot survives recycling until its reader finishes.
	source, err := mgr.OpenSource(1, old.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, mgr.Recycle(1, 9))

	readAll(t, source)
	assert.Equal(t, 1, mgr.Recycle(1, 9))

	_, err = mgr.Meta(1, old.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, ok := mgr.Latest(1)
	assert.True(t, ok)
}

func TestRecycleHonorsCompactionBound(t *testing.T) {
	mgr := newTestManager(t)

	low := createSnapshot(t, mgr, 1, 3, []byte("low"))
	mid := createSnapshot(t, mgr, 1, 6, []byte("mid"))
	createSnapshot(t, mgr, 1, 9, []byte("high"))

	// Snapshots above the compacted index still serve followers on the log.
	assert.Equal(t, 1, mgr.Recycle(1, 3))
	_, err := mgr.Meta(1, low.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	_, err = mgr.Meta(1, mid.ID)
	require.NoError(t, err)

	// Raising the bound past every snapshot still keeps the newest.
	assert.Equal(t, 1, mgr.Recycle(1, 20))
	got, ok := mgr.Latest(1)
	require.True(t, ok)
	assert.Equal(t, uint64(9), got.Index)
}

func TestInstallVerifiesChecksum(t *testing.T) {
	mgr := newTestManager(t)

	data := []byte("payload")
	meta := ports.SnapshotMeta{
		ID:       "00000000000000aa",
		Index:    10,
		Term:     2,
		Checksum: crc32.ChecksumIEEE(data),
		Chunks:   1,
	}

	_, err := mgr.Install(1, &memSource{meta: meta, chunks: [][]byte{data}})
	require.NoError(t, err)

	got, err := mgr.Meta(1, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, got.Checksum)

	corrupted := meta
	corrupted.ID = "00000000000000bb"
	corrupted.Checksum++
	_, err = mgr.Install(1, &memSource{meta: corrupted, chunks: [][]byte{data}})
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = mgr.Meta(1, corrupted.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestScanRecoversCommittedSnapshots(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snap")
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	meta := createSnapshot(t, mgr, 1, 7, []byte("alpha"))

	// Leftover staging and partial directories must not survive a restart.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1", "tmp-abandoned"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1", "partial-no-meta"), 0o755))

	reopened, err := NewManager(dir)
	require.NoError(t, err)

	got, ok := reopened.Latest(1)
	require.True(t, ok)
	assert.Equal(t, meta, got)

	source, err := reopened.OpenSource(1, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), readAll(t, source))

	_, err = os.Stat(filepath.Join(dir, "1", "tmp-abandoned"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "1", "partial-no-meta"))
	assert.True(t, os.IsNotExist(err))
}

func TestDropReplica(t *testing.T) {
	mgr := newTestManager(t)

	createSnapshot(t, mgr, 1, 5, []byte("data"))
	createSnapshot(t, mgr, 2, 5, []byte("other"))

	require.NoError(t, mgr.DropReplica(1))

	_, ok := mgr.Latest(1)
	assert.False(t, ok)
	_, ok = mgr.Latest(2)
	assert.True(t, ok)
}
