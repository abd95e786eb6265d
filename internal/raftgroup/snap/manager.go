package snap

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"groupkv/internal/raftgroup/ports"
)

const (
	metaFileName  = "META"
	chunkFileFmt  = "chunk-%06d"
	stagingPrefix = "tmp-"
)

var (
	ErrSnapshotNotFound = errors.New("snap: snapshot not found")
	ErrChecksumMismatch = errors.New("snap: checksum mismatch")
)

type snapshotEntry struct {
	meta ports.SnapshotMeta
	refs int
}

type replicaSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*snapshotEntry
}

// Manager owns the snapshot directory of a node. Snapshots live under
// <dir>/<replica>/<id>/ as numbered chunk files plus a META descriptor;
// writes go through a staging directory and become visible atomically on
// rename. Open readers hold a reference that defers recycling.
type Manager struct {
	dir      string
	replicas *xsync.MapOf[uint64, *replicaSnapshots]
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	m := &Manager{
		dir:      dir,
		replicas: xsync.NewMapOf[uint64, *replicaSnapshots](),
	}
	if err := m.scan(); err != nil {
		return nil, err
	}
	return m, nil
}

// scan recovers the snapshot index from disk and clears out staging
// directories left behind by a crash mid-write.
func (m *Manager) scan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scan snapshot dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		replicaID, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}

		replicaDir := filepath.Join(m.dir, entry.Name())
		snapDirs, err := os.ReadDir(replicaDir)
		if err != nil {
			return fmt.Errorf("scan replica snapshots: %w", err)
		}

		rs := m.forReplica(replicaID)
		for _, sd := range snapDirs {
			if !sd.IsDir() {
				continue
			}
			if len(sd.Name()) >= len(stagingPrefix) && sd.Name()[:len(stagingPrefix)] == stagingPrefix {
				if err := os.RemoveAll(filepath.Join(replicaDir, sd.Name())); err != nil {
					return fmt.Errorf("remove stale staging dir: %w", err)
				}
				continue
			}

			meta, err := readMeta(filepath.Join(replicaDir, sd.Name()))
			if err != nil {
				// Partial snapshot without a committed META; unusable.
				if err := os.RemoveAll(filepath.Join(replicaDir, sd.Name())); err != nil {
					return fmt.Errorf("remove partial snapshot: %w", err)
				}
				continue
			}
			rs.snaps[meta.ID] = &snapshotEntry{meta: meta}
		}
	}
	return nil
}

func (m *Manager) forReplica(replicaID uint64) *replicaSnapshots {
	rs, _ := m.replicas.LoadOrCompute(replicaID, func() *replicaSnapshots {
		return &replicaSnapshots{snaps: make(map[string]*snapshotEntry)}
	})
	return rs
}

func (m *Manager) snapshotDir(replicaID uint64, id string) string {
	return filepath.Join(m.dir, strconv.FormatUint(replicaID, 10), id)
}

// Create builds a new snapshot from the given builder and commits it under
// the replica's directory. The returned meta names the snapshot for the
// consensus message that advertises it.
func (m *Manager) Create(replicaID uint64, builder ports.SnapshotBuilder) (ports.SnapshotMeta, error) {
	id := fmt.Sprintf("%016x", builder.AppliedIndex())
	meta := ports.SnapshotMeta{
		ID:         id,
		Index:      builder.AppliedIndex(),
		Term:       builder.AppliedTerm(),
		Descriptor: builder.Descriptor(),
	}

	return m.commit(replicaID, meta, builder.Next, false)
}

// Install stores a snapshot streamed from a remote replica, validating its
// checksum before commit.
func (m *Manager) Install(replicaID uint64, source ports.SnapshotSource) (ports.SnapshotMeta, error) {
	return m.commit(replicaID, source.Meta(), source.Next, true)
}

func (m *Manager) commit(replicaID uint64, meta ports.SnapshotMeta, next func() ([]byte, error), verify bool) (ports.SnapshotMeta, error) {
	replicaDir := filepath.Join(m.dir, strconv.FormatUint(replicaID, 10))
	if err := os.MkdirAll(replicaDir, 0o755); err != nil {
		return ports.SnapshotMeta{}, fmt.Errorf("create replica snapshot dir: %w", err)
	}

	staging := filepath.Join(replicaDir, stagingPrefix+meta.ID)
	if err := os.RemoveAll(staging); err != nil {
		return ports.SnapshotMeta{}, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return ports.SnapshotMeta{}, fmt.Errorf("create staging dir: %w", err)
	}

	sum := crc32.NewIEEE()
	chunks := 0
	for {
		chunk, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(staging)
			return ports.SnapshotMeta{}, fmt.Errorf("read snapshot chunk: %w", err)
		}

		sum.Write(chunk)
		name := filepath.Join(staging, fmt.Sprintf(chunkFileFmt, chunks))
		if err := os.WriteFile(name, chunk, 0o644); err != nil {
			os.RemoveAll(staging)
			return ports.SnapshotMeta{}, fmt.Errorf("write snapshot chunk: %w", err)
		}
		chunks++
	}

	if verify {
		if sum.Sum32() != meta.Checksum {
			os.RemoveAll(staging)
			return ports.SnapshotMeta{}, ErrChecksumMismatch
		}
	} else {
		meta.Checksum = sum.Sum32()
	}
	meta.Chunks = chunks

	if err := writeMeta(staging, meta); err != nil {
		os.RemoveAll(staging)
		return ports.SnapshotMeta{}, err
	}

	final := m.snapshotDir(replicaID, meta.ID)
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return ports.SnapshotMeta{}, fmt.Errorf("clear snapshot dir: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return ports.SnapshotMeta{}, fmt.Errorf("commit snapshot: %w", err)
	}

	rs := m.forReplica(replicaID)
	rs.mu.Lock()
	rs.snaps[meta.ID] = &snapshotEntry{meta: meta}
	rs.mu.Unlock()

	return meta, nil
}

// Latest returns the stored snapshot with the highest applied index.
func (m *Manager) Latest(replicaID uint64) (ports.SnapshotMeta, bool) {
	rs, ok := m.replicas.Load(replicaID)
	if !ok {
		return ports.SnapshotMeta{}, false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	var best ports.SnapshotMeta
	found := false
	for _, entry := range rs.snaps {
		if !found || entry.meta.Index > best.Index {
			best = entry.meta
			found = true
		}
	}
	return best, found
}

// Meta looks up a stored snapshot by id.
func (m *Manager) Meta(replicaID uint64, id string) (ports.SnapshotMeta, error) {
	rs, ok := m.replicas.Load(replicaID)
	if !ok {
		return ports.SnapshotMeta{}, ErrSnapshotNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	entry, ok := rs.snaps[id]
	if !ok {
		return ports.SnapshotMeta{}, ErrSnapshotNotFound
	}
	return entry.meta, nil
}

// OpenSource opens a stored snapshot for streaming. The snapshot is pinned
// against recycling until the stream is exhausted or fails.
func (m *Manager) OpenSource(replicaID uint64, id string) (ports.SnapshotSource, error) {
	rs, ok := m.replicas.Load(replicaID)
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	rs.mu.Lock()
	entry, ok := rs.snaps[id]
	if ok {
		entry.refs++
	}
	rs.mu.Unlock()
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	return &fileSource{
		meta: entry.meta,
		dir:  m.snapshotDir(replicaID, id),
		release: func() {
			rs.mu.Lock()
			entry.refs--
			rs.mu.Unlock()
		},
	}, nil
}

// Recycle deletes unpinned snapshots at or below compactedIndex, always
// keeping the newest one, and returns how many were removed. Snapshots above
// the compaction point can still serve followers catching up from the log.
func (m *Manager) Recycle(replicaID, compactedIndex uint64) int {
	rs, ok := m.replicas.Load(replicaID)
	if !ok {
		return 0
	}

	rs.mu.Lock()
	var latest uint64
	for _, entry := range rs.snaps {
		if entry.meta.Index > latest {
			latest = entry.meta.Index
		}
	}
	var victims []string
	for id, entry := range rs.snaps {
		if entry.meta.Index < latest && entry.meta.Index <= compactedIndex && entry.refs == 0 {
			victims = append(victims, id)
			delete(rs.snaps, id)
		}
	}
	rs.mu.Unlock()

	sort.Strings(victims)
	for _, id := range victims {
		os.RemoveAll(m.snapshotDir(replicaID, id))
	}
	return len(victims)
}

// DropReplica removes every snapshot of a replica, used when the replica is
// destroyed on this node.
func (m *Manager) DropReplica(replicaID uint64) error {
	m.replicas.Delete(replicaID)
	return os.RemoveAll(filepath.Join(m.dir, strconv.FormatUint(replicaID, 10)))
}

// fileSource streams a committed snapshot chunk by chunk, releasing its pin
// when the stream ends.
type fileSource struct {
	meta     ports.SnapshotMeta
	dir      string
	next     int
	release  func()
	released bool
}

func (s *fileSource) Meta() ports.SnapshotMeta { return s.meta }

func (s *fileSource) Next() ([]byte, error) {
	if s.next >= s.meta.Chunks {
		s.done()
		return nil, io.EOF
	}

	data, err := os.ReadFile(filepath.Join(s.dir, fmt.Sprintf(chunkFileFmt, s.next)))
	if err != nil {
		s.done()
		return nil, fmt.Errorf("read snapshot chunk %d: %w", s.next, err)
	}
	s.next++
	return data, nil
}

func (s *fileSource) done() {
	if !s.released {
		s.released = true
		s.release()
	}
}

func readMeta(dir string) (ports.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return ports.SnapshotMeta{}, err
	}
	var meta ports.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ports.SnapshotMeta{}, fmt.Errorf("decode snapshot meta: %w", err)
	}
	return meta, nil
}

func writeMeta(dir string, meta ports.SnapshotMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode snapshot meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot meta: %w", err)
	}
	return nil
}
