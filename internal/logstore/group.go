package logstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/wal"
	"go.etcd.io/etcd/pkg/v3/pbutil"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// GroupLog is the durable log of one raft group: a tidwall/wal segment plus an
// in-memory etcdraft.MemoryStorage mirror that serves reads to the consensus
// algorithm. All mutating calls are made by the owning worker goroutine; the
// internal mutex only guards against concurrent reads from the raft library.
type GroupLog struct {
	mu sync.Mutex

	groupID uint64
	log     *wal.Log
	ms      *etcdraft.MemoryStorage

	hs        raftpb.HardState
	confState raftpb.ConfState
	snapMeta  raftpb.SnapshotMetadata

	nextWALIdx uint64
	// entryIndex maps raft entry index -> wal record index, for compaction.
	entryIndex map[uint64]uint64

	// Outgoing-snapshot negotiation. pendingSnap, when set, is served from
	// Snapshot(); otherwise Snapshot() raises the create flag and reports
	// temporary unavailability so the leader retries after the worker has
	// built one. Touched only from the worker goroutine and the raft calls
	// it makes, under mu.
	pendingSnap      *raftpb.Snapshot
	createSnapshot   bool
	creatingSnapshot bool
}

func openGroupLog(groupID uint64, dir string, noSync bool) (*GroupLog, error) {
	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open group %d: %w", groupID, err)
	}

	g := &GroupLog{
		groupID:    groupID,
		log:        log,
		ms:         etcdraft.NewMemoryStorage(),
		entryIndex: make(map[uint64]uint64),
		nextWALIdx: 1,
	}

	if err := g.replay(); err != nil {
		log.Close()
		return nil, err
	}
	return g, nil
}

func (g *GroupLog) replay() error {
	empty, err := g.log.IsEmpty()
	if err != nil {
		return fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil
	}

	first, err := g.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := g.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}

	var allEntries []raftpb.Entry

	for idx := first; idx <= last; idx++ {
		data, err := g.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("unmarshal record %d: %w", idx, err)
		}

		switch recType {
		case recordTypeEntry:
			var e raftpb.Entry
			pbutil.MustUnmarshal(&e, payload)
			g.entryIndex[e.Index] = idx
			allEntries = append(allEntries, e)

		case recordTypeHardState:
			g.hs = raftpb.HardState{}
			pbutil.MustUnmarshal(&g.hs, payload)

		case recordTypeConfState:
			g.confState = raftpb.ConfState{}
			pbutil.MustUnmarshal(&g.confState, payload)

		case recordTypeSnapMeta:
			g.snapMeta = raftpb.SnapshotMetadata{}
			pbutil.MustUnmarshal(&g.snapMeta, payload)
			g.confState = g.snapMeta.ConfState
		}

		g.nextWALIdx = idx + 1
	}

	snapIndex := g.snapMeta.Index
	for ri := range g.entryIndex {
		if ri <= snapIndex {
			delete(g.entryIndex, ri)
		}
	}

	var entries []raftpb.Entry
	for _, e := range allEntries {
		if e.Index > snapIndex {
			entries = append(entries, e)
		}
	}

	if snapIndex > 0 {
		// Metadata-only snapshot: re-seeds the memory storage with the
		// restart point and membership without replaying compacted entries.
		// Without a durable snapshot the storage must keep its first index
		// at 1 so replayed entries survive and raft re-delivers those above
		// the applied watermark; membership then comes from InitialState.
		boot := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
			Index:     snapIndex,
			Term:      g.snapMeta.Term,
			ConfState: g.confState,
		}}
		if err := g.ms.ApplySnapshot(boot); err != nil &&
			!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
			return fmt.Errorf("seed memory storage: %w", err)
		}
	}

	if !etcdraft.IsEmptyHardState(g.hs) {
		if err := g.ms.SetHardState(g.hs); err != nil {
			return fmt.Errorf("set hardstate: %w", err)
		}
	}

	if len(entries) > 0 {
		if err := g.ms.Append(entries); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
	}

	slog.Info("replayed group log",
		"group", g.groupID,
		"entries", len(entries),
		"snap_index", snapIndex,
		"commit", g.hs.Commit,
		"voters", g.confState.Voters,
	)
	return nil
}

// WriteInitialState seeds a fresh group log with the membership derived from
// the group descriptor. It is an error to call it on a non-empty log.
func (g *GroupLog) WriteInitialState(cs raftpb.ConfState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	empty, err := g.log.IsEmpty()
	if err != nil {
		return fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if !empty || len(g.confState.Voters) > 0 {
		return fmt.Errorf("group %d: log already initialized", g.groupID)
	}

	if err := g.appendRecordLocked(recordTypeConfState, &cs); err != nil {
		return err
	}
	if err := g.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}
	g.confState = cs

	boot := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{ConfState: cs}}
	if err := g.ms.ApplySnapshot(boot); err != nil &&
		!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		return fmt.Errorf("seed memory storage: %w", err)
	}
	return nil
}

// Save persists one advance cycle's hard state and new entries. The caller
// must not release any message that depends on this write until it returns.
func (g *GroupLog) Save(hs raftpb.HardState, entries []raftpb.Entry, mustSync bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range entries {
		if err := g.appendRecordLocked(recordTypeEntry, &entries[i]); err != nil {
			return err
		}
		g.entryIndex[entries[i].Index] = g.nextWALIdx - 1
	}
	if len(entries) > 0 {
		if err := g.ms.Append(entries); err != nil {
			return fmt.Errorf("MemoryStorage.Append: %w", err)
		}
	}

	if !etcdraft.IsEmptyHardState(hs) && !isHardStateEqual(g.hs, hs) {
		if err := g.appendRecordLocked(recordTypeHardState, &hs); err != nil {
			return err
		}
		g.hs = hs
		if err := g.ms.SetHardState(hs); err != nil {
			return fmt.Errorf("MemoryStorage.SetHardState: %w", err)
		}
	}

	if mustSync {
		if err := g.log.Sync(); err != nil {
			return fmt.Errorf("wal.Sync: %w", err)
		}
	}
	return nil
}

// ApplySnapshot records an installed snapshot (incoming, from a leader). The
// snapshot payload carries only the snapshot id; the actual data files are
// owned by the snapshot manager.
func (g *GroupLog) ApplySnapshot(snap raftpb.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.appendRecordLocked(recordTypeSnapMeta, &snap.Metadata); err != nil {
		return err
	}
	if err := g.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}

	if err := g.ms.ApplySnapshot(snap); err != nil &&
		!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		return fmt.Errorf("MemoryStorage.ApplySnapshot: %w", err)
	}

	g.snapMeta = snap.Metadata
	g.confState = snap.Metadata.ConfState
	for ri := range g.entryIndex {
		if ri <= snap.Metadata.Index {
			delete(g.entryIndex, ri)
		}
	}

	slog.Info("applied snapshot to group log",
		"group", g.groupID,
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
	)
	return nil
}

// SaveSnapshot registers a locally created snapshot: its metadata becomes
// durable and the snapshot becomes available for outgoing transfers. payload
// is the snapshot id understood by the snapshot manager.
func (g *GroupLog) SaveSnapshot(index uint64, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap, err := g.ms.CreateSnapshot(index, &g.confState, payload)
	if err != nil {
		if errors.Is(err, etcdraft.ErrSnapOutOfDate) {
			g.creatingSnapshot = false
			return nil
		}
		return fmt.Errorf("MemoryStorage.CreateSnapshot: %w", err)
	}

	if err := g.appendRecordLocked(recordTypeSnapMeta, &snap.Metadata); err != nil {
		return err
	}
	if err := g.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}

	g.snapMeta = snap.Metadata
	g.pendingSnap = &snap
	g.creatingSnapshot = false

	slog.Info("saved snapshot metadata",
		"group", g.groupID,
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
	)
	return nil
}

func (g *GroupLog) SaveConfState(cs raftpb.ConfState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.appendRecordLocked(recordTypeConfState, &cs); err != nil {
		return err
	}
	if err := g.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}
	g.confState = cs
	return nil
}

// Compact drops entries at or below toIndex from both the memory mirror and
// the durable log.
func (g *GroupLog) Compact(toIndex uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ms.Compact(toIndex); err != nil {
		if !errors.Is(err, etcdraft.ErrCompacted) {
			return fmt.Errorf("MemoryStorage.Compact: %w", err)
		}
	}

	var bestWALIdx uint64
	for ri, wi := range g.entryIndex {
		if ri <= toIndex && wi > bestWALIdx {
			bestWALIdx = wi
		}
	}
	if bestWALIdx > 0 {
		if err := g.log.TruncateFront(bestWALIdx); err != nil {
			return fmt.Errorf("wal.TruncateFront: %w", err)
		}
		for ri, wi := range g.entryIndex {
			if wi <= bestWALIdx {
				delete(g.entryIndex, ri)
			}
		}
	}

	// An outgoing snapshot below the compaction point can no longer serve
	// any follower that still needs it; drop the reference.
	if g.pendingSnap != nil && g.pendingSnap.Metadata.Index < toIndex {
		g.pendingSnap = nil
	}
	return nil
}

const noSizeLimit = ^uint64(0)

// RequestSnapshot asks for a snapshot at the next advance cycle, used when
// the applied state has drifted far past the last snapshot.
func (g *GroupLog) RequestSnapshot() {
	g.mu.Lock()
	g.createSnapshot = true
	g.mu.Unlock()
}

// AbortCreateSnapshot clears the in-progress marker after a failed snapshot
// build so a later Snapshot call can trigger a retry.
func (g *GroupLog) AbortCreateSnapshot() {
	g.mu.Lock()
	g.creatingSnapshot = false
	g.mu.Unlock()
}

func (g *GroupLog) TakeCreateSnapshot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.createSnapshot || g.creatingSnapshot {
		return false
	}
	g.createSnapshot = false
	g.creatingSnapshot = true
	return true
}

func (g *GroupLog) SnapshotIndex() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapMeta.Index
}

func (g *GroupLog) HardState() raftpb.HardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hs
}

func (g *GroupLog) ConfState() raftpb.ConfState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confState
}

func (g *GroupLog) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.log != nil {
		return g.log.Close()
	}
	return nil
}

func (g *GroupLog) appendRecordLocked(recType byte, msg interface{ Marshal() ([]byte, error) }) error {
	payload := pbutil.MustMarshal(msg)
	data := marshalRecord(recType, payload)
	if err := g.log.Write(g.nextWALIdx, data); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", g.nextWALIdx, err)
	}
	g.nextWALIdx++
	return nil
}

// etcdraft.Storage implementation, serving the consensus algorithm.

func (g *GroupLog) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hs, g.confState, nil
}

func (g *GroupLog) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	return g.ms.Entries(lo, hi, maxSize)
}

func (g *GroupLog) Term(i uint64) (uint64, error) { return g.ms.Term(i) }

func (g *GroupLog) LastIndex() (uint64, error) { return g.ms.LastIndex() }

func (g *GroupLog) FirstIndex() (uint64, error) { return g.ms.FirstIndex() }

// Snapshot serves the outgoing snapshot to the raft algorithm. When none is
// ready it raises the create flag and reports temporary unavailability; the
// algorithm retries on a later cycle once the worker has built one.
func (g *GroupLog) Snapshot() (raftpb.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pendingSnap != nil {
		return *g.pendingSnap, nil
	}
	if !g.creatingSnapshot {
		g.createSnapshot = true
	}
	return raftpb.Snapshot{}, etcdraft.ErrSnapshotTemporarilyUnavailable
}

func isHardStateEqual(a, b raftpb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}
