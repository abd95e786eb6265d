package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
)

// Store owns the durable logs of every group hosted on this node, one wal
// directory per group under <dir>/<group_id>/. It is safe for concurrent use
// across group workers; each GroupLog is handed to exactly one worker.
type Store struct {
	dir    string
	noSync bool
	groups *xsync.MapOf[uint64, *GroupLog]
}

func Open(dir string, noSync bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		noSync: noSync,
		groups: xsync.NewMapOf[uint64, *GroupLog](),
	}, nil
}

// OpenGroup opens (or returns the already open) log for one group.
func (s *Store) OpenGroup(groupID uint64) (*GroupLog, error) {
	if g, ok := s.groups.Load(groupID); ok {
		return g, nil
	}

	g, err := openGroupLog(groupID, s.groupDir(groupID), s.noSync)
	if err != nil {
		return nil, err
	}

	actual, loaded := s.groups.LoadOrStore(groupID, g)
	if loaded {
		g.Close()
		return actual, nil
	}
	return g, nil
}

// ListGroups returns the ids of every group with a durable log on disk.
func (s *Store) ListGroups() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.dir, err)
	}

	var ids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CloseGroup closes a group's log and evicts it from the cache, so a later
// OpenGroup reopens it from disk instead of handing out the closed handle.
func (s *Store) CloseGroup(groupID uint64) error {
	g, ok := s.groups.LoadAndDelete(groupID)
	if !ok {
		return nil
	}
	if err := g.Close(); err != nil {
		return fmt.Errorf("close group %d: %w", groupID, err)
	}
	return nil
}

// DestroyGroup closes and removes a group's durable log, used after the
// replica leaves the group.
func (s *Store) DestroyGroup(groupID uint64) error {
	if g, ok := s.groups.LoadAndDelete(groupID); ok {
		if err := g.Close(); err != nil {
			return fmt.Errorf("close group %d: %w", groupID, err)
		}
	}
	return os.RemoveAll(s.groupDir(groupID))
}

func (s *Store) Close() error {
	var firstErr error
	s.groups.Range(func(id uint64, g *GroupLog) bool {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.groups.Delete(id)
		return true
	})
	return firstErr
}

func (s *Store) groupDir(groupID uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(groupID, 10))
}
