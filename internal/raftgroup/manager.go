package raftgroup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"

	"groupkv/internal/domain"
	"groupkv/internal/logstore"
	"groupkv/internal/raftgroup/ports"
	"groupkv/internal/raftgroup/snap"
)

// ManagerOptions bundles the shared tuning knobs for every group hosted on
// one node.
type ManagerOptions struct {
	Node   NodeConfig
	Worker WorkerConfig
}

// Manager hosts the consensus groups of one node on top of a shared durable
// log store, snapshot manager and transport. It routes inbound messages to
// the owning worker and owns group lifecycle.
type Manager struct {
	nodeID    uint64
	store     *logstore.Store
	snapMgr   *snap.Manager
	transport ports.Transport
	retriever ports.SnapshotRetriever
	opts      ManagerOptions

	groups *xsync.MapOf[uint64, *Handle]
}

func NewManager(
	nodeID uint64,
	store *logstore.Store,
	snapMgr *snap.Manager,
	transport ports.Transport,
	retriever ports.SnapshotRetriever,
	opts ManagerOptions,
) *Manager {
	return &Manager{
		nodeID:    nodeID,
		store:     store,
		snapMgr:   snapMgr,
		transport: transport,
		retriever: retriever,
		opts:      opts,
		groups:    xsync.NewMapOf[uint64, *Handle](),
	}
}

func (m *Manager) SnapshotManager() *snap.Manager { return m.snapMgr }

// StartRaftGroup opens (or bootstraps) the group's durable log and spins up
// its worker. A fresh log with a populated descriptor is bootstrapped with
// the descriptor's membership; a fresh log with an empty descriptor belongs
// to a replica that will catch up from a snapshot.
func (m *Manager) StartRaftGroup(
	group domain.GroupDescriptor,
	replica domain.ReplicaDesc,
	sm ports.StateMachine,
	observer ports.StateObserver,
) (*Handle, error) {
	if _, ok := m.groups.Load(group.ID); ok {
		return nil, fmt.Errorf("group %d: already started on node %d", group.ID, m.nodeID)
	}

	glog, err := m.store.OpenGroup(group.ID)
	if err != nil {
		return nil, fmt.Errorf("open group log: %w", err)
	}

	cs := glog.ConfState()
	if len(cs.Voters) == 0 && len(cs.Learners) == 0 && len(group.Replicas) > 0 {
		initial := ConfStateFromDescriptor(group)
		if err := glog.WriteInitialState(initial); err != nil {
			return nil, fmt.Errorf("bootstrap group log: %w", err)
		}
	}

	node, err := NewRaftNode(group.ID, replica.ID, m.opts.Node, glog, sm)
	if err != nil {
		return nil, fmt.Errorf("create consensus node: %w", err)
	}

	worker := newWorker(group, replica, node, m.transport, m.retriever, m.snapMgr, observer, m.opts.Worker)
	handle := &Handle{groupID: group.ID, worker: worker, sm: sm}

	if _, loaded := m.groups.LoadOrStore(group.ID, handle); loaded {
		// The racing starter owns the shared log handle; leave it open.
		return nil, fmt.Errorf("group %d: already started on node %d", group.ID, m.nodeID)
	}
	worker.start()

	return handle, nil
}

// ListGroups returns the ids of every group with durable state in the store,
// including groups not currently started.
func (m *Manager) ListGroups() ([]uint64, error) {
	return m.store.ListGroups()
}

// Group returns the handle of a hosted group.
func (m *Manager) Group(groupID uint64) (*Handle, error) {
	handle, ok := m.groups.Load(groupID)
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	return handle, nil
}

// StopGroup stops a group's worker and closes its log, leaving durable
// state in place for a later restart.
func (m *Manager) StopGroup(groupID uint64) error {
	handle, ok := m.groups.LoadAndDelete(groupID)
	if !ok {
		return domain.ErrGroupNotFound
	}
	handle.worker.stop()
	if err := m.store.CloseGroup(groupID); err != nil {
		return fmt.Errorf("close group log: %w", err)
	}
	slog.Info("group stopped", "group", groupID, "node", m.nodeID)
	return nil
}

// DestroyGroup stops a group and removes its durable log and snapshots.
func (m *Manager) DestroyGroup(groupID uint64, replicaID uint64) error {
	if err := m.StopGroup(groupID); err != nil {
		return err
	}
	if err := m.snapMgr.DropReplica(replicaID); err != nil {
		return err
	}
	return m.store.DestroyGroup(groupID)
}

// HandleRaftMessage implements ports.MessageHandler for the transport
// server.
func (m *Manager) HandleRaftMessage(batch ports.RaftMessageBatch) error {
	handle, ok := m.groups.Load(batch.GroupID)
	if !ok {
		return domain.ErrGroupNotFound
	}
	return handle.DeliverMessage(context.Background(), batch)
}

// Close stops every hosted group.
func (m *Manager) Close() error {
	var firstErr error
	m.groups.Range(func(groupID uint64, _ *Handle) bool {
		if err := m.StopGroup(groupID); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
