package ports

import (
	"context"

	"go.etcd.io/raft/v3/raftpb"

	"groupkv/internal/domain"
)

// RaftRole mirrors the consensus algorithm's role for observers.
type RaftRole int32

const (
	RoleFollower RaftRole = iota
	RoleCandidate
	RolePreCandidate
	RoleLeader
)

func (r RaftRole) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// RaftMessageBatch carries consensus messages for one destination replica,
// together with both endpoint descriptors so receivers can refresh their
// replica caches from message headers.
type RaftMessageBatch struct {
	GroupID  uint64             `json:"group_id"`
	From     domain.ReplicaDesc `json:"from"`
	To       domain.ReplicaDesc `json:"to"`
	Messages []raftpb.Message   `json:"messages"`
}

// Transport delivers message batches to peer replicas. Delivery is
// best-effort: messages may be dropped or reordered across reconnects, and
// the consensus algorithm's own retransmission covers loss.
type Transport interface {
	Send(batch RaftMessageBatch)
}

// MessageHandler receives inbound batches from the transport server and
// routes them to the owning group worker.
type MessageHandler interface {
	HandleRaftMessage(batch RaftMessageBatch) error
}

// AddressResolver maps node ids to dialable addresses.
type AddressResolver interface {
	Resolve(nodeID uint64) (string, error)
}

// SnapshotMeta describes one stored snapshot.
type SnapshotMeta struct {
	ID         string                 `json:"id"`
	Index      uint64                 `json:"index"`
	Term       uint64                 `json:"term"`
	Descriptor domain.GroupDescriptor `json:"descriptor"`
	Checksum   uint32                 `json:"checksum"`
	Chunks     int                    `json:"chunks"`
}

// SnapshotBuilder streams a consistent point-in-time copy of a state
// machine's data in bounded-size chunks. Next returns io.EOF after the final
// chunk.
type SnapshotBuilder interface {
	Next() ([]byte, error)
	AppliedIndex() uint64
	AppliedTerm() uint64
	Descriptor() domain.GroupDescriptor
}

// SnapshotSource streams a stored or downloaded snapshot back out. Next
// returns io.EOF after the final chunk.
type SnapshotSource interface {
	Meta() SnapshotMeta
	Next() ([]byte, error)
}

// SnapshotRetriever pulls snapshot chunks from a remote replica, used by the
// download task when the leader advertises a snapshot this replica lacks.
type SnapshotRetriever interface {
	Retrieve(ctx context.Context, from domain.ReplicaDesc, snapshotID string) (SnapshotSource, error)
}

// StateMachine is the per-group application the worker drives. Implementations
// are called only from the owning worker goroutine for mutations; Descriptor
// and FlushedIndex may be read concurrently.
type StateMachine interface {
	Apply(index, term uint64, data []byte) error
	ApplyConfChange(index uint64, change domain.ChangeReplicas) error
	Descriptor() domain.GroupDescriptor
	FlushedIndex() uint64
	SnapshotBuilder() SnapshotBuilder
	Restore(source SnapshotSource) error
}

// StateObserver is notified on every leader/term/role change of a group.
type StateObserver interface {
	OnStateUpdated(leaderID, votedFor, term uint64, role RaftRole)
}

// RequestSink lets off-loop snapshot tasks hand their results back to the
// worker's serialized request queue.
type RequestSink interface {
	CreateSnapshotFinished()
	InstallSnapshot(msg raftpb.Message)
	RejectSnapshot(msg raftpb.Message)
}
