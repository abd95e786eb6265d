package domain

import "fmt"

// ReplicaRole describes how a replica participates in its group's quorum.
type ReplicaRole int32

const (
	RoleVoter ReplicaRole = iota
	RoleLearner
	RoleIncomingVoter
	RoleDemotingVoter
)

func (r ReplicaRole) String() string {
	switch r {
	case RoleVoter:
		return "voter"
	case RoleLearner:
		return "learner"
	case RoleIncomingVoter:
		return "incoming-voter"
	case RoleDemotingVoter:
		return "demoting-voter"
	default:
		return fmt.Sprintf("role(%d)", int32(r))
	}
}

// ReplicaDesc identifies one member of a replication group and where it runs.
type ReplicaDesc struct {
	ID     uint64      `json:"id"`
	NodeID uint64      `json:"node_id"`
	Role   ReplicaRole `json:"role"`
}

// ShardDesc names a partition of a collection's key space. A shard belongs to
// exactly one group at a time.
type ShardDesc struct {
	ID           uint64 `json:"id"`
	CollectionID uint64 `json:"collection_id"`
	Start        []byte `json:"start,omitempty"`
	End          []byte `json:"end,omitempty"`
}

// GroupDescriptor is the versioned membership and shard list of a group.
// It is replaced wholesale by committed conf-change or migration entries;
// Epoch grows monotonically with every such replacement.
type GroupDescriptor struct {
	ID       uint64        `json:"id"`
	Epoch    uint64        `json:"epoch"`
	Shards   []ShardDesc   `json:"shards,omitempty"`
	Replicas []ReplicaDesc `json:"replicas,omitempty"`
}

// ContainsShard reports whether the descriptor lists the given shard as owned.
func (d *GroupDescriptor) ContainsShard(shardID uint64) bool {
	for _, s := range d.Shards {
		if s.ID == shardID {
			return true
		}
	}
	return false
}

// Replica returns the descriptor of the replica with the given id.
func (d *GroupDescriptor) Replica(replicaID uint64) (ReplicaDesc, bool) {
	for _, r := range d.Replicas {
		if r.ID == replicaID {
			return r, true
		}
	}
	return ReplicaDesc{}, false
}

// Clone returns a deep copy so callers can hold a descriptor across epoch
// bumps without aliasing the live one.
func (d *GroupDescriptor) Clone() GroupDescriptor {
	out := GroupDescriptor{ID: d.ID, Epoch: d.Epoch}
	out.Shards = append(out.Shards, d.Shards...)
	out.Replicas = append(out.Replicas, d.Replicas...)
	return out
}

// ChangeType enumerates domain-level membership change operations.
type ChangeType int32

const (
	ChangeAdd ChangeType = iota
	ChangeRemove
	ChangeAddLearner
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeAddLearner:
		return "add-learner"
	default:
		return fmt.Sprintf("change(%d)", int32(t))
	}
}

// ReplicaChange is one element of a membership delta.
type ReplicaChange struct {
	Type      ChangeType `json:"type"`
	ReplicaID uint64     `json:"replica_id"`
	NodeID    uint64     `json:"node_id"`
}

// ChangeReplicas is the domain-level request behind a consensus conf change.
// The encoded conf change embeds it verbatim so the decode path is lossless.
type ChangeReplicas struct {
	Changes []ReplicaChange `json:"changes"`
}

// MigrationState tracks shard-migration progress at the destination group.
type MigrationState int32

const (
	MigrationNone MigrationState = iota
	MigrationPrepare
	MigrationMigrating
	MigrationFinishing
	MigrationAborting
)

func (s MigrationState) String() string {
	switch s {
	case MigrationNone:
		return "none"
	case MigrationPrepare:
		return "prepare"
	case MigrationMigrating:
		return "migrating"
	case MigrationFinishing:
		return "finishing"
	case MigrationAborting:
		return "aborting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MigrationRecord is the durable progress of one shard migration, reproduced
// on every replica of the destination group from committed entries.
type MigrationRecord struct {
	SrcGroup uint64         `json:"src_group"`
	SrcEpoch uint64         `json:"src_epoch"`
	Shard    ShardDesc      `json:"shard"`
	State    MigrationState `json:"state"`
	// LastKey is the exclusive upper bound of pulled data, used to resume
	// batch pulls after a destination failover.
	LastKey []byte `json:"last_key,omitempty"`
}
