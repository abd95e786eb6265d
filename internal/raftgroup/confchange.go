package raftgroup

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/raft/v3/raftpb"

	"groupkv/internal/domain"
)

// confChangeContext rides inside the encoded conf change so the decode path
// recovers the original domain request without loss, plus the proposal id
// used to resolve the caller's completion on apply.
type confChangeContext struct {
	ID     uint64                `json:"id"`
	Change domain.ChangeReplicas `json:"change"`
}

// encodeConfChange translates a domain membership delta into the consensus
// algorithm's joint-configuration representation. Only internally generated
// changes reach this path; an unknown change type is a programming error.
func encodeConfChange(id uint64, change domain.ChangeReplicas) (raftpb.ConfChangeV2, error) {
	singles := make([]raftpb.ConfChangeSingle, 0, len(change.Changes))
	for _, c := range change.Changes {
		var t raftpb.ConfChangeType
		switch c.Type {
		case domain.ChangeAdd:
			t = raftpb.ConfChangeAddNode
		case domain.ChangeRemove:
			t = raftpb.ConfChangeRemoveNode
		case domain.ChangeAddLearner:
			t = raftpb.ConfChangeAddLearnerNode
		default:
			panic(fmt.Sprintf("unsupported replica change type %d", c.Type))
		}
		singles = append(singles, raftpb.ConfChangeSingle{
			Type:   t,
			NodeID: c.ReplicaID,
		})
	}

	ctx, err := json.Marshal(confChangeContext{ID: id, Change: change})
	if err != nil {
		return raftpb.ConfChangeV2{}, fmt.Errorf("encode conf change context: %w", err)
	}

	return raftpb.ConfChangeV2{
		Transition: raftpb.ConfChangeTransitionAuto,
		Changes:    singles,
		Context:    ctx,
	}, nil
}

// decodeConfChange recovers the embedded domain request. A malformed context
// is reported as an error rather than a panic: the entry may have been
// written by a different (or corrupted) binary, and one bad entry must not
// take the whole group down.
func decodeConfChange(cc raftpb.ConfChangeV2) (uint64, domain.ChangeReplicas, error) {
	var ctx confChangeContext
	if err := json.Unmarshal(cc.Context, &ctx); err != nil {
		return 0, domain.ChangeReplicas{}, fmt.Errorf("decode conf change context: %w", err)
	}
	return ctx.ID, ctx.Change, nil
}

// ConfStateFromDescriptor derives the consensus membership from a group
// descriptor, including joint-configuration members mid-change.
func ConfStateFromDescriptor(desc domain.GroupDescriptor) raftpb.ConfState {
	var cs raftpb.ConfState
	inJoint := false
	for _, replica := range desc.Replicas {
		switch replica.Role {
		case domain.RoleVoter:
			cs.Voters = append(cs.Voters, replica.ID)
		case domain.RoleLearner:
			cs.Learners = append(cs.Learners, replica.ID)
		case domain.RoleIncomingVoter:
			inJoint = true
			cs.Voters = append(cs.Voters, replica.ID)
		case domain.RoleDemotingVoter:
			inJoint = true
			cs.VotersOutgoing = append(cs.VotersOutgoing, replica.ID)
			cs.LearnersNext = append(cs.LearnersNext, replica.ID)
		}
	}
	if !inJoint {
		cs.VotersOutgoing = nil
	}
	return cs
}
