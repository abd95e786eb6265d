package raftgroup

import (
	"encoding/json"
	"fmt"
)

// ReadPolicy selects the consistency level of one read request.
type ReadPolicy int32

const (
	// ReadRelaxed performs no consistency checkpoint.
	ReadRelaxed ReadPolicy = iota
	// ReadLease assumes a valid leadership lease and waits until every entry
	// below the current commit index has applied.
	ReadLease
	// ReadIndex additionally exchanges a heartbeat round with a quorum
	// before waiting, surviving leadership changes without staleness.
	ReadIndex
)

func (p ReadPolicy) String() string {
	switch p {
	case ReadRelaxed:
		return "relaxed"
	case ReadLease:
		return "lease"
	case ReadIndex:
		return "read-index"
	default:
		return "unknown"
	}
}

// proposalEnvelope wraps every proposed payload with the id used to resolve
// the proposer's completion when the entry applies.
type proposalEnvelope struct {
	ID   uint64 `json:"id"`
	Data []byte `json:"data,omitempty"`
}

func encodeProposal(id uint64, data []byte) ([]byte, error) {
	buf, err := json.Marshal(proposalEnvelope{ID: id, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	return buf, nil
}

func decodeProposal(buf []byte) (proposalEnvelope, error) {
	var env proposalEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return proposalEnvelope{}, fmt.Errorf("decode proposal: %w", err)
	}
	return env, nil
}
