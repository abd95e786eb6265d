package group

import (
	"encoding/json"
	"fmt"

	"groupkv/internal/domain"
)

// KeyValue is one key/value pair inside a write batch or migration batch.
type KeyValue struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// WriteBatch is a set of mutations against one shard, applied atomically.
type WriteBatch struct {
	ShardID uint64     `json:"shard_id"`
	Puts    []KeyValue `json:"puts,omitempty"`
	Deletes [][]byte   `json:"deletes,omitempty"`
}

// MigrationEventKind enumerates the committed steps of a shard migration.
type MigrationEventKind int32

const (
	// EventPrepare records migration intent at the destination; the
	// durability point of the protocol.
	EventPrepare MigrationEventKind = iota
	// EventIngest carries one pulled data batch into the destination.
	EventIngest
	// EventFinish transfers ownership to the destination and bumps its epoch.
	EventFinish
	// EventAbort releases partially pulled data and resets migration state.
	EventAbort
	// EventRemoveShard drops the shard from the source descriptor once the
	// destination has taken ownership, bumping the source epoch.
	EventRemoveShard
	// EventCleanup clears the destination's migration record once the source
	// has confirmed the shard drop; until it commits, the record stays in
	// Finishing so a new leader resumes the drop after a failover.
	EventCleanup
)

func (k MigrationEventKind) String() string {
	switch k {
	case EventPrepare:
		return "prepare"
	case EventIngest:
		return "ingest"
	case EventFinish:
		return "finish"
	case EventAbort:
		return "abort"
	case EventRemoveShard:
		return "remove-shard"
	case EventCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("event(%d)", int32(k))
	}
}

// MigrationEvent is one committed migration step.
type MigrationEvent struct {
	Kind     MigrationEventKind `json:"kind"`
	SrcGroup uint64             `json:"src_group"`
	SrcEpoch uint64             `json:"src_epoch"`
	Shard    domain.ShardDesc   `json:"shard"`
	Batch    []KeyValue         `json:"batch,omitempty"`
	LastKey  []byte             `json:"last_key,omitempty"`
}

// EvalResult is the payload of one replicated log entry: exactly one of its
// fields is set.
type EvalResult struct {
	Batch     *WriteBatch     `json:"batch,omitempty"`
	Migration *MigrationEvent `json:"migration,omitempty"`
}

func encodeEval(ev EvalResult) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode eval result: %w", err)
	}
	return data, nil
}

func decodeEval(data []byte) (EvalResult, error) {
	var ev EvalResult
	if err := json.Unmarshal(data, &ev); err != nil {
		return EvalResult{}, fmt.Errorf("decode eval result: %w", err)
	}
	return ev, nil
}
