package group

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup/ports"
)

type shardPayload struct {
	ID  uint64     `json:"id"`
	KVs []KeyValue `json:"kvs,omitempty"`
}

type snapshotPayload struct {
	Descriptor domain.GroupDescriptor  `json:"descriptor"`
	Index      uint64                  `json:"index"`
	Term       uint64                  `json:"term"`
	Migration  *domain.MigrationRecord `json:"migration,omitempty"`
	Observed   map[uint64]uint64       `json:"observed,omitempty"`
	Shards     []shardPayload          `json:"shards,omitempty"`
}

// snapshotBuilder streams a point-in-time serialization of the state machine
// in bounded chunks. The cut is taken at construction under the read lock, so
// the worker keeps applying entries while chunks drain.
type snapshotBuilder struct {
	fsm    *FSM
	data   []byte
	offset int

	index uint64
	term  uint64
	desc  domain.GroupDescriptor
}

// SnapshotBuilder implements ports.StateMachine.
func (f *FSM) SnapshotBuilder() ports.SnapshotBuilder {
	f.mu.RLock()
	defer f.mu.RUnlock()

	payload := snapshotPayload{
		Descriptor: f.desc.Clone(),
		Index:      f.applied,
		Term:       f.term,
		Observed:   make(map[uint64]uint64, len(f.observed)),
	}
	if f.migr != nil {
		rec := *f.migr
		payload.Migration = &rec
	}
	for g, e := range f.observed {
		payload.Observed[g] = e
	}

	shardIDs := make([]uint64, 0, len(f.shards))
	for id := range f.shards {
		shardIDs = append(shardIDs, id)
	}
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	for _, id := range shardIDs {
		shard := f.shards[id]
		sp := shardPayload{ID: id, KVs: make([]KeyValue, 0, len(shard))}
		keys := make([]string, 0, len(shard))
		for k := range shard {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sp.KVs = append(sp.KVs, KeyValue{Key: []byte(k), Value: shard[k]})
		}
		payload.Shards = append(payload.Shards, sp)
	}

	// Marshal of plain structs cannot fail; a zero-length chunk stream
	// would otherwise corrupt the snapshot.
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal snapshot payload: %v", err))
	}

	return &snapshotBuilder{
		fsm:   f,
		data:  data,
		index: payload.Index,
		term:  payload.Term,
		desc:  payload.Descriptor,
	}
}

func (b *snapshotBuilder) Next() ([]byte, error) {
	if b.offset >= len(b.data) {
		// The cut is fully serialized; entries up to it no longer need the
		// log for recovery.
		b.fsm.markFlushed(b.index)
		return nil, io.EOF
	}

	end := b.offset + b.fsm.chunkSize
	if end > len(b.data) {
		end = len(b.data)
	}
	chunk := b.data[b.offset:end]
	b.offset = end
	return chunk, nil
}

func (b *snapshotBuilder) AppliedIndex() uint64 { return b.index }

func (b *snapshotBuilder) AppliedTerm() uint64 { return b.term }

func (b *snapshotBuilder) Descriptor() domain.GroupDescriptor { return b.desc }

func (f *FSM) markFlushed(index uint64) {
	f.mu.Lock()
	if index > f.flushed {
		f.flushed = index
	}
	f.mu.Unlock()
}

// Restore implements ports.StateMachine, replacing the whole state with the
// snapshot's. Readers observe either the pre- or the post-image, never a mix.
func (f *FSM) Restore(source ports.SnapshotSource) error {
	var data []byte
	for {
		chunk, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read snapshot chunk: %w", err)
		}
		data = append(data, chunk...)
	}

	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode snapshot payload: %w", err)
	}

	shards := make(map[uint64]map[string][]byte, len(payload.Shards))
	for _, sp := range payload.Shards {
		shard := make(map[string][]byte, len(sp.KVs))
		for _, kv := range sp.KVs {
			shard[string(kv.Key)] = kv.Value
		}
		shards[sp.ID] = shard
	}
	observed := payload.Observed
	if observed == nil {
		observed = make(map[uint64]uint64)
	}

	f.mu.Lock()
	f.desc = payload.Descriptor
	f.shards = shards
	f.applied = payload.Index
	f.term = payload.Term
	f.flushed = payload.Index
	f.migr = payload.Migration
	f.observed = observed
	f.setMigrationMetric()
	f.mu.Unlock()

	return nil
}
