package group

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"groupkv/internal/domain"
	"groupkv/internal/metrics"
)

var (
	ErrKeyNotFound = errors.New("key not found")

	// ErrMigrationBusy is returned when a second migration is requested
	// while another one is still in progress on the same destination.
	ErrMigrationBusy = errors.New("another migration is in progress")
)

// FSM is the replicated state machine of one shard group: a set of key-value
// shards, the group descriptor, and the migration record, all reproduced on
// every replica from committed entries. Mutations run only on the worker
// goroutine; reads take the read lock so clients and the snapshot builder can
// run concurrently with applies.
type FSM struct {
	mu sync.RWMutex

	desc     domain.GroupDescriptor
	shards   map[uint64]map[string][]byte
	applied  uint64
	term     uint64
	flushed  uint64
	migr     *domain.MigrationRecord
	observed map[uint64]uint64

	chunkSize int
}

// NewFSM builds the state machine from the group's initial descriptor. Shards
// listed in the descriptor start empty; a replica that joins later starts
// with an empty descriptor and catches up from a snapshot.
func NewFSM(desc domain.GroupDescriptor, chunkSize int) *FSM {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	f := &FSM{
		desc:      desc.Clone(),
		shards:    make(map[uint64]map[string][]byte),
		observed:  make(map[uint64]uint64),
		chunkSize: chunkSize,
	}
	for _, s := range desc.Shards {
		f.shards[s.ID] = make(map[string][]byte)
	}
	return f
}

// Apply implements ports.StateMachine.
func (f *FSM) Apply(index, term uint64, data []byte) error {
	ev, err := decodeEval(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var applyErr error
	switch {
	case ev.Batch != nil:
		applyErr = f.applyBatch(ev.Batch)
	case ev.Migration != nil:
		applyErr = f.applyMigration(ev.Migration)
	default:
		applyErr = domain.ErrInvalidArgument
	}

	f.applied = index
	f.term = term
	return applyErr
}

func (f *FSM) applyBatch(b *WriteBatch) error {
	if !f.desc.ContainsShard(b.ShardID) {
		return &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}

	shard := f.shards[b.ShardID]
	for _, kv := range b.Puts {
		shard[string(kv.Key)] = kv.Value
	}
	for _, key := range b.Deletes {
		delete(shard, string(key))
	}
	return nil
}

func (f *FSM) applyMigration(ev *MigrationEvent) error {
	switch ev.Kind {
	case EventPrepare:
		return f.applyPrepare(ev)
	case EventIngest:
		return f.applyIngest(ev)
	case EventFinish:
		return f.applyFinish(ev)
	case EventAbort:
		return f.applyAbort(ev)
	case EventRemoveShard:
		return f.applyRemoveShard(ev)
	case EventCleanup:
		return f.applyCleanup(ev)
	default:
		return fmt.Errorf("%w: migration event %d", domain.ErrInvalidArgument, ev.Kind)
	}
}

// applyPrepare is the authority on epoch fencing: the pre-proposal check is
// only a fast path, and two racing proposals are serialized here by log order.
func (f *FSM) applyPrepare(ev *MigrationEvent) error {
	if ev.SrcEpoch < f.observed[ev.SrcGroup] {
		return &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}
	if f.migr != nil {
		if f.migr.SrcGroup == ev.SrcGroup && f.migr.SrcEpoch == ev.SrcEpoch && f.migr.Shard.ID == ev.Shard.ID {
			// Duplicate request for the same migration; idempotent.
			return nil
		}
		return ErrMigrationBusy
	}
	if f.desc.ContainsShard(ev.Shard.ID) {
		// Already owned, e.g. a retry after Finish committed.
		return nil
	}

	f.observed[ev.SrcGroup] = ev.SrcEpoch
	f.migr = &domain.MigrationRecord{
		SrcGroup: ev.SrcGroup,
		SrcEpoch: ev.SrcEpoch,
		Shard:    ev.Shard,
		State:    domain.MigrationPrepare,
	}
	f.shards[ev.Shard.ID] = make(map[string][]byte)
	f.setMigrationMetric()
	return nil
}

func (f *FSM) applyIngest(ev *MigrationEvent) error {
	if !f.migrationMatches(ev) {
		return &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}
	if f.migr.State == domain.MigrationFinishing {
		// Late duplicate of a batch already covered by Finish.
		return nil
	}

	shard := f.shards[ev.Shard.ID]
	for _, kv := range ev.Batch {
		shard[string(kv.Key)] = kv.Value
	}
	f.migr.State = domain.MigrationMigrating
	f.migr.LastKey = ev.LastKey
	f.setMigrationMetric()
	return nil
}

// applyFinish moves the shard into the descriptor and bumps the epoch; from
// this entry on the destination owns the shard. The record stays, in
// Finishing, until Cleanup commits: it is what lets a new leader resume the
// source-side shard drop after a failover.
func (f *FSM) applyFinish(ev *MigrationEvent) error {
	if !f.migrationMatches(ev) {
		return &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}
	if f.migr.State == domain.MigrationFinishing {
		// Retried after a failover; ownership already moved.
		return nil
	}

	f.desc.Shards = append(f.desc.Shards, ev.Shard)
	f.desc.Epoch++
	// The source bumps its own epoch when it drops the shard; record the
	// minimum it will reach so stale retries of this migration fence out.
	if ev.SrcEpoch+1 > f.observed[ev.SrcGroup] {
		f.observed[ev.SrcGroup] = ev.SrcEpoch + 1
	}
	f.migr.State = domain.MigrationFinishing
	f.setMigrationMetric()
	metrics.MigrationsTotal.WithLabelValues("finished").Inc()
	return nil
}

func (f *FSM) applyCleanup(ev *MigrationEvent) error {
	if !f.migrationMatches(ev) || f.migr.State != domain.MigrationFinishing {
		// Late or duplicate; the record is already gone.
		return nil
	}
	f.migr = nil
	f.setMigrationMetric()
	return nil
}

func (f *FSM) applyAbort(ev *MigrationEvent) error {
	if !f.migrationMatches(ev) {
		// Nothing to abort; a duplicate or late entry.
		return nil
	}

	delete(f.shards, ev.Shard.ID)
	f.migr = nil
	f.setMigrationMetric()
	metrics.MigrationsTotal.WithLabelValues("aborted").Inc()
	return nil
}

// applyRemoveShard runs on the source group after the destination committed
// Finish: the shard leaves the descriptor and the epoch bumps, fencing any
// client still routing to the old owner.
func (f *FSM) applyRemoveShard(ev *MigrationEvent) error {
	if ev.SrcEpoch != f.desc.Epoch {
		return &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}
	if !f.desc.ContainsShard(ev.Shard.ID) {
		return nil
	}

	shards := f.desc.Shards[:0]
	for _, s := range f.desc.Shards {
		if s.ID != ev.Shard.ID {
			shards = append(shards, s)
		}
	}
	f.desc.Shards = shards
	f.desc.Epoch++
	delete(f.shards, ev.Shard.ID)
	return nil
}

func (f *FSM) migrationMatches(ev *MigrationEvent) bool {
	return f.migr != nil &&
		f.migr.SrcGroup == ev.SrcGroup &&
		f.migr.SrcEpoch == ev.SrcEpoch &&
		f.migr.Shard.ID == ev.Shard.ID
}

// ApplyConfChange implements ports.StateMachine: the descriptor's membership
// tracks committed conf changes, and every membership change bumps the epoch.
func (f *FSM) ApplyConfChange(index uint64, change domain.ChangeReplicas) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range change.Changes {
		switch ch.Type {
		case domain.ChangeAdd:
			f.upsertReplica(domain.ReplicaDesc{ID: ch.ReplicaID, NodeID: ch.NodeID, Role: domain.RoleVoter})
		case domain.ChangeAddLearner:
			f.upsertReplica(domain.ReplicaDesc{ID: ch.ReplicaID, NodeID: ch.NodeID, Role: domain.RoleLearner})
		case domain.ChangeRemove:
			replicas := f.desc.Replicas[:0]
			for _, r := range f.desc.Replicas {
				if r.ID != ch.ReplicaID {
					replicas = append(replicas, r)
				}
			}
			f.desc.Replicas = replicas
		default:
			return fmt.Errorf("%w: change type %d", domain.ErrInvalidArgument, ch.Type)
		}
	}
	f.desc.Epoch++
	f.applied = index
	return nil
}

func (f *FSM) upsertReplica(desc domain.ReplicaDesc) {
	for i, r := range f.desc.Replicas {
		if r.ID == desc.ID {
			f.desc.Replicas[i] = desc
			return
		}
	}
	f.desc.Replicas = append(f.desc.Replicas, desc)
}

// Descriptor implements ports.StateMachine.
func (f *FSM) Descriptor() domain.GroupDescriptor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.desc.Clone()
}

// FlushedIndex implements ports.StateMachine: the last index whose effects
// are durable, which for this in-memory state machine is the index of the
// last snapshot written or restored. Entries above it stay in the log.
func (f *FSM) FlushedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flushed
}

// AppliedIndex is the last applied entry index, ahead of FlushedIndex by the
// entries applied since the last snapshot.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.applied
}

// Get reads one key from an owned shard. Routing to a shard this group does
// not own reports the current descriptor so the caller can re-route.
func (f *FSM) Get(shardID uint64, key []byte) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.desc.ContainsShard(shardID) {
		return nil, &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}
	value, ok := f.shards[shardID][string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// ShardLen reports the number of keys in a shard, including staged migration
// data for a shard not yet in the descriptor.
func (f *FSM) ShardLen(shardID uint64) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.shards[shardID])
}

// RangeBatch returns up to limit pairs of a shard with keys strictly greater
// than fromKey, in key order, and whether the shard is exhausted. Used by the
// source side of a migration pull.
func (f *FSM) RangeBatch(shardID uint64, fromKey []byte, limit int) ([]KeyValue, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.desc.ContainsShard(shardID) {
		return nil, false, &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}

	shard := f.shards[shardID]
	keys := make([]string, 0, len(shard))
	for k := range shard {
		if fromKey == nil || bytes.Compare([]byte(k), fromKey) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	done := len(keys) <= limit
	if !done {
		keys = keys[:limit]
	}

	batch := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, KeyValue{Key: []byte(k), Value: shard[k]})
	}
	return batch, done, nil
}

// FenceSourceEpoch is the pre-proposal fast path of the migration fence:
// stale iff the supplied epoch is strictly below the recorded one.
func (f *FSM) FenceSourceEpoch(srcGroup, srcEpoch uint64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if srcEpoch < f.observed[srcGroup] {
		return &domain.EpochNotMatchError{Current: f.desc.Clone()}
	}
	return nil
}

// Migration returns a copy of the current migration record, nil when none is
// in progress.
func (f *FSM) Migration() *domain.MigrationRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.migr == nil {
		return nil
	}
	rec := *f.migr
	return &rec
}

func (f *FSM) setMigrationMetric() {
	state := domain.MigrationNone
	if f.migr != nil {
		state = f.migr.State
	}
	metrics.MigrationState.WithLabelValues(groupLabel(f.desc.ID)).Set(float64(state))
}

func groupLabel(id uint64) string {
	return fmt.Sprintf("%d", id)
}
