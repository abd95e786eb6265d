package group

import (
	"context"
	"log/slog"
	"sync"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup"
	"groupkv/internal/raftgroup/ports"
)

// AcceptShardRequest asks a destination group to take over a shard from the
// named source group at the given source epoch.
type AcceptShardRequest struct {
	SrcGroup uint64           `json:"src_group"`
	SrcEpoch uint64           `json:"src_epoch"`
	Shard    domain.ShardDesc `json:"shard"`
}

// Replica is the client surface of one shard-group replica: key-value
// operations routed through consensus, the migration API, and the state
// observer that drives the migration runner on leadership changes.
type Replica struct {
	fsm    *FSM
	puller ShardPuller

	mu       sync.Mutex
	handle   *raftgroup.Handle
	isLeader bool
	leaderID uint64
	runner   *migrationRunner
	// overlay reports Finishing/Aborting while the runner is still committing
	// the entry that makes the state durable.
	overlay domain.MigrationState
}

func NewReplica(fsm *FSM, puller ShardPuller) *Replica {
	return &Replica{fsm: fsm, puller: puller}
}

// Bind attaches the consensus handle once the group is started. Must be
// called before any operation is served.
func (r *Replica) Bind(handle *raftgroup.Handle) {
	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()
}

func (r *Replica) FSM() *FSM { return r.fsm }

func (r *Replica) boundHandle() (*raftgroup.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil, domain.ErrUnavailable
	}
	return r.handle, nil
}

// Put replicates a single-key write into the owning shard.
func (r *Replica) Put(ctx context.Context, shardID uint64, key, value []byte) error {
	return r.propose(ctx, EvalResult{Batch: &WriteBatch{
		ShardID: shardID,
		Puts:    []KeyValue{{Key: key, Value: value}},
	}})
}

// Delete replicates a single-key delete.
func (r *Replica) Delete(ctx context.Context, shardID uint64, key []byte) error {
	return r.propose(ctx, EvalResult{Batch: &WriteBatch{
		ShardID: shardID,
		Deletes: [][]byte{key},
	}})
}

// Get reads a key under the requested consistency policy.
func (r *Replica) Get(ctx context.Context, policy raftgroup.ReadPolicy, shardID uint64, key []byte) ([]byte, error) {
	handle, err := r.boundHandle()
	if err != nil {
		return nil, err
	}
	if err := handle.Read(ctx, policy); err != nil {
		return nil, err
	}
	return r.fsm.Get(shardID, key)
}

func (r *Replica) propose(ctx context.Context, ev EvalResult) error {
	handle, err := r.boundHandle()
	if err != nil {
		return err
	}
	data, err := encodeEval(ev)
	if err != nil {
		return err
	}
	return handle.Propose(ctx, data)
}

// AcceptShard starts (or resumes) a migration of the given shard into this
// group. The epoch fence makes it idempotent under retry: a stale source
// epoch fails fast, a duplicate of the in-flight migration is a no-op.
func (r *Replica) AcceptShard(ctx context.Context, req AcceptShardRequest) error {
	if req.SrcGroup == 0 || req.Shard.ID == 0 {
		return domain.ErrInvalidArgument
	}
	if err := r.fsm.FenceSourceEpoch(req.SrcGroup, req.SrcEpoch); err != nil {
		return err
	}

	err := r.propose(ctx, EvalResult{Migration: &MigrationEvent{
		Kind:     EventPrepare,
		SrcGroup: req.SrcGroup,
		SrcEpoch: req.SrcEpoch,
		Shard:    req.Shard,
	}})
	if err != nil {
		return err
	}

	r.maybeStartRunner()
	return nil
}

// CollectMigrationState reports the migration progress of this group. None
// means either finished or never started; callers distinguish by re-checking
// shard ownership in the descriptor.
func (r *Replica) CollectMigrationState() domain.MigrationState {
	r.mu.Lock()
	overlay := r.overlay
	r.mu.Unlock()
	if overlay != domain.MigrationNone {
		return overlay
	}

	rec := r.fsm.Migration()
	if rec == nil {
		return domain.MigrationNone
	}
	return rec.State
}

// PullShardBatch serves one page of shard data to a migrating destination,
// after a lease-read checkpoint so the page reflects every committed write.
func (r *Replica) PullShardBatch(ctx context.Context, shardID uint64, fromKey []byte, limit int) ([]KeyValue, bool, error) {
	handle, err := r.boundHandle()
	if err != nil {
		return nil, false, err
	}
	if err := handle.Read(ctx, raftgroup.ReadLease); err != nil {
		return nil, false, err
	}
	return r.fsm.RangeBatch(shardID, fromKey, limit)
}

// RemoveShard commits the source side of a finished migration: the shard
// leaves this group's descriptor and the epoch bumps.
func (r *Replica) RemoveShard(ctx context.Context, shardID uint64, expectedEpoch uint64) error {
	return r.propose(ctx, EvalResult{Migration: &MigrationEvent{
		Kind:     EventRemoveShard,
		SrcEpoch: expectedEpoch,
		Shard:    domain.ShardDesc{ID: shardID},
	}})
}

// OnStateUpdated implements ports.StateObserver: leadership gains resume any
// committed-but-unfinished migration, leadership losses stop the runner.
func (r *Replica) OnStateUpdated(leaderID, votedFor, term uint64, role ports.RaftRole) {
	r.mu.Lock()
	r.isLeader = role == ports.RoleLeader
	r.leaderID = leaderID
	if !r.isLeader && r.runner != nil {
		r.runner.stop()
		r.runner = nil
		r.overlay = domain.MigrationNone
	}
	r.mu.Unlock()

	if r.isLeaderNow() && r.fsm.Migration() != nil {
		r.maybeStartRunner()
	}
}

func (r *Replica) isLeaderNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isLeader
}

func (r *Replica) maybeStartRunner() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isLeader || r.runner != nil || r.handle == nil || r.puller == nil {
		return
	}
	rec := r.fsm.Migration()
	if rec == nil {
		return
	}

	runner := newMigrationRunner(r)
	r.runner = runner
	runner.start()
	slog.Info("migration runner started",
		"group", r.fsm.Descriptor().ID,
		"src_group", rec.SrcGroup,
		"shard", rec.Shard.ID,
		"state", rec.State.String(),
	)
}

func (r *Replica) runnerFinished(runner *migrationRunner) {
	r.mu.Lock()
	if r.runner == runner {
		r.runner = nil
		r.overlay = domain.MigrationNone
	}
	r.mu.Unlock()
}

func (r *Replica) setOverlay(runner *migrationRunner, state domain.MigrationState) {
	r.mu.Lock()
	if r.runner == runner {
		r.overlay = state
	}
	r.mu.Unlock()
}

// Stop halts the migration runner, used on group shutdown.
func (r *Replica) Stop() {
	r.mu.Lock()
	runner := r.runner
	r.runner = nil
	r.overlay = domain.MigrationNone
	r.mu.Unlock()
	if runner != nil {
		runner.stop()
		runner.wait()
	}
}
