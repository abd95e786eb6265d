package group

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkv/internal/domain"
	"groupkv/internal/logstore"
	"groupkv/internal/raftgroup"
	"groupkv/internal/raftgroup/ports"
	"groupkv/internal/raftgroup/snap"
)

type discardTransport struct{}

func (discardTransport) Send(ports.RaftMessageBatch) {}

type noRetriever struct{}

func (noRetriever) Retrieve(context.Context, domain.ReplicaDesc, string) (ports.SnapshotSource, error) {
	return nil, errors.New("no retriever configured")
}

func newClusterManager(t *testing.T) *raftgroup.Manager {
	t.Helper()

	dir := t.TempDir()
	store, err := logstore.Open(filepath.Join(dir, "log"), true)
	require.NoError(t, err)

	snapMgr, err := snap.NewManager(filepath.Join(dir, "snap"))
	require.NoError(t, err)

	mgr := raftgroup.NewManager(1, store, snapMgr, discardTransport{}, noRetriever{}, raftgroup.ManagerOptions{
		Node: raftgroup.NodeConfig{
			ElectionTick:    10,
			HeartbeatTick:   2,
			MaxSizePerMsg:   1 << 20,
			MaxInflightMsgs: 256,
		},
		Worker: raftgroup.WorkerConfig{
			TickInterval:     5 * time.Millisecond,
			RequestQueueSize: 256,
			MaxBurstRequests: 64,
		},
	})
	t.Cleanup(func() {
		mgr.Close()
		store.Close()
	})
	return mgr
}

// startGroup boots a single-replica group and waits for it to elect itself.
func startGroup(t *testing.T, mgr *raftgroup.Manager, puller ShardPuller, groupID, replicaID uint64, shardIDs ...uint64) *Replica {
	t.Helper()

	replicaDesc := domain.ReplicaDesc{ID: replicaID, NodeID: 1, Role: domain.RoleVoter}
	desc := domain.GroupDescriptor{
		ID:       groupID,
		Epoch:    1,
		Replicas: []domain.ReplicaDesc{replicaDesc},
	}
	for _, id := range shardIDs {
		desc.Shards = append(desc.Shards, domain.ShardDesc{ID: id, CollectionID: 1})
	}

	fsm := NewFSM(desc, 0)
	replica := NewReplica(fsm, puller)

	handle, err := mgr.StartRaftGroup(desc, replicaDesc, fsm, replica)
	require.NoError(t, err)
	replica.Bind(handle)
	t.Cleanup(replica.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handle.Start(ctx))

	require.Eventually(t, replica.isLeaderNow, 5*time.Second, 5*time.Millisecond,
		"group %d never elected a leader", groupID)
	return replica
}

func TestShardMigrationMovesData(t *testing.T) {
	mgr := newClusterManager(t)
	puller := NewLocalPuller()

	source := startGroup(t, mgr, puller, 1, 1, 7)
	dest := startGroup(t, mgr, puller, 2, 2, 9)
	puller.Register(1, source)
	puller.Register(2, dest)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// More keys than one pull page so the runner commits several batches.
	const count = 1000
	for i := 0; i < count; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, source.Put(ctx, 7, key, []byte(fmt.Sprintf("val-%04d", i))))
	}

	srcEpoch, err := source.Epoch(ctx)
	require.NoError(t, err)

	// Concurrent duplicates of the same request are idempotent: the fence
	// admits both, the log serializes them, the second prepare is a no-op.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = dest.AcceptShard(ctx, AcceptShardRequest{
				SrcGroup: 1,
				SrcEpoch: srcEpoch,
				Shard:    domain.ShardDesc{ID: 7, CollectionID: 1},
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		desc := dest.FSM().Descriptor()
		return dest.CollectMigrationState() == domain.MigrationNone && desc.ContainsShard(7)
	}, 20*time.Second, 10*time.Millisecond, "migration never finished")

	// The source gives the shard up and fences its epoch.
	require.Eventually(t, func() bool {
		srcDesc := source.FSM().Descriptor()
		return !srcDesc.ContainsShard(7)
	}, 10*time.Second, 10*time.Millisecond, "source never dropped the shard")
	assert.Greater(t, source.FSM().Descriptor().Epoch, srcEpoch)
	assert.Equal(t, 0, source.FSM().ShardLen(7))

	// Every key serves from the destination now.
	assert.Equal(t, count, dest.FSM().ShardLen(7))
	for _, i := range []int{0, count / 2, count - 1} {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value, err := dest.Get(ctx, raftgroup.ReadLease, 7, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("val-%04d", i)), value)
	}

	// New writes route to the new owner; the old owner rejects them.
	require.NoError(t, dest.Put(ctx, 7, []byte("post-migration"), []byte("v")))
	err = source.Put(ctx, 7, []byte("post-migration"), []byte("v"))
	_, stale := domain.IsEpochNotMatch(err)
	assert.True(t, stale, "expected epoch-not-match from old owner, got %v", err)

	// Retrying the finished migration with the fenced epoch fails fast.
	err = dest.AcceptShard(ctx, AcceptShardRequest{
		SrcGroup: 1,
		SrcEpoch: srcEpoch,
		Shard:    domain.ShardDesc{ID: 7, CollectionID: 1},
	})
	_, stale = domain.IsEpochNotMatch(err)
	assert.True(t, stale)
}

// advancedEpochPuller reports a source epoch past the fenced one, which must
// abort the migration before any data moves.
type advancedEpochPuller struct {
	epoch uint64
}

func (p advancedEpochPuller) SourceEpoch(context.Context, uint64) (uint64, error) {
	return p.epoch, nil
}

func (p advancedEpochPuller) Pull(context.Context, uint64, domain.ShardDesc, []byte, int) ([]KeyValue, bool, error) {
	return nil, false, errors.New("pull must not run after the epoch advanced")
}

func (p advancedEpochPuller) RemoveSourceShard(context.Context, uint64, uint64, uint64) error {
	return nil
}

func TestMigrationAbortsWhenSourceEpochAdvances(t *testing.T) {
	mgr := newClusterManager(t)

	dest := startGroup(t, mgr, advancedEpochPuller{epoch: 4}, 2, 2, 9)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, dest.AcceptShard(ctx, AcceptShardRequest{
		SrcGroup: 1,
		SrcEpoch: 3,
		Shard:    domain.ShardDesc{ID: 7, CollectionID: 1},
	}))

	require.Eventually(t, func() bool {
		return dest.CollectMigrationState() == domain.MigrationNone
	}, 10*time.Second, 10*time.Millisecond, "migration never resolved")

	destDesc := dest.FSM().Descriptor()
	assert.False(t, destDesc.ContainsShard(7))
	assert.Equal(t, 0, dest.FSM().ShardLen(7))
}

// blockedRemovePuller delegates to a live puller but fails the source-side
// shard drop until released, as if the source group were unreachable.
type blockedRemovePuller struct {
	inner *LocalPuller
	mu    sync.Mutex
	allow bool
}

func (p *blockedRemovePuller) SourceEpoch(ctx context.Context, srcGroup uint64) (uint64, error) {
	return p.inner.SourceEpoch(ctx, srcGroup)
}

func (p *blockedRemovePuller) Pull(ctx context.Context, srcGroup uint64, shard domain.ShardDesc, fromKey []byte, limit int) ([]KeyValue, bool, error) {
	return p.inner.Pull(ctx, srcGroup, shard, fromKey, limit)
}

func (p *blockedRemovePuller) RemoveSourceShard(ctx context.Context, srcGroup, srcEpoch, shardID uint64) error {
	p.mu.Lock()
	allow := p.allow
	p.mu.Unlock()
	if !allow {
		return errors.New("source unreachable")
	}
	return p.inner.RemoveSourceShard(ctx, srcGroup, srcEpoch, shardID)
}

func (p *blockedRemovePuller) release() {
	p.mu.Lock()
	p.allow = true
	p.mu.Unlock()
}

func TestMigrationFinishSurvivesSourceOutage(t *testing.T) {
	mgr := newClusterManager(t)
	local := NewLocalPuller()
	puller := &blockedRemovePuller{inner: local}

	source := startGroup(t, mgr, local, 1, 1, 7)
	dest := startGroup(t, mgr, puller, 2, 2, 9)
	local.Register(1, source)
	local.Register(2, dest)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, source.Put(ctx, 7, []byte("k"), []byte("v")))
	srcEpoch, err := source.Epoch(ctx)
	require.NoError(t, err)

	require.NoError(t, dest.AcceptShard(ctx, AcceptShardRequest{
		SrcGroup: 1,
		SrcEpoch: srcEpoch,
		Shard:    domain.ShardDesc{ID: 7, CollectionID: 1},
	}))

	// Ownership transfers even though the source cannot be told to drop the
	// shard yet. The committed record holds Finishing, so the drop is owed
	// by whichever leader holds the group, not just by this runner.
	require.Eventually(t, func() bool {
		rec := dest.FSM().Migration()
		destDesc := dest.FSM().Descriptor()
		return rec != nil && rec.State == domain.MigrationFinishing &&
			destDesc.ContainsShard(7)
	}, 20*time.Second, 10*time.Millisecond, "finish never committed")
	srcDesc := source.FSM().Descriptor()
	assert.True(t, srcDesc.ContainsShard(7),
		"source keeps the shard until the drop goes through")
	assert.Equal(t, domain.MigrationFinishing, dest.CollectMigrationState())

	puller.release()

	require.Eventually(t, func() bool {
		srcDesc := source.FSM().Descriptor()
		return dest.FSM().Migration() == nil && !srcDesc.ContainsShard(7)
	}, 20*time.Second, 10*time.Millisecond, "drop never completed after the source came back")
	finalDesc := dest.FSM().Descriptor()
	assert.True(t, finalDesc.ContainsShard(7))
}

func TestAcceptShardValidation(t *testing.T) {
	mgr := newClusterManager(t)
	dest := startGroup(t, mgr, NewLocalPuller(), 2, 2, 9)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := dest.AcceptShard(ctx, AcceptShardRequest{SrcGroup: 0, Shard: domain.ShardDesc{ID: 7}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = dest.AcceptShard(ctx, AcceptShardRequest{SrcGroup: 1, Shard: domain.ShardDesc{}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRecoverFromLocalSnapshot(t *testing.T) {
	snapMgr, err := snap.NewManager(filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, err)

	f := NewFSM(testDescriptor(1), 0)
	require.NoError(t, applyBatch(t, f, 3, WriteBatch{
		ShardID: 1,
		Puts:    []KeyValue{{Key: []byte("a"), Value: []byte("1")}},
	}))

	_, err = snapMgr.Create(5, f.SnapshotBuilder())
	require.NoError(t, err)

	restored := NewFSM(domain.GroupDescriptor{}, 0)
	require.NoError(t, Recover(restored, snapMgr, 5))
	assert.Equal(t, uint64(3), restored.FlushedIndex())
	value, err := restored.Get(1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	// No snapshot yet is not an error; the log replays from scratch.
	fresh := NewFSM(testDescriptor(1), 0)
	require.NoError(t, Recover(fresh, snapMgr, 6))
	assert.Zero(t, fresh.FlushedIndex())
}
