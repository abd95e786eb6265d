package group

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup"
)

// LocalPuller implements ShardPuller against source groups hosted in the
// same process. A multi-node deployment substitutes a puller that routes to
// the source group's leader over the client protocol; that protocol is an
// external collaborator here.
type LocalPuller struct {
	replicas *xsync.MapOf[uint64, *Replica]
}

func NewLocalPuller() *LocalPuller {
	return &LocalPuller{replicas: xsync.NewMapOf[uint64, *Replica]()}
}

// Register adds a hosted replica as a pull target for its group.
func (p *LocalPuller) Register(groupID uint64, replica *Replica) {
	p.replicas.Store(groupID, replica)
}

func (p *LocalPuller) Unregister(groupID uint64) {
	p.replicas.Delete(groupID)
}

func (p *LocalPuller) source(groupID uint64) (*Replica, error) {
	r, ok := p.replicas.Load(groupID)
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	return r, nil
}

func (p *LocalPuller) SourceEpoch(ctx context.Context, srcGroup uint64) (uint64, error) {
	r, err := p.source(srcGroup)
	if err != nil {
		return 0, err
	}
	return r.Epoch(ctx)
}

func (p *LocalPuller) Pull(ctx context.Context, srcGroup uint64, shard domain.ShardDesc, fromKey []byte, limit int) ([]KeyValue, bool, error) {
	r, err := p.source(srcGroup)
	if err != nil {
		return nil, false, err
	}
	return r.PullShardBatch(ctx, shard.ID, fromKey, limit)
}

func (p *LocalPuller) RemoveSourceShard(ctx context.Context, srcGroup, srcEpoch, shardID uint64) error {
	r, err := p.source(srcGroup)
	if err != nil {
		return err
	}
	return r.RemoveShard(ctx, shardID, srcEpoch)
}

// Epoch reports this group's current epoch after a lease-read checkpoint, so
// the caller never observes an epoch behind a committed change.
func (r *Replica) Epoch(ctx context.Context) (uint64, error) {
	handle, err := r.boundHandle()
	if err != nil {
		return 0, err
	}
	if err := handle.Read(ctx, raftgroup.ReadLease); err != nil {
		return 0, err
	}
	return r.fsm.Descriptor().Epoch, nil
}
