package raftgroup

import "groupkv/internal/domain"

// replicaCache maps replica ids to their descriptors for message routing.
// It is owned by a single worker goroutine: seeded from the group descriptor
// at start, refreshed from every inbound message's sender descriptor and from
// committed conf changes. No locking needed.
type replicaCache struct {
	replicas map[uint64]domain.ReplicaDesc
}

func newReplicaCache() *replicaCache {
	return &replicaCache{replicas: make(map[uint64]domain.ReplicaDesc)}
}

func (c *replicaCache) get(replicaID uint64) (domain.ReplicaDesc, bool) {
	desc, ok := c.replicas[replicaID]
	return desc, ok
}

func (c *replicaCache) insert(desc domain.ReplicaDesc) {
	if desc.ID == 0 {
		return
	}
	c.replicas[desc.ID] = desc
}

func (c *replicaCache) batchInsert(descs []domain.ReplicaDesc) {
	for _, d := range descs {
		c.insert(d)
	}
}

func (c *replicaCache) remove(replicaID uint64) {
	delete(c.replicas, replicaID)
}
