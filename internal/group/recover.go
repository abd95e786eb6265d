package group

import (
	"fmt"

	"groupkv/internal/raftgroup/snap"
)

// Recover restores the state machine from the newest locally stored snapshot
// before the group starts, so the consensus layer resumes applying from the
// flushed index instead of replaying the whole log.
func Recover(fsm *FSM, snapMgr *snap.Manager, replicaID uint64) error {
	meta, ok := snapMgr.Latest(replicaID)
	if !ok {
		return nil
	}

	source, err := snapMgr.OpenSource(replicaID, meta.ID)
	if err != nil {
		return fmt.Errorf("open local snapshot %s: %w", meta.ID, err)
	}
	if err := fsm.Restore(source); err != nil {
		return fmt.Errorf("restore from local snapshot %s: %w", meta.ID, err)
	}
	return nil
}
