package group

import (
	"context"
	"log/slog"
	"time"

	"groupkv/internal/domain"
)

const (
	pullBatchSize = 256
	pullBackoff   = 500 * time.Millisecond
)

// ShardPuller is the destination's view of the source group during a
// migration: an epoch probe, a paged data pull, and the post-finish request
// that drops the shard at the source. Implementations route to the source
// group's leader.
type ShardPuller interface {
	SourceEpoch(ctx context.Context, srcGroup uint64) (uint64, error)
	Pull(ctx context.Context, srcGroup uint64, shard domain.ShardDesc, fromKey []byte, limit int) ([]KeyValue, bool, error)
	RemoveSourceShard(ctx context.Context, srcGroup, srcEpoch, shardID uint64) error
}

// migrationRunner drives one migration from the destination leader: pull
// batches from the source, commit each as a log entry, then commit Finish —
// or Abort once the source epoch advances past the fenced one. It holds no
// state of its own; after a failover the new leader's runner resumes from the
// committed migration record.
type migrationRunner struct {
	replica *Replica

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newMigrationRunner(replica *Replica) *migrationRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &migrationRunner{
		replica: replica,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (m *migrationRunner) start() {
	go m.run()
}

// stop cancels the runner without waiting; every blocking call inside run is
// context-aware, so cancellation is prompt even when called from the worker's
// observer callback.
func (m *migrationRunner) stop() {
	m.cancel()
}

func (m *migrationRunner) wait() {
	<-m.done
}

func (m *migrationRunner) run() {
	defer close(m.done)
	defer m.replica.runnerFinished(m)

	for m.ctx.Err() == nil {
		rec := m.replica.fsm.Migration()
		if rec == nil {
			// Finished or aborted, possibly by an entry committed before
			// this leader took over.
			return
		}

		if rec.State == domain.MigrationFinishing {
			// Ownership already committed here; only the source-side drop
			// and the cleanup entry remain, e.g. after a failover
			// mid-finish.
			m.removeAtSource(*rec)
			return
		}

		if aborted := m.checkSourceEpoch(*rec); aborted {
			return
		}

		batch, exhausted, err := m.replica.puller.Pull(m.ctx, rec.SrcGroup, rec.Shard, rec.LastKey, pullBatchSize)
		if err != nil {
			if _, stale := domain.IsEpochNotMatch(err); stale {
				m.abort(*rec)
				return
			}
			slog.Warn("shard pull failed, backing off",
				"src_group", rec.SrcGroup, "shard", rec.Shard.ID, "error", err)
			m.sleep(pullBackoff)
			continue
		}

		if len(batch) > 0 {
			ev := &MigrationEvent{
				Kind:     EventIngest,
				SrcGroup: rec.SrcGroup,
				SrcEpoch: rec.SrcEpoch,
				Shard:    rec.Shard,
				Batch:    batch,
				LastKey:  batch[len(batch)-1].Key,
			}
			if err := m.replica.propose(m.ctx, EvalResult{Migration: ev}); err != nil {
				slog.Warn("failed to commit migration batch",
					"src_group", rec.SrcGroup, "shard", rec.Shard.ID, "error", err)
				return
			}
		}

		if exhausted {
			m.finish(*rec)
			return
		}
	}
}

// checkSourceEpoch aborts the migration when the source epoch has advanced
// past the fenced one, meaning the source changed underneath us. An abort is
// always safe before Finish commits.
func (m *migrationRunner) checkSourceEpoch(rec domain.MigrationRecord) bool {
	epoch, err := m.replica.puller.SourceEpoch(m.ctx, rec.SrcGroup)
	if err != nil {
		// Transient; the pull itself surfaces a definite epoch mismatch.
		return false
	}
	if epoch > rec.SrcEpoch {
		m.abort(rec)
		return true
	}
	return false
}

func (m *migrationRunner) finish(rec domain.MigrationRecord) {
	m.replica.setOverlay(m, domain.MigrationFinishing)

	ev := &MigrationEvent{
		Kind:     EventFinish,
		SrcGroup: rec.SrcGroup,
		SrcEpoch: rec.SrcEpoch,
		Shard:    rec.Shard,
	}
	if err := m.replica.propose(m.ctx, EvalResult{Migration: ev}); err != nil {
		slog.Warn("failed to commit migration finish",
			"src_group", rec.SrcGroup, "shard", rec.Shard.ID, "error", err)
		return
	}

	m.removeAtSource(rec)
}

// removeAtSource drops the shard at the source, then commits Cleanup to clear
// the record. Until Cleanup lands the record stays in Finishing, so the drop
// survives leader changes on either side: this runner retries across source
// leader changes, and a destination failover restarts here from the record.
func (m *migrationRunner) removeAtSource(rec domain.MigrationRecord) {
	for m.ctx.Err() == nil {
		err := m.replica.puller.RemoveSourceShard(m.ctx, rec.SrcGroup, rec.SrcEpoch, rec.Shard.ID)
		if err == nil {
			break
		}
		if _, stale := domain.IsEpochNotMatch(err); stale {
			// Source already moved past the fenced epoch, e.g. an earlier
			// removal attempt committed.
			break
		}
		slog.Warn("failed to remove shard at source, retrying",
			"src_group", rec.SrcGroup, "shard", rec.Shard.ID, "error", err)
		m.sleep(pullBackoff)
	}
	if m.ctx.Err() != nil {
		return
	}

	ev := &MigrationEvent{
		Kind:     EventCleanup,
		SrcGroup: rec.SrcGroup,
		SrcEpoch: rec.SrcEpoch,
		Shard:    rec.Shard,
	}
	if err := m.replica.propose(m.ctx, EvalResult{Migration: ev}); err != nil {
		slog.Warn("failed to commit migration cleanup",
			"src_group", rec.SrcGroup, "shard", rec.Shard.ID, "error", err)
		return
	}

	slog.Info("shard migration finished",
		"src_group", rec.SrcGroup,
		"src_epoch", rec.SrcEpoch,
		"shard", rec.Shard.ID,
	)
}

func (m *migrationRunner) abort(rec domain.MigrationRecord) {
	m.replica.setOverlay(m, domain.MigrationAborting)

	ev := &MigrationEvent{
		Kind:     EventAbort,
		SrcGroup: rec.SrcGroup,
		SrcEpoch: rec.SrcEpoch,
		Shard:    rec.Shard,
	}
	if err := m.replica.propose(m.ctx, EvalResult{Migration: ev}); err != nil {
		slog.Warn("failed to commit migration abort",
			"src_group", rec.SrcGroup, "shard", rec.Shard.ID, "error", err)
		return
	}

	slog.Info("shard migration aborted",
		"src_group", rec.SrcGroup,
		"src_epoch", rec.SrcEpoch,
		"shard", rec.Shard.ID,
	)
}

func (m *migrationRunner) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.ctx.Done():
	}
}
