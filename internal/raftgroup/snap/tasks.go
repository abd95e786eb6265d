package snap

import (
	"context"
	"log/slog"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"groupkv/internal/domain"
	"groupkv/internal/metrics"
	"groupkv/internal/raftgroup/ports"
)

const downloadTimeout = 5 * time.Minute

// DispatchCreatingSnapTask builds a snapshot off the worker goroutine and
// reports back through the sink when done. The state machine's builder is a
// consistent cut, so the worker keeps applying entries meanwhile.
func DispatchCreatingSnapTask(mgr *Manager, replicaID uint64, sm ports.StateMachine, sink ports.RequestSink) {
	go func() {
		start := time.Now()
		builder := sm.SnapshotBuilder()

		meta, err := mgr.Create(replicaID, builder)
		if err != nil {
			slog.Error("snapshot creation failed",
				"replica", replicaID, "error", err)
		} else {
			metrics.SnapshotCreateDuration.Observe(time.Since(start).Seconds())
			slog.Debug("snapshot stored",
				"replica", replicaID,
				"snapshot", meta.ID,
				"index", meta.Index,
				"chunks", meta.Chunks,
			)
		}

		// Reported even on failure so the worker can clear the in-progress
		// marker and retry later.
		sink.CreateSnapshotFinished()
	}()
}

// DispatchDownloadingSnapTask pulls the advertised snapshot payload from the
// sender, then re-injects the withheld message so the algorithm applies the
// snapshot only once its data is locally durable. Failures turn into a
// rejection so the leader stops waiting on the transfer.
func DispatchDownloadingSnapTask(mgr *Manager, retriever ports.SnapshotRetriever, replicaID uint64, from domain.ReplicaDesc, msg raftpb.Message, sink ports.RequestSink) {
	go func() {
		id := string(msg.Snapshot.Data)

		if _, err := mgr.Meta(replicaID, id); err == nil {
			sink.InstallSnapshot(msg)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
		defer cancel()

		source, err := retriever.Retrieve(ctx, from, id)
		if err != nil {
			metrics.SnapshotDownloadsTotal.WithLabelValues("failed").Inc()
			slog.Warn("snapshot download failed",
				"replica", replicaID, "snapshot", id, "from", from.NodeID, "error", err)
			sink.RejectSnapshot(msg)
			return
		}

		if _, err := mgr.Install(replicaID, source); err != nil {
			metrics.SnapshotDownloadsTotal.WithLabelValues("failed").Inc()
			slog.Warn("snapshot install failed",
				"replica", replicaID, "snapshot", id, "error", err)
			sink.RejectSnapshot(msg)
			return
		}

		metrics.SnapshotDownloadsTotal.WithLabelValues("ok").Inc()
		sink.InstallSnapshot(msg)
	}()
}
