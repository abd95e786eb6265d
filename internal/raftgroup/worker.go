package raftgroup

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"groupkv/internal/domain"
	"groupkv/internal/logstore"
	"groupkv/internal/metrics"
	"groupkv/internal/raftgroup/ports"
	"groupkv/internal/raftgroup/snap"
)

// compactionSlack keeps at least this many entries in the log between
// compactions to avoid churning the write-ahead log on every tick.
const compactionSlack = 64

type requestKind int

const (
	reqStart requestKind = iota
	reqPropose
	reqRead
	reqChangeConfig
	reqTransfer
	reqMessage
	reqUnreachable
	reqCreateSnapshotFinished
	reqInstallSnapshot
	reqRejectSnapshot
)

type request struct {
	kind requestKind

	data       []byte
	policy     ReadPolicy
	change     domain.ChangeReplicas
	transferee uint64
	batch      ports.RaftMessageBatch
	msg        raftpb.Message
	target     uint64

	c *completion
}

// WorkerConfig carries the loop tuning knobs shared by all groups on a node.
type WorkerConfig struct {
	TickInterval     time.Duration
	RequestQueueSize int
	MaxBurstRequests int
	// SnapshotThreshold is how far the applied index may run past the last
	// snapshot before a new one is triggered. Zero disables periodic
	// snapshots; followers that fall off the log still force one on demand.
	SnapshotThreshold uint64
}

// Worker drives one consensus group: a single goroutine owns the node, the
// durable log and the replica cache, and serializes every request against
// the tick/advance cycle. Each submitted request is answered exactly once,
// including on shutdown.
type Worker struct {
	groupID    uint64
	groupLabel string
	replica    domain.ReplicaDesc

	node      *RaftNode
	log       *logstore.GroupLog
	transport ports.Transport
	retriever ports.SnapshotRetriever
	snapMgr   *snap.Manager
	observer  ports.StateObserver
	cache     *replicaCache

	cfg WorkerConfig

	requestCh chan *request
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newWorker(
	group domain.GroupDescriptor,
	replica domain.ReplicaDesc,
	node *RaftNode,
	transport ports.Transport,
	retriever ports.SnapshotRetriever,
	snapMgr *snap.Manager,
	observer ports.StateObserver,
	cfg WorkerConfig,
) *Worker {
	cache := newReplicaCache()
	cache.batchInsert(group.Replicas)

	return &Worker{
		groupID:    group.ID,
		groupLabel: strconv.FormatUint(group.ID, 10),
		replica:    replica,
		node:       node,
		log:        node.Log(),
		transport:  transport,
		retriever:  retriever,
		snapMgr:    snapMgr,
		observer:   observer,
		cache:      cache,
		cfg:        cfg,
		requestCh:  make(chan *request, cfg.RequestQueueSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (w *Worker) start() {
	go w.run()
	slog.Info("group worker started",
		"group", w.groupID,
		"replica", w.replica.ID,
		"node", w.replica.NodeID,
	)
}

func (w *Worker) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// submit hands a request to the worker goroutine. It never blocks past ctx
// and fails fast once the worker is shutting down.
func (w *Worker) submit(ctx context.Context, req *request) error {
	select {
	case <-w.stopCh:
		return ErrShuttingDown
	default:
	}

	select {
	case w.requestCh <- req:
		return nil
	case <-w.stopCh:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.drainOnShutdown()
			return

		case <-ticker.C:
			w.node.Tick()
			w.onTick()

		case req := <-w.requestCh:
			w.handleRequest(req)
			w.drainBurst()
		}

		if err := w.advance(); err != nil {
			slog.Error("group worker stopping after log write failure",
				"group", w.groupID, "error", err)
			// Close stopCh first so submit fails fast instead of queueing
			// into a loop that will never serve another request.
			select {
			case <-w.stopCh:
			default:
				close(w.stopCh)
			}
			w.node.failPending(ErrFatalLogWrite)
			w.drainOnShutdown()
			return
		}
	}
}

// drainBurst applies a bounded number of additional queued requests before
// the next advance, amortizing persistence over request batches.
func (w *Worker) drainBurst() {
	for i := 0; i < w.cfg.MaxBurstRequests; i++ {
		select {
		case req := <-w.requestCh:
			w.handleRequest(req)
		default:
			return
		}
	}
}

func (w *Worker) drainOnShutdown() {
	w.node.failPending(ErrShuttingDown)
	for {
		select {
		case req := <-w.requestCh:
			if req.c != nil {
				req.c.resolve(ErrShuttingDown)
			}
		default:
			return
		}
	}
}

func (w *Worker) handleRequest(req *request) {
	switch req.kind {
	case reqStart:
		if err := w.node.Campaign(); err != nil {
			slog.Warn("campaign failed", "group", w.groupID, "error", err)
		}
		if req.c != nil {
			req.c.resolve(nil)
		}

	case reqPropose:
		metrics.RaftProposalsTotal.WithLabelValues("submitted").Inc()
		w.node.Propose(req.data, req.c)

	case reqRead:
		w.handleRead(req)

	case reqChangeConfig:
		w.node.ProposeConfChange(req.change, req.c)

	case reqTransfer:
		w.node.TransferLeader(req.transferee)
		if req.c != nil {
			req.c.resolve(nil)
		}

	case reqMessage:
		w.handleMessageBatch(req.batch)

	case reqUnreachable:
		w.node.ReportUnreachable(req.target)

	case reqCreateSnapshotFinished:
		w.finishCreateSnapshot()

	case reqInstallSnapshot:
		if err := w.node.Step(req.msg); err != nil {
			slog.Warn("failed to step downloaded snapshot",
				"group", w.groupID, "error", err)
		}

	case reqRejectSnapshot:
		w.rejectSnapshot(req.msg)
	}
}

func (w *Worker) handleRead(req *request) {
	switch req.policy {
	case ReadRelaxed:
		// No freshness guarantee requested; the caller reads applied state.
		req.c.resolve(nil)
	case ReadLease:
		w.node.LeaseRead(req.c)
	case ReadIndex:
		w.node.ReadIndexRead(req.c)
	default:
		req.c.resolve(domain.ErrInvalidArgument)
	}
	metrics.ReadRequestsTotal.WithLabelValues(req.policy.String(), "accepted").Inc()
}

func (w *Worker) handleMessageBatch(batch ports.RaftMessageBatch) {
	// Remember the sender so replies and snapshot retrievals can be routed
	// even before a membership change lands in the descriptor.
	w.cache.insert(batch.From)

	for _, msg := range batch.Messages {
		metrics.RaftMessagesTotal.WithLabelValues("received", msg.Type.String()).Inc()

		switch msg.Type {
		case raftpb.MsgSnap:
			// The message carries only the snapshot id; the payload moves
			// out of band. Step it once the download lands.
			snap.DispatchDownloadingSnapTask(w.snapMgr, w.retriever, w.replica.ID, batch.From, msg, w)

		case raftpb.MsgSnapStatus:
			// Forwarded by a follower whose download failed. Local message,
			// so it reaches the algorithm as a status report, not a step.
			w.node.ReportSnapshotStatus(msg.From, msg.Reject)

		default:
			if err := w.node.Step(msg); err != nil {
				slog.Warn("failed to step message",
					"group", w.groupID,
					"type", msg.Type.String(),
					"from", msg.From,
					"error", err,
				)
			}
		}
	}
}

func (w *Worker) advance() error {
	for w.node.HasReady() {
		task := w.node.Advance(w)
		if task == nil {
			break
		}

		start := time.Now()
		if err := w.log.Save(task.HardState(), task.Entries(), task.MustSync()); err != nil {
			return err
		}
		if !etcdraft.IsEmptySnap(task.Snapshot()) {
			if err := w.log.ApplySnapshot(task.Snapshot()); err != nil {
				return err
			}
		}
		metrics.LogWriteDuration.Observe(time.Since(start).Seconds())

		w.node.PostAdvance(task, w)
	}

	if w.log.TakeCreateSnapshot() {
		snap.DispatchCreatingSnapTask(w.snapMgr, w.replica.ID, w.node.StateMachine(), w)
	}

	return nil
}

func (w *Worker) onTick() {
	w.maybeSnapshot()
	w.compactLog()
	w.updateMetrics()
}

func (w *Worker) maybeSnapshot() {
	if w.cfg.SnapshotThreshold == 0 {
		return
	}
	applied := w.node.AppliedIndex()
	snapIndex := w.log.SnapshotIndex()
	if applied > snapIndex && applied-snapIndex >= w.cfg.SnapshotThreshold {
		w.log.RequestSnapshot()
	}
}

// compactLog discards entries already flushed by the state machine, bounded
// on the leader by the slowest voter so laggards keep catching up from the
// log instead of forcing snapshot transfers.
func (w *Worker) compactLog() {
	to := w.node.StateMachine().FlushedIndex()

	status := w.node.Status()
	if status.RaftState == etcdraft.StateLeader {
		for _, pr := range status.Progress {
			if pr.IsLearner {
				continue
			}
			if pr.Match < to {
				to = pr.Match
			}
		}
	}

	first, err := w.log.FirstIndex()
	if err != nil || to < first+compactionSlack {
		return
	}

	if err := w.log.Compact(to); err != nil {
		if err != etcdraft.ErrCompacted {
			slog.Warn("log compaction failed", "group", w.groupID, "to", to, "error", err)
		}
		return
	}
	metrics.LogCompactionsTotal.Inc()

	recycled := w.snapMgr.Recycle(w.replica.ID, to)
	if recycled > 0 {
		metrics.SnapshotsRecycledTotal.Add(float64(recycled))
	}
}

func (w *Worker) updateMetrics() {
	status := w.node.Status()

	if status.RaftState == etcdraft.StateLeader {
		metrics.RaftIsLeader.WithLabelValues(w.groupLabel).Set(1)
	} else {
		metrics.RaftIsLeader.WithLabelValues(w.groupLabel).Set(0)
	}
	metrics.RaftTerm.WithLabelValues(w.groupLabel).Set(float64(status.Term))
	metrics.RaftCommitIndex.WithLabelValues(w.groupLabel).Set(float64(status.Commit))
	metrics.RaftAppliedIndex.WithLabelValues(w.groupLabel).Set(float64(w.node.AppliedIndex()))
}

func (w *Worker) finishCreateSnapshot() {
	meta, ok := w.snapMgr.Latest(w.replica.ID)
	if !ok {
		w.log.AbortCreateSnapshot()
		slog.Warn("snapshot creation finished but none found",
			"group", w.groupID, "replica", w.replica.ID)
		return
	}
	if err := w.log.SaveSnapshot(meta.Index, []byte(meta.ID)); err != nil {
		w.log.AbortCreateSnapshot()
		slog.Error("failed to record snapshot in log",
			"group", w.groupID, "index", meta.Index, "error", err)
		return
	}
	metrics.SnapshotsCreatedTotal.Inc()
	slog.Info("snapshot created",
		"group", w.groupID,
		"replica", w.replica.ID,
		"index", meta.Index,
		"term", meta.Term,
	)
}

// rejectSnapshot tells the leader a snapshot download failed so it can
// restart probing instead of waiting on a transfer that will never finish.
func (w *Worker) rejectSnapshot(msg raftpb.Message) {
	dest, ok := w.cache.get(msg.From)
	if !ok {
		slog.Warn("cannot notify unknown leader of rejected snapshot",
			"group", w.groupID, "leader", msg.From)
		return
	}
	w.transport.Send(ports.RaftMessageBatch{
		GroupID: w.groupID,
		From:    w.replica,
		To:      dest,
		Messages: []raftpb.Message{{
			Type:   raftpb.MsgSnapStatus,
			From:   w.replica.ID,
			To:     msg.From,
			Reject: true,
		}},
	})
}

// SendMessages implements AdvanceTemplate, batching outbound messages per
// destination replica. Messages to replicas absent from the cache are
// dropped; the algorithm retries on its own schedule.
func (w *Worker) SendMessages(msgs []raftpb.Message) {
	batches := make(map[uint64]*ports.RaftMessageBatch)
	for _, msg := range msgs {
		metrics.RaftMessagesTotal.WithLabelValues("sent", msg.Type.String()).Inc()

		b, ok := batches[msg.To]
		if !ok {
			dest, found := w.cache.get(msg.To)
			if !found {
				slog.Warn("dropping message to unknown replica",
					"group", w.groupID, "to", msg.To, "type", msg.Type.String())
				continue
			}
			b = &ports.RaftMessageBatch{GroupID: w.groupID, From: w.replica, To: dest}
			batches[msg.To] = b
		}
		b.Messages = append(b.Messages, msg)
	}

	for _, b := range batches {
		w.transport.Send(*b)
	}
}

// OnStateUpdated implements AdvanceTemplate.
func (w *Worker) OnStateUpdated(leaderID, votedFor, term uint64, role ports.RaftRole) {
	slog.Info("group state updated",
		"group", w.groupID,
		"leader", leaderID,
		"term", term,
		"role", role.String(),
	)
	if w.observer != nil {
		w.observer.OnStateUpdated(leaderID, votedFor, term, role)
	}
}

// ApplySnapshot implements AdvanceTemplate: restores the state machine from
// the previously downloaded payload named by the snapshot message.
func (w *Worker) ApplySnapshot(rs raftpb.Snapshot) {
	id := string(rs.Data)
	source, err := w.snapMgr.OpenSource(w.replica.ID, id)
	if err != nil {
		slog.Error("failed to open downloaded snapshot",
			"group", w.groupID, "snapshot", id, "error", err)
		return
	}
	if err := w.node.StateMachine().Restore(source); err != nil {
		slog.Error("failed to restore state machine from snapshot",
			"group", w.groupID, "snapshot", id, "error", err)
		return
	}
	slog.Info("state machine restored from snapshot",
		"group", w.groupID,
		"snapshot", id,
		"index", rs.Metadata.Index,
	)
}

// OnConfChangeApplied implements AdvanceTemplate, keeping the routing cache
// aligned with applied membership.
func (w *Worker) OnConfChangeApplied(change domain.ChangeReplicas) {
	for _, ch := range change.Changes {
		switch ch.Type {
		case domain.ChangeAdd, domain.ChangeAddLearner:
			w.cache.insert(domain.ReplicaDesc{ID: ch.ReplicaID, NodeID: ch.NodeID})
		case domain.ChangeRemove:
			w.cache.remove(ch.ReplicaID)
		}
	}
}

// CreateSnapshotFinished implements ports.RequestSink.
func (w *Worker) CreateSnapshotFinished() {
	w.enqueueFromTask(&request{kind: reqCreateSnapshotFinished})
}

// InstallSnapshot implements ports.RequestSink.
func (w *Worker) InstallSnapshot(msg raftpb.Message) {
	w.enqueueFromTask(&request{kind: reqInstallSnapshot, msg: msg})
}

// RejectSnapshot implements ports.RequestSink.
func (w *Worker) RejectSnapshot(msg raftpb.Message) {
	w.enqueueFromTask(&request{kind: reqRejectSnapshot, msg: msg})
}

func (w *Worker) enqueueFromTask(req *request) {
	select {
	case w.requestCh <- req:
	case <-w.stopCh:
	}
}
