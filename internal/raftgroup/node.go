package raftgroup

import (
	"encoding/binary"
	"log/slog"
	"time"

	"go.etcd.io/etcd/pkg/v3/idutil"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"groupkv/internal/domain"
	"groupkv/internal/logstore"
	"groupkv/internal/raftgroup/ports"
)

// AdvanceTemplate is the callback surface the node uses during an advance
// cycle, keeping it agnostic of transport, snapshot and cache details.
type AdvanceTemplate interface {
	SendMessages(msgs []raftpb.Message)
	OnStateUpdated(leaderID, votedFor, term uint64, role ports.RaftRole)
	ApplySnapshot(snap raftpb.Snapshot)
	OnConfChangeApplied(change domain.ChangeReplicas)
}

// WriteTask is the durable work produced by one advance cycle. The worker
// must persist it before PostAdvance releases any dependent message.
type WriteTask struct {
	rd etcdraft.Ready
}

func (t *WriteTask) HardState() raftpb.HardState { return t.rd.HardState }
func (t *WriteTask) Entries() []raftpb.Entry     { return t.rd.Entries }
func (t *WriteTask) Snapshot() raftpb.Snapshot   { return t.rd.Snapshot }
func (t *WriteTask) MustSync() bool              { return t.rd.MustSync }

// RaftNode is the single point of interaction with one consensus instance.
// It is owned by exactly one worker goroutine; nothing here is safe for
// concurrent use.
type RaftNode struct {
	groupID   uint64
	replicaID uint64

	rn  *etcdraft.RawNode
	log *logstore.GroupLog
	sm  ports.StateMachine

	idGen *idutil.Generator

	applied  uint64
	term     uint64
	votedFor uint64
	leaderID uint64
	role     ports.RaftRole

	tick             uint64
	readTimeoutTicks uint64

	pendingProposals   map[uint64]*completion
	pendingConfChanges map[uint64]*completion
	pendingReads       []*readWaiter
}

type readWaiter struct {
	id uint64
	// index is zero until the matching ReadState arrives (read-index reads)
	// or set immediately to the commit watermark (lease reads).
	index uint64
	// deadline is the tick at which the waiter expires. A leaderless window
	// can swallow the read-index heartbeat round, so the waiter must not
	// outlive it.
	deadline uint64
	c        *completion
}

// NodeConfig carries the consensus tuning knobs for one group.
type NodeConfig struct {
	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
}

func NewRaftNode(groupID, replicaID uint64, cfg NodeConfig, log *logstore.GroupLog, sm ports.StateMachine) (*RaftNode, error) {
	applied := sm.FlushedIndex()

	rc := &etcdraft.Config{
		ID:              replicaID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         log,
		Applied:         applied,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          newRaftLogger(),
	}

	rn, err := etcdraft.NewRawNode(rc)
	if err != nil {
		return nil, err
	}

	return &RaftNode{
		groupID:            groupID,
		replicaID:          replicaID,
		rn:                 rn,
		log:                log,
		sm:                 sm,
		idGen:              idutil.NewGenerator(uint16(replicaID), time.Now()),
		applied:            applied,
		readTimeoutTicks:   uint64(2 * cfg.ElectionTick),
		pendingProposals:   make(map[uint64]*completion),
		pendingConfChanges: make(map[uint64]*completion),
	}, nil
}

func (n *RaftNode) Tick() {
	n.tick++
	n.expireReadWaiters()
	n.rn.Tick()
}

func (n *RaftNode) HasReady() bool { return n.rn.HasReady() }

func (n *RaftNode) Status() etcdraft.Status { return n.rn.Status() }

func (n *RaftNode) StateMachine() ports.StateMachine { return n.sm }

func (n *RaftNode) Log() *logstore.GroupLog { return n.log }

// Propose appends a client payload for replication. The completion resolves
// once the entry commits and applies, or fails if leadership is lost first.
func (n *RaftNode) Propose(data []byte, c *completion) {
	if n.role != ports.RoleLeader {
		c.resolve(&domain.NotLeaderError{GroupID: n.groupID, LeaderHint: n.leaderID})
		return
	}

	id := n.idGen.Next()
	env, err := encodeProposal(id, data)
	if err != nil {
		c.resolve(err)
		return
	}

	if err := n.rn.Propose(env); err != nil {
		if err == etcdraft.ErrProposalDropped {
			c.resolve(ErrProposalDropped)
		} else {
			c.resolve(err)
		}
		return
	}
	n.pendingProposals[id] = c
}

// ProposeConfChange proposes a membership change, with the domain request
// embedded as opaque context for lossless decode on apply.
func (n *RaftNode) ProposeConfChange(change domain.ChangeReplicas, c *completion) {
	if n.role != ports.RoleLeader {
		c.resolve(&domain.NotLeaderError{GroupID: n.groupID, LeaderHint: n.leaderID})
		return
	}

	id := n.idGen.Next()
	cc, err := encodeConfChange(id, change)
	if err != nil {
		c.resolve(err)
		return
	}

	if err := n.rn.ProposeConfChange(cc); err != nil {
		if err == etcdraft.ErrProposalDropped {
			c.resolve(ErrProposalDropped)
		} else {
			c.resolve(err)
		}
		return
	}
	n.pendingConfChanges[id] = c
}

// Step feeds one consensus message into the algorithm.
func (n *RaftNode) Step(msg raftpb.Message) error {
	return n.rn.Step(msg)
}

// ReadIndexRead requests a read checkpoint that includes a heartbeat round
// with a quorum, tolerating leadership changes without returning stale data.
func (n *RaftNode) ReadIndexRead(c *completion) {
	id := n.idGen.Next()
	rctx := make([]byte, 8)
	binary.BigEndian.PutUint64(rctx, id)
	n.rn.ReadIndex(rctx)
	n.pendingReads = append(n.pendingReads, &readWaiter{
		id:       id,
		deadline: n.tick + n.readTimeoutTicks,
		c:        c,
	})
}

// LeaseRead resolves once every entry below the current commit index has
// applied, assuming a valid leadership lease.
func (n *RaftNode) LeaseRead(c *completion) {
	if n.role != ports.RoleLeader {
		c.resolve(&domain.NotLeaderError{GroupID: n.groupID, LeaderHint: n.leaderID})
		return
	}
	target := n.rn.Status().Commit
	if n.applied >= target {
		c.resolve(nil)
		return
	}
	n.pendingReads = append(n.pendingReads, &readWaiter{
		index:    target,
		deadline: n.tick + n.readTimeoutTicks,
		c:        c,
	})
}

func (n *RaftNode) Campaign() error { return n.rn.Campaign() }

func (n *RaftNode) TransferLeader(target uint64) { n.rn.TransferLeader(target) }

func (n *RaftNode) ReportUnreachable(target uint64) { n.rn.ReportUnreachable(target) }

func (n *RaftNode) ReportSnapshotStatus(target uint64, rejected bool) {
	status := etcdraft.SnapshotFinish
	if rejected {
		status = etcdraft.SnapshotFailure
	}
	n.rn.ReportSnapshot(target, status)
}

// Advance drains one iteration of pending consensus work. Role changes and
// read states are delivered immediately; everything with a durability
// dependency is returned as a WriteTask for the worker to persist first.
func (n *RaftNode) Advance(tmpl AdvanceTemplate) *WriteTask {
	if !n.rn.HasReady() {
		return nil
	}

	rd := n.rn.Ready()

	if rd.SoftState != nil {
		n.handleSoftState(rd.SoftState, tmpl)
	}
	if !etcdraft.IsEmptyHardState(rd.HardState) {
		n.term = rd.HardState.Term
		n.votedFor = rd.HardState.Vote
	}
	for _, rs := range rd.ReadStates {
		n.handleReadState(rs)
	}

	return &WriteTask{rd: rd}
}

// PostAdvance completes the cycle after the write task is durable: sends the
// withheld messages, applies newly committed entries in index order, and
// unblocks the next advance.
func (n *RaftNode) PostAdvance(task *WriteTask, tmpl AdvanceTemplate) {
	rd := task.rd

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		tmpl.ApplySnapshot(rd.Snapshot)
		if rd.Snapshot.Metadata.Index > n.applied {
			n.applied = rd.Snapshot.Metadata.Index
		}
	}

	if len(rd.Messages) > 0 {
		tmpl.SendMessages(rd.Messages)
	}

	n.applyEntries(rd.CommittedEntries, tmpl)
	n.resolveReadWaiters()

	n.rn.Advance(rd)
}

func (n *RaftNode) applyEntries(entries []raftpb.Entry, tmpl AdvanceTemplate) {
	for _, entry := range entries {
		if entry.Index <= n.applied {
			continue
		}

		switch entry.Type {
		case raftpb.EntryNormal:
			n.applyNormalEntry(entry)

		case raftpb.EntryConfChange, raftpb.EntryConfChangeV2:
			n.applyConfChangeEntry(entry, tmpl)

		default:
			slog.Warn("ignoring unsupported entry type",
				"group", n.groupID,
				"index", entry.Index,
				"type", entry.Type,
			)
		}

		n.applied = entry.Index
	}
}

func (n *RaftNode) applyNormalEntry(entry raftpb.Entry) {
	if len(entry.Data) == 0 {
		// Empty entry appended on leader election.
		return
	}

	env, err := decodeProposal(entry.Data)
	if err != nil {
		slog.Error("failed to decode proposal payload",
			"group", n.groupID,
			"index", entry.Index,
			"error", err,
		)
		return
	}

	applyErr := n.sm.Apply(entry.Index, entry.Term, env.Data)
	if applyErr != nil {
		slog.Error("state machine apply failed",
			"group", n.groupID,
			"index", entry.Index,
			"error", applyErr,
		)
	}

	if c, ok := n.pendingProposals[env.ID]; ok {
		delete(n.pendingProposals, env.ID)
		c.resolve(applyErr)
	}
}

func (n *RaftNode) applyConfChangeEntry(entry raftpb.Entry, tmpl AdvanceTemplate) {
	var cc raftpb.ConfChangeV2
	if entry.Type == raftpb.EntryConfChange {
		var legacy raftpb.ConfChange
		if err := legacy.Unmarshal(entry.Data); err != nil {
			slog.Error("failed to unmarshal conf change",
				"group", n.groupID, "index", entry.Index, "error", err)
			return
		}
		cc = legacy.AsV2()
	} else if err := cc.Unmarshal(entry.Data); err != nil {
		slog.Error("failed to unmarshal conf change",
			"group", n.groupID, "index", entry.Index, "error", err)
		return
	}

	cs := n.rn.ApplyConfChange(cc)
	if cs != nil {
		if err := n.log.SaveConfState(*cs); err != nil {
			slog.Error("failed to persist conf state",
				"group", n.groupID, "error", err)
		}
	}

	if len(cc.Context) == 0 {
		// Auto leave-joint transition appended by the algorithm itself.
		return
	}

	id, change, err := decodeConfChange(cc)
	if err != nil {
		slog.Error("conf change carries malformed context",
			"group", n.groupID, "index", entry.Index, "error", err)
		return
	}

	applyErr := n.sm.ApplyConfChange(entry.Index, change)
	if applyErr != nil {
		slog.Error("state machine conf change failed",
			"group", n.groupID, "index", entry.Index, "error", applyErr)
	}
	tmpl.OnConfChangeApplied(change)

	if c, ok := n.pendingConfChanges[id]; ok {
		delete(n.pendingConfChanges, id)
		c.resolve(applyErr)
	}
}

func (n *RaftNode) handleSoftState(ss *etcdraft.SoftState, tmpl AdvanceTemplate) {
	role := roleFromState(ss.RaftState)
	changed := role != n.role || ss.Lead != n.leaderID

	wasLeader := n.role == ports.RoleLeader
	n.role = role
	n.leaderID = ss.Lead

	if wasLeader && role != ports.RoleLeader {
		// Pending work proposed under the old leadership can no longer be
		// tracked to completion here; callers redirect and retry.
		n.failPending(&domain.NotLeaderError{GroupID: n.groupID, LeaderHint: n.leaderID})
	}

	if changed {
		tmpl.OnStateUpdated(n.leaderID, n.votedFor, n.term, role)
	}
}

func (n *RaftNode) handleReadState(rs etcdraft.ReadState) {
	if len(rs.RequestCtx) != 8 {
		return
	}
	id := binary.BigEndian.Uint64(rs.RequestCtx)
	for _, w := range n.pendingReads {
		if w.id == id && w.index == 0 {
			w.index = rs.Index
		}
	}
}

func (n *RaftNode) resolveReadWaiters() {
	remaining := n.pendingReads[:0]
	for _, w := range n.pendingReads {
		if w.index != 0 && n.applied >= w.index {
			w.c.resolve(nil)
			continue
		}
		remaining = append(remaining, w)
	}
	n.pendingReads = remaining
}

// expireReadWaiters fails waiters whose ReadState never arrived, which
// happens when the heartbeat round is lost to a leaderless window or a
// leader change elsewhere. Callers retry or redirect.
func (n *RaftNode) expireReadWaiters() {
	remaining := n.pendingReads[:0]
	for _, w := range n.pendingReads {
		if n.tick >= w.deadline {
			w.c.resolve(domain.ErrUnavailable)
			continue
		}
		remaining = append(remaining, w)
	}
	n.pendingReads = remaining
}

// failPending resolves every outstanding completion with err. Used on
// leadership loss and on shutdown; each completion fires at most once.
func (n *RaftNode) failPending(err error) {
	for id, c := range n.pendingProposals {
		delete(n.pendingProposals, id)
		c.resolve(err)
	}
	for id, c := range n.pendingConfChanges {
		delete(n.pendingConfChanges, id)
		c.resolve(err)
	}
	for _, w := range n.pendingReads {
		w.c.resolve(err)
	}
	n.pendingReads = nil
}

func (n *RaftNode) AppliedIndex() uint64 { return n.applied }

func (n *RaftNode) LeaderID() uint64 { return n.leaderID }

func (n *RaftNode) Role() ports.RaftRole { return n.role }

func roleFromState(s etcdraft.StateType) ports.RaftRole {
	switch s {
	case etcdraft.StateLeader:
		return ports.RoleLeader
	case etcdraft.StateCandidate:
		return ports.RoleCandidate
	case etcdraft.StatePreCandidate:
		return ports.RolePreCandidate
	default:
		return ports.RoleFollower
	}
}
