package raftgroup

import (
	"context"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup/ports"
)

// Handle is the client surface of one running group. Every call is a
// one-shot request to the owning worker and resolves exactly once.
type Handle struct {
	groupID uint64
	worker  *Worker
	sm      ports.StateMachine
}

func (h *Handle) GroupID() uint64 { return h.groupID }

// StateMachine exposes the group's application for reads performed after a
// Read checkpoint resolves.
func (h *Handle) StateMachine() ports.StateMachine { return h.sm }

// Start campaigns for leadership, used when a fresh group should elect
// without waiting for an election timeout.
func (h *Handle) Start(ctx context.Context) error {
	c := newCompletion()
	if err := h.worker.submit(ctx, &request{kind: reqStart, c: c}); err != nil {
		return err
	}
	return c.wait(ctx)
}

// Propose replicates a payload and waits until it commits and applies.
func (h *Handle) Propose(ctx context.Context, data []byte) error {
	c := newCompletion()
	if err := h.worker.submit(ctx, &request{kind: reqPropose, data: data, c: c}); err != nil {
		return err
	}
	return c.wait(ctx)
}

// Read establishes a read checkpoint under the given policy. When it
// resolves, the state machine reflects at least every write the checkpoint
// promises.
func (h *Handle) Read(ctx context.Context, policy ReadPolicy) error {
	c := newCompletion()
	if err := h.worker.submit(ctx, &request{kind: reqRead, policy: policy, c: c}); err != nil {
		return err
	}
	return c.wait(ctx)
}

// ChangeConfig proposes a membership change and waits for it to apply.
func (h *Handle) ChangeConfig(ctx context.Context, change domain.ChangeReplicas) error {
	c := newCompletion()
	if err := h.worker.submit(ctx, &request{kind: reqChangeConfig, change: change, c: c}); err != nil {
		return err
	}
	return c.wait(ctx)
}

// TransferLeader asks the current leader to hand off to the target replica.
// Completion means the transfer was initiated, not that it succeeded.
func (h *Handle) TransferLeader(ctx context.Context, target uint64) error {
	c := newCompletion()
	if err := h.worker.submit(ctx, &request{kind: reqTransfer, transferee: target, c: c}); err != nil {
		return err
	}
	return c.wait(ctx)
}

// DeliverMessage hands an inbound message batch to the worker.
func (h *Handle) DeliverMessage(ctx context.Context, batch ports.RaftMessageBatch) error {
	return h.worker.submit(ctx, &request{kind: reqMessage, batch: batch})
}

// ReportUnreachable tells the algorithm a peer could not be reached so it
// backs off replication to it.
func (h *Handle) ReportUnreachable(ctx context.Context, target uint64) error {
	return h.worker.submit(ctx, &request{kind: reqUnreachable, target: target})
}
