package raftgroup

import "errors"

var (
	ErrShuttingDown = errors.New("raft group shutting down")

	// ErrProposalDropped is returned when the consensus algorithm refuses a
	// proposal due to resource limits; callers may retry.
	ErrProposalDropped = errors.New("proposal dropped")

	// ErrFatalLogWrite marks an unrecoverable durable-log failure; the
	// worker stops and surfaces it to the manager.
	ErrFatalLogWrite = errors.New("fatal log write failure")
)
