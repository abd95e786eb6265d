package domain

import (
	"errors"
	"fmt"
)

var (
	ErrGroupNotFound = errors.New("group not found")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable marks transient conditions such as a snapshot transfer
	// still in flight. Callers retry with backoff.
	ErrUnavailable = errors.New("unavailable")
)

// NotLeaderError is returned for requests that must run on the group leader.
// LeaderHint carries the last known leader replica id, zero when unknown.
type NotLeaderError struct {
	GroupID    uint64
	LeaderHint uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == 0 {
		return fmt.Sprintf("group %d: not leader", e.GroupID)
	}
	return fmt.Sprintf("group %d: not leader, try replica %d", e.GroupID, e.LeaderHint)
}

// EpochNotMatchError reports a stale epoch in a request. Current carries the
// descriptor recorded at the serving replica so the caller can refresh and
// retry without extra coordination.
type EpochNotMatchError struct {
	Current GroupDescriptor
}

func (e *EpochNotMatchError) Error() string {
	return fmt.Sprintf("group %d: epoch not match, current epoch %d", e.Current.ID, e.Current.Epoch)
}

// IsNotLeader reports whether err is a NotLeaderError and returns it.
func IsNotLeader(err error) (*NotLeaderError, bool) {
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		return nl, true
	}
	return nil, false
}

// IsEpochNotMatch reports whether err is an EpochNotMatchError and returns it.
func IsEpochNotMatch(err error) (*EpochNotMatchError, bool) {
	var em *EpochNotMatchError
	if errors.As(err, &em) {
		return em, true
	}
	return nil, false
}
