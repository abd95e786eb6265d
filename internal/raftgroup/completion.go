package raftgroup

import "context"

// completion is a single-shot result slot shared between the worker
// goroutine (which resolves it exactly once) and the caller (which waits).
type completion struct {
	ch    chan error
	fired bool
}

func newCompletion() *completion {
	return &completion{ch: make(chan error, 1)}
}

// resolve delivers the result. Only the worker goroutine calls this, so the
// fired guard needs no lock.
func (c *completion) resolve(err error) {
	if c.fired {
		return
	}
	c.fired = true
	c.ch <- err
}

func (c *completion) wait(ctx context.Context) error {
	select {
	case err := <-c.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
