package raft

import (
	"sync"

	"github.com/tidegate/raft/raftpb"
)

// Future is used to represent an action that may occur in the future.
type Future interface {
	// Error blocks until the action completes and returns its outcome.
	Error() error
}

// IndexFuture additionally reports where the proposal landed in the log.
type IndexFuture interface {
	Future

	// Index returns the log index of the proposal once dispatched.
	Index() uint64
}

// errorFuture is used to return a static error.
type errorFuture struct {
	err error
}

func (e errorFuture) Error() error {
	return e.err
}

func (e errorFuture) Index() uint64 {
	return 0
}

// deferError can be embedded to allow a future to provide an error in
// the future. Respond may race between the apply loop resolving and the
// raft loop cancelling; only the first outcome wins.
type deferError struct {
	err       error
	errCh     chan error
	mu        sync.Mutex
	responded bool
	initOnce  sync.Once
}

func (d *deferError) init() {
	d.initOnce.Do(func() {
		d.errCh = make(chan error, 1)
	})
}

func (d *deferError) Error() error {
	if d.err != nil {
		return d.err
	}
	if d.errCh == nil {
		panic("waiting for response on nil channel")
	}
	d.err = <-d.errCh
	return d.err
}

func (d *deferError) respond(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errCh == nil || d.responded {
		return
	}
	d.responded = true
	d.errCh <- err
}

// logFuture is used to apply a log entry and waits until
// the log is considered committed and applied.
type logFuture struct {
	deferError
	entry *raftpb.Entry
}

func (l *logFuture) Index() uint64 {
	if l.entry == nil {
		return 0
	}
	return l.entry.Index
}

// shutdownFuture is used to wait on a raft instance to shut down.
type shutdownFuture struct {
	raft *Raft
}

func (s *shutdownFuture) Error() error {
	if s.raft == nil {
		return nil
	}
	s.raft.waitShutdown()
	return nil
}
