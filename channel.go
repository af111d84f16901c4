package raft

import (
	"sync"
	"time"

	"github.com/tidegate/raft/raftpb"
)

// requestChannel is the typed mailbox the three event loops communicate
// through. Each event kind owns a FIFO queue, a mutex, a work-pending
// flag and a buffered notify channel. A consumer that finds its queue
// empty re-checks under the lock and then waits on the notify channel
// with a bounded timeout, so a lost signal can only ever delay a wakeup,
// never suppress it.
type requestChannel struct {
	slots [6]eventSlot

	// wake is signalled on every Offer so a consumer draining several
	// kinds can sleep on one channel.
	wake chan struct{}
}

type eventSlot struct {
	mu       sync.Mutex
	queue    []interface{}
	canFetch bool
	notify   chan struct{}
}

func newRequestChannel() *requestChannel {
	rc := &requestChannel{wake: make(chan struct{}, 1)}
	for i := range rc.slots {
		rc.slots[i].notify = make(chan struct{}, 1)
	}
	return rc
}

func (rc *requestChannel) slot(kind raftpb.EventType) *eventSlot {
	return &rc.slots[int(kind)]
}

// Offer enqueues an item and wakes any waiter on that kind.
func (rc *requestChannel) Offer(kind raftpb.EventType, item interface{}) {
	s := rc.slot(kind)
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.canFetch = true
	s.mu.Unlock()
	asyncNotifyCh(s.notify)
	asyncNotifyCh(rc.wake)
}

// WaitAny blocks until any kind receives an item or the timeout lapses.
// Spurious wakeups are possible; callers re-check their queues.
func (rc *requestChannel) WaitAny(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-rc.wake:
	case <-deadline.C:
	}
}

// Poll removes and returns the head of the queue for the given kind,
// blocking up to timeout when the queue is empty. The second return is
// false on timeout.
func (rc *requestChannel) Poll(kind raftpb.EventType, timeout time.Duration) (interface{}, bool) {
	s := rc.slot(kind)
	if item, ok := s.pop(); ok {
		return item, true
	}
	if timeout <= 0 {
		return nil, false
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-s.notify:
			if item, ok := s.pop(); ok {
				return item, true
			}
		case <-deadline.C:
			// Last chance: a producer may have enqueued between the
			// notify drain and the timer firing.
			return s.pop()
		}
	}
}

// Drain removes and returns every queued item for the given kind. Used by
// consumers that coalesce batches.
func (rc *requestChannel) Drain(kind raftpb.EventType) []interface{} {
	s := rc.slot(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queue
	s.queue = nil
	if len(items) == 0 {
		return nil
	}
	return items
}

// Len reports how many items are queued for the given kind.
func (rc *requestChannel) Len(kind raftpb.EventType) int {
	s := rc.slot(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CanFetch reports the work-pending flag for the given kind.
func (rc *requestChannel) CanFetch(kind raftpb.EventType) bool {
	s := rc.slot(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canFetch
}

// SetCan flips the work-pending flag for the given kind.
func (rc *requestChannel) SetCan(kind raftpb.EventType, can bool) {
	s := rc.slot(kind)
	s.mu.Lock()
	s.canFetch = can
	s.mu.Unlock()
	if can {
		asyncNotifyCh(s.notify)
	}
}

func (s *eventSlot) pop() (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.canFetch = false
		return nil, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.canFetch = false
	}
	return item, true
}
