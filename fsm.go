package raft

import (
	"github.com/tidegate/raft/raftpb"
)

// StateMachine is the client state machine committed entries are applied
// to. Apply and ApplySnapshot are invoked from the engine's apply loop,
// one call at a time and in strictly increasing index order (ApplySnapshot
// also runs once during construction when a stored snapshot is restored).
// Snapshot is invoked from the background snapshot executor and can run
// concurrently with Apply.
//
// The engine does not retry a failed Apply: the state machine owns its
// own durability and idempotence.
type StateMachine interface {
	// Apply hands over a batch of committed NORMAL entries.
	Apply(entries []*raftpb.Entry) error

	// ApplySnapshot replaces the state machine's state with the given
	// snapshot body. When the engine is configured with SnapshotReadOnly
	// the bytes alias the stored snapshot and must not be mutated.
	ApplySnapshot(data []byte) error

	// Snapshot captures the current state as an opaque byte image.
	Snapshot() ([]byte, error)
}

// Transporter moves wire messages between peers. The engine treats it as
// an opaque sink; delivery is best-effort and failures surface only as
// connectivity reports.
type Transporter interface {
	// Send dispatches one message towards m.To.
	Send(m *raftpb.Message)

	// Close tears the transport down during shutdown.
	Close() error
}

// ElectionListener observes role transitions.
type ElectionListener func(status Status)

// GroupStateListener observes availability transitions.
type GroupStateListener func(from, to GroupState)
