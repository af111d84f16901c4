// Package raft implements the replicated-log core of a Raft consensus
// engine: leader election with pre-vote and lease, log replication and
// quorum commitment, group-committed persistence, snapshotting and
// application of committed entries to an embedder-supplied state
// machine.
//
// The engine is built as three cooperating single-threaded event loops
// (a raft loop, a group-commit loop and an apply loop) communicating
// through a typed request channel. Embedders provide a Transporter for
// the wire and a StateMachine for the data, and drive writes through
// Propose.
package raft
