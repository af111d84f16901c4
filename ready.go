package raft

import (
	"github.com/tidegate/raft/raftpb"
)

// Ready is one batch of work handed from the raft loop to the
// group-commit loop: durable state to persist, messages to dispatch once
// persistence holds, and committed entries bound for the apply loop.
type Ready struct {
	// HardState is non-nil when term, vote or commit changed and must be
	// persisted before any message referencing them leaves the node.
	HardState *raftpb.HardState

	// Entries must reach the durable log before Messages are sent.
	Entries []*raftpb.Entry

	// CommittedEntries are stable-and-committed entries bound for the
	// state machine. Entries also present in Entries become stable
	// earlier in the same batch.
	CommittedEntries []*raftpb.Entry

	// Messages are dispatched after the durability barrier.
	Messages []*raftpb.Message

	// Snapshot, when non-nil, is a leader-sent image to install.
	Snapshot *raftpb.Snapshot
}

func (rd *Ready) containsUpdates() bool {
	return rd.HardState != nil || len(rd.Entries) > 0 ||
		len(rd.CommittedEntries) > 0 || len(rd.Messages) > 0 || rd.Snapshot != nil
}

// tickKind says which timer fired.
type tickKind int

const (
	tickElection tickKind = iota
	tickHeartbeat
	tickLease
)

type tickEvent struct {
	kind tickKind
}

// advanceEvent is the group-commit loop's acknowledgement of a Ready
// batch. ok is false when the durable append was rejected, in which case
// stableIndex did not move and the raft loop re-emits from the last
// acknowledged watermark.
type advanceEvent struct {
	stableIndex uint64
	ok          bool
}

// applyEvent is one unit of work for the apply loop.
type applyEvent struct {
	entries  []*raftpb.Entry
	snapshot *raftpb.Snapshot
}
