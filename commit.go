package raft

import (
	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

// runGroupCommit is the single-threaded consumer of READY. Per batch it
// persists entries and hard state (the group commit), hands committed
// work to the apply loop, dispatches outbound messages and acknowledges
// the raft loop. A batch that fails the durability barrier is rejected
// whole: nothing is sent, nothing is applied, the stable index does not
// move.
func (r *Raft) runGroupCommit() {
	for r.isRunning() {
		item, ok := r.reqc.Poll(raftpb.EventType_READY, r.conf.TickInterval)
		if !ok {
			continue
		}
		batch := []*Ready{item.(*Ready)}
		// Coalesce any batches that queued up behind this one; ordering
		// within and across them is preserved.
		for _, extra := range r.reqc.Drain(raftpb.EventType_READY) {
			batch = append(batch, extra.(*Ready))
		}
		for _, rd := range batch {
			r.guard(func() { r.commitReady(rd) })
		}
	}
}

func (r *Raft) commitReady(rd *Ready) {
	// Durable state first: nothing referencing this batch leaves the
	// node before the barrier.
	if rd.HardState != nil {
		if err := r.persistHardState(rd.HardState); err != nil {
			r.rejectBatch(rd, err)
			return
		}
	}
	if len(rd.Entries) > 0 {
		if err := r.log.PersistBatch(rd.Entries); err != nil {
			r.metrics.walRejections.Inc()
			r.rejectBatch(rd, err)
			return
		}
		r.setStableIndex(rd.Entries[len(rd.Entries)-1].Index)
	}

	// Committed work next, then the wire. The apply slot only ever sees
	// entries that are already durable.
	if rd.Snapshot != nil || len(rd.CommittedEntries) > 0 {
		r.reqc.Offer(raftpb.EventType_APPLY, applyEvent{
			entries:  rd.CommittedEntries,
			snapshot: rd.Snapshot,
		})
	}
	for _, m := range rd.Messages {
		r.trans.Send(m)
	}

	r.reqc.Offer(raftpb.EventType_ADVANCE, advanceEvent{
		stableIndex: r.getStableIndex(),
		ok:          true,
	})
}

// rejectBatch drops a Ready whole after a storage failure and tells the
// raft loop to retry from the last acknowledged watermark.
func (r *Raft) rejectBatch(rd *Ready, err error) {
	r.logger.Error("rejecting ready batch",
		zap.Int("entries", len(rd.Entries)),
		zap.Error(err))
	r.reqc.Offer(raftpb.EventType_ADVANCE, advanceEvent{
		stableIndex: r.getStableIndex(),
		ok:          false,
	})
}

func (r *Raft) persistHardState(hs *raftpb.HardState) error {
	if err := r.stable.SetUint64(keyCurrentTerm, hs.Term); err != nil {
		return err
	}
	if err := r.stable.SetUint64(keyVoteFor, hs.Vote); err != nil {
		return err
	}
	return r.stable.SetUint64(keyCommitIndex, hs.Commit)
}
