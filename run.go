package raft

import (
	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

// runRaftLoop is the single-threaded consumer of TICK, MESSAGE, PROPOSAL
// and ADVANCE. Each cycle drains ticks eagerly, steps inbound messages,
// dispatches proposals, absorbs the group-commit acknowledgement and
// finally emits at most one Ready batch.
func (r *Raft) runRaftLoop() {
	for r.isRunning() {
		worked := false

		for {
			item, ok := r.reqc.Poll(raftpb.EventType_TICK, 0)
			if !ok {
				break
			}
			worked = true
			r.guard(func() { r.handleTick(item.(tickEvent)) })
		}

		for {
			item, ok := r.reqc.Poll(raftpb.EventType_MESSAGE, 0)
			if !ok {
				break
			}
			worked = true
			r.guard(func() { r.stepMessage(item.(*raftpb.Message)) })
		}

		for {
			item, ok := r.reqc.Poll(raftpb.EventType_PROPOSAL, 0)
			if !ok {
				break
			}
			worked = true
			r.guard(func() { r.handleProposal(item.(*logFuture)) })
		}

		if item, ok := r.reqc.Poll(raftpb.EventType_ADVANCE, 0); ok {
			worked = true
			r.guard(func() { r.handleAdvance(item.(advanceEvent)) })
		}

		r.guard(r.maybeEmitReady)

		if !worked {
			r.reqc.WaitAny(r.conf.TickInterval)
		}
	}
}

// handleAdvance closes the Ready window. A failed batch did not move the
// stable index; the next Ready re-emits the same unstable suffix and
// re-delivers the committed entries the batch was carrying.
func (r *Raft) handleAdvance(a advanceEvent) {
	r.readyInFlight = false
	if !a.ok {
		r.log.RetreatProcessed(r.readyProcessedMark)
		r.logger.Warn("group commit rejected batch, will retry",
			zap.Uint64("stableIndex", r.getStableIndex()))
	}
}

// maybeEmitReady assembles the next Ready batch and posts it to the
// group-commit loop. Only one batch is in flight at a time.
func (r *Raft) maybeEmitReady() {
	if r.readyInFlight {
		return
	}

	rd := &Ready{
		Entries:  r.log.UnstableEntries(),
		Messages: r.msgs,
		Snapshot: r.pendingSnapshot,
	}
	committed, err := r.log.NextCommitted()
	if err != nil {
		r.logger.Error("failed to collect committed entries", zap.Error(err))
	}
	rd.CommittedEntries = committed
	if r.hardDirty {
		rd.HardState = &raftpb.HardState{
			Term:   r.getCurrentTerm(),
			Vote:   r.getVotedFor(),
			Commit: r.getCommitIndex(),
		}
	}
	if !rd.containsUpdates() {
		return
	}

	r.msgs = nil
	r.pendingSnapshot = nil
	r.hardDirty = false
	if n := len(committed); n > 0 {
		r.readyProcessedMark = r.log.AcceptCommitted(committed[n-1].Index)
	}
	r.metrics.lastIndex.Set(float64(r.log.LastIndex()))

	r.readyInFlight = true
	r.reqc.Offer(raftpb.EventType_READY, rd)
}

// guard keeps a loop alive through a panicking handler. The failure is
// logged and the cycle continues.
func (r *Raft) guard(f func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recovered from panic in event loop", zap.Any("panic", p))
		}
	}()
	f()
}
