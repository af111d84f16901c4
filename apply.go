package raft

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

// runApply is the single-threaded consumer of APPLY. It hands committed
// entries to the user state machine, installs leader-sent snapshots, and
// evaluates the snapshot trigger on every wake, including idle ones,
// which is why the poll timeout equals the trigger check interval.
func (r *Raft) runApply() {
	for r.isRunning() {
		item, ok := r.reqc.Poll(raftpb.EventType_APPLY, r.conf.SnapshotTriggerCheckInterval)
		if ok {
			ev := item.(applyEvent)
			r.guard(func() { r.applyItem(ev) })
		}
		r.guard(r.triggerToSnapshot)
	}
}

func (r *Raft) applyItem(ev applyEvent) {
	if ev.snapshot != nil {
		r.installSnapshot(ev.snapshot)
	}
	if len(ev.entries) > 0 {
		r.applyEntries(ev.entries)
	}
}

// applyEntries delivers one committed batch to the state machine. A
// failure is logged and not retried; the applied index still advances,
// since the state machine owns its own durability and idempotence.
func (r *Raft) applyEntries(entries []*raftpb.Entry) {
	self := r.cluster.Self()
	self.setApplying(true)
	defer self.setApplying(false)

	payload := make([]*raftpb.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Type == raftpb.EntryType_NORMAL && len(e.Data) > 0 {
			payload = append(payload, e)
		}
	}

	var applyErr error
	if len(payload) > 0 {
		applyErr = r.invokeApply(payload)
		if applyErr != nil {
			r.logger.Error("state machine apply failed",
				zap.Uint64("firstIndex", payload[0].Index),
				zap.Uint64("lastIndex", payload[len(payload)-1].Index),
				zap.Error(applyErr))
		}
	}

	last := entries[len(entries)-1].Index
	if r.log.AppliedTo(last) {
		r.metrics.appliedIndex.Set(float64(last))
	}
	r.metrics.appliedBatches.Inc()
	r.proposals.resolveUpTo(last, applyErr)
	r.checkReplayBarrier(last)
}

// invokeApply isolates a panicking state machine the same way an error
// return is handled.
func (r *Raft) invokeApply(entries []*raftpb.Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errPanic(p)
		}
	}()
	return r.fsm.Apply(entries)
}

// checkReplayBarrier flips Replaying to Replayed once the applied index
// reaches the watermark captured at the last role transition.
func (r *Raft) checkReplayBarrier(applied uint64) {
	if r.getReplayState() != Replaying {
		return
	}
	if applied >= r.getReplayBarrier() {
		r.transitionReplay(Replayed)
		r.logger.Info("state machine replay complete",
			zap.Uint64("appliedIndex", applied))
	}
}

// installSnapshot persists a leader-sent snapshot, feeds it to the state
// machine and retires the log it supersedes.
func (r *Raft) installSnapshot(snap *raftpb.Snapshot) {
	meta := snap.Metadata
	if err := r.snapshots.Save(snap); err != nil {
		r.logger.Error("failed to save installed snapshot",
			zap.Uint64("index", meta.Index), zap.Error(err))
	}

	if r.log.AppliedTo(meta.Index) {
		r.metrics.appliedIndex.Set(float64(meta.Index))
	}
	// Recover the term recorded in the snapshot; installs never lower it.
	if meta.Term > r.getCurrentTerm() {
		r.setCurrentTerm(meta.Term)
	}

	if err := r.invokeApplySnapshot(r.snapshotBytes(snap)); err != nil {
		r.logger.Error("state machine snapshot apply failed",
			zap.Uint64("index", meta.Index), zap.Error(err))
	}

	if err := r.log.Compact(meta.Index, 0, meta.Term); err != nil {
		r.logger.Error("failed to compact log after snapshot install", zap.Error(err))
	}
	atomic.StoreUint64(&r.snapLastIndex, meta.Index)
	if err := r.snapshots.Reap(r.conf.MinSnapshotsRetention); err != nil {
		r.logger.Error("snapshot retention sweep failed", zap.Error(err))
	}

	r.logger.Info("installed snapshot",
		zap.Uint64("index", meta.Index), zap.Uint64("term", meta.Term))
	r.checkReplayBarrier(meta.Index)
}

func (r *Raft) invokeApplySnapshot(data []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errPanic(p)
		}
	}()
	return r.fsm.ApplySnapshot(data)
}

// triggerToSnapshot queues a snapshot build on the background executor
// once the applied index has run far enough ahead of the last snapshot.
func (r *Raft) triggerToSnapshot() {
	applied := r.getAppliedIndex()
	lastSnap := atomic.LoadUint64(&r.snapLastIndex)
	if applied < lastSnap || applied-lastSnap < r.conf.SnapshotThreshold {
		return
	}
	if !atomic.CompareAndSwapUint32(&r.snapBuilding, 0, 1) {
		return
	}

	term, err := r.log.Term(applied)
	if err != nil {
		atomic.StoreUint32(&r.snapBuilding, 0)
		return
	}

	task := func() {
		defer atomic.StoreUint32(&r.snapBuilding, 0)
		r.buildSnapshot(applied, term)
	}
	select {
	case r.snapTasks <- task:
	default:
		// Executor saturated; try again on the next trigger check.
		atomic.StoreUint32(&r.snapBuilding, 0)
	}
}

// buildSnapshot captures the state machine image at or after the given
// applied index, saves it and prunes the log behind it.
func (r *Raft) buildSnapshot(index, term uint64) {
	r.logger.Info("starting snapshot", zap.Uint64("index", index))

	data, err := r.fsm.Snapshot()
	if err != nil {
		r.logger.Error("failed to capture state machine snapshot", zap.Error(err))
		return
	}
	snap := &raftpb.Snapshot{
		Metadata: &raftpb.SnapshotMetadata{Index: index, Term: term},
		Data:     data,
	}
	if err := r.snapshots.Save(snap); err != nil {
		r.logger.Error("failed to save snapshot", zap.Error(err))
		return
	}
	atomic.StoreUint64(&r.snapLastIndex, index)
	r.metrics.snapshotsTaken.Inc()

	if err := r.log.Compact(index, r.conf.TrailingLogs, term); err != nil {
		r.logger.Error("failed to compact log after snapshot", zap.Error(err))
	}
	if err := r.snapshots.Reap(r.conf.MinSnapshotsRetention); err != nil {
		r.logger.Error("snapshot retention sweep failed", zap.Error(err))
	}
	r.logger.Info("snapshot complete", zap.Uint64("index", index))
}

// runBackground executes queued snapshot builds until shutdown.
func (r *Raft) runBackground() {
	for {
		select {
		case task := <-r.snapTasks:
			task()
		case <-r.shutdownCh:
			return
		}
	}
}

func errPanic(p interface{}) error {
	if err, ok := p.(error); ok {
		return err
	}
	return &panicError{p}
}

type panicError struct {
	val interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in state machine: %v", e.val)
}
