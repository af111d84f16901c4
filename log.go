package raft

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

var (
	// ErrLogGap is returned when an append would leave a hole in the
	// index sequence.
	ErrLogGap = errors.New("append would create a gap in the log")
	// ErrCommittedRewrite is returned when an append or truncation would
	// rewrite an already committed index.
	ErrCommittedRewrite = errors.New("attempted rewrite of a committed index")
	// ErrCompacted is returned when the requested index has been dropped
	// in favor of a snapshot.
	ErrCompacted = errors.New("index compacted into snapshot")
	// ErrUnavailableIndex is returned for indexes past the end of the log.
	ErrUnavailableIndex = errors.New("index not yet in the log")
)

// commitView is the narrow slice of node state the log needs: the commit
// and applied cursors. It keeps the log from holding the whole node.
type commitView interface {
	getCommitIndex() uint64
	getAppliedIndex() uint64
	setAppliedIndex(uint64)
}

// raftLog is the logical entry sequence: a durable store holding the
// stable prefix, an in-memory tail of entries the group-commit loop has
// not yet persisted, and a snapshot boundary below which entries are
// only reachable through the snapshotter.
type raftLog struct {
	mu sync.RWMutex

	store LogStore
	state commitView

	// unstable holds entries after offset-1 that have not reached the
	// durable store. offset is the index of unstable[0].
	unstable []*raftpb.Entry
	offset   uint64

	// last is the logical last index. It can trail the durable store
	// after a suffix truncation, until replacement entries overwrite the
	// store's stale tail.
	last uint64

	// processed is the highest committed index already handed towards
	// the apply loop. It trails commitIndex, never appliedIndex.
	processed uint64

	snapshotIndex uint64
	snapshotTerm  uint64

	logger *zap.Logger
}

func newRaftLog(store LogStore, state commitView, logger *zap.Logger) (*raftLog, error) {
	last, err := store.LastIndex()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read last log index")
	}
	return &raftLog{
		store:  store,
		state:  state,
		offset: last + 1,
		last:   last,
		logger: logger,
	}, nil
}

// FirstIndex is the lowest index still reachable through the log.
func (l *raftLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstIndexLocked()
}

func (l *raftLog) firstIndexLocked() uint64 {
	if first, err := l.store.FirstIndex(); err == nil && first > 0 {
		return first
	}
	return l.snapshotIndex + 1
}

// LastIndex is the highest index present, stable or not.
func (l *raftLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *raftLog) lastIndexLocked() uint64 {
	if l.last > l.snapshotIndex {
		return l.last
	}
	return l.snapshotIndex
}

// LastEntry returns the (index, term) pair of the newest entry, falling
// back to the snapshot boundary for an empty log.
func (l *raftLog) LastEntry() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n := len(l.unstable); n > 0 {
		return l.unstable[n-1].Index, l.unstable[n-1].Term
	}
	if l.last > l.snapshotIndex {
		var e raftpb.Entry
		if err := l.store.GetLog(l.last, &e); err == nil {
			return e.Index, e.Term
		}
	}
	return l.snapshotIndex, l.snapshotTerm
}

// Term resolves the term of the entry at index, or of the snapshot
// boundary itself.
func (l *raftLog) Term(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.termLocked(index)
}

func (l *raftLog) termLocked(index uint64) (uint64, error) {
	if index == l.snapshotIndex {
		return l.snapshotTerm, nil
	}
	if index < l.firstIndexLocked() {
		return 0, ErrCompacted
	}
	if index > l.lastIndexLocked() {
		return 0, ErrUnavailableIndex
	}
	if index >= l.offset && len(l.unstable) > 0 {
		return l.unstable[index-l.offset].Term, nil
	}
	var e raftpb.Entry
	if err := l.store.GetLog(index, &e); err != nil {
		return 0, err
	}
	return e.Term, nil
}

// Append adds contiguous entries to the tail of the log. The first entry
// must follow the current last index, and a batch that would land on a
// committed index is refused whatever its term.
func (l *raftLog) Append(entries []*raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last := l.lastIndexLocked()
	if entries[0].Index != last+1 {
		return errors.Wrapf(ErrLogGap, "append at %d after %d", entries[0].Index, last)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return errors.Wrapf(ErrLogGap, "non-sequential batch at %d", entries[i].Index)
		}
		if entries[i].Term < entries[i-1].Term {
			return fmt.Errorf("term regression inside batch at index %d", entries[i].Index)
		}
	}
	if entries[0].Index <= l.state.getCommitIndex() {
		return errors.Wrapf(ErrCommittedRewrite, "append at committed index %d", entries[0].Index)
	}

	if len(l.unstable) == 0 {
		l.offset = entries[0].Index
	}
	l.unstable = append(l.unstable, entries...)
	l.last = entries[len(entries)-1].Index
	return nil
}

// TruncateSuffix drops every entry at and after from. Only uncommitted
// suffixes may go; the durable store's overlap is rewritten by the next
// group-commit batch.
func (l *raftLog) TruncateSuffix(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from <= l.state.getCommitIndex() {
		return errors.Wrapf(ErrCommittedRewrite, "truncate at committed index %d", from)
	}
	if from > l.lastIndexLocked() {
		return nil
	}
	if len(l.unstable) > 0 && from >= l.offset {
		l.unstable = l.unstable[:from-l.offset]
		if len(l.unstable) == 0 {
			l.unstable = nil
		}
		l.last = from - 1
		return nil
	}
	// The suffix reaches into the stable prefix. Rewind the unstable
	// window to start at the truncation point; the store overlap is
	// deleted when replacement entries are persisted.
	l.unstable = nil
	l.offset = from
	l.last = from - 1
	return nil
}

// Entries returns the range [lo, hi], capped at the last index.
func (l *raftLog) Entries(lo, hi uint64) ([]*raftpb.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lo < l.firstIndexLocked() {
		return nil, ErrCompacted
	}
	last := l.lastIndexLocked()
	if hi > last {
		hi = last
	}
	if lo > hi {
		return nil, nil
	}

	out := make([]*raftpb.Entry, 0, hi-lo+1)
	for index := lo; index <= hi; index++ {
		if index >= l.offset && len(l.unstable) > 0 {
			out = append(out, l.unstable[index-l.offset])
			continue
		}
		e := new(raftpb.Entry)
		if err := l.store.GetLog(index, e); err != nil {
			return nil, errors.Wrapf(err, "failed to read entry %d", index)
		}
		out = append(out, e)
	}
	return out, nil
}

// UnstableEntries returns the tail that still needs persisting. The
// returned slice is the Ready batch's view; callers must not mutate it.
func (l *raftLog) UnstableEntries() []*raftpb.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.unstable) == 0 {
		return nil
	}
	return l.unstable
}

// StableTo drops the unstable prefix once the group-commit loop has made
// it durable.
func (l *raftLog) StableTo(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.last {
		index = l.last
	}
	if len(l.unstable) == 0 || index < l.offset {
		return
	}
	kept := index - l.offset + 1
	if kept >= uint64(len(l.unstable)) {
		l.unstable = nil
	} else {
		l.unstable = l.unstable[kept:]
	}
	l.offset = index + 1
}

// PersistBatch writes a Ready batch to the durable store, rewriting any
// stale overlap left by a suffix truncation, and marks the entries
// stable. Called only by the group-commit loop.
func (l *raftLog) PersistBatch(entries []*raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	first := entries[0].Index
	if storeLast, err := l.store.LastIndex(); err == nil && storeLast >= first {
		if err := l.store.DeleteRange(first, storeLast); err != nil {
			return errors.Wrap(err, "failed to clear stale log suffix")
		}
	}
	if err := l.store.StoreLogs(entries); err != nil {
		return errors.Wrap(err, "failed to store log batch")
	}
	l.StableTo(entries[len(entries)-1].Index)
	return nil
}

// NextCommitted returns committed entries not yet handed to the apply
// path, in index order.
func (l *raftLog) NextCommitted() ([]*raftpb.Entry, error) {
	l.mu.RLock()
	commit := l.state.getCommitIndex()
	processed := l.processed
	if processed < l.snapshotIndex {
		processed = l.snapshotIndex
	}
	if applied := l.state.getAppliedIndex(); processed < applied {
		processed = applied
	}
	l.mu.RUnlock()

	if processed >= commit {
		return nil, nil
	}
	return l.Entries(processed+1, commit)
}

// AcceptCommitted marks entries up to index as handed off, so the next
// Ready does not re-deliver them. Returns the previous watermark so a
// rejected batch can rewind it.
func (l *raftLog) AcceptCommitted(index uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.processed
	if index > l.processed {
		l.processed = index
	}
	return prev
}

// RetreatProcessed rewinds the hand-off watermark after a rejected
// batch, so its committed entries are re-delivered once storage
// recovers.
func (l *raftLog) RetreatProcessed(to uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to < l.snapshotIndex {
		to = l.snapshotIndex
	}
	if to < l.processed {
		l.processed = to
	}
}

// AppliedTo advances the applied cursor. Monotone and idempotent; the
// return reports whether it actually moved.
func (l *raftLog) AppliedTo(index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.state.getAppliedIndex() {
		return false
	}
	l.state.setAppliedIndex(index)
	return true
}

// Restore resets the log to a snapshot boundary. Everything at or below
// the snapshot index becomes reachable only through the snapshotter.
func (l *raftLog) Restore(meta *raftpb.SnapshotMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshotIndex = meta.Index
	l.snapshotTerm = meta.Term
	l.unstable = nil
	l.offset = meta.Index + 1
	l.last = meta.Index
	if l.processed < meta.Index {
		l.processed = meta.Index
	}
}

// SnapshotBoundary returns the (index, term) of the latest snapshot the
// log has been restored or compacted to.
func (l *raftLog) SnapshotBoundary() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotIndex, l.snapshotTerm
}

// Compact drops stored entries up to uptoIndex, but never any of the
// newest `trailing` entries of the log, so slow followers can still be
// served from the log. Entries between the drop point and uptoIndex are
// kept only when they fall inside that tail window.
func (l *raftLog) Compact(uptoIndex, trailing uint64, term uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := l.firstIndexLocked()
	last := l.lastIndexLocked()
	if uptoIndex < first {
		return nil
	}

	if last <= trailing {
		// The whole log fits inside the trailing window.
		if uptoIndex > l.snapshotIndex {
			l.snapshotIndex = uptoIndex
			l.snapshotTerm = term
		}
		return nil
	}
	bound := uptoIndex
	if last-trailing < bound {
		bound = last - trailing
	}
	if bound < first {
		// Nothing old enough to drop yet.
		if uptoIndex > l.snapshotIndex {
			l.snapshotIndex = uptoIndex
			l.snapshotTerm = term
		}
		return nil
	}

	l.logger.Info("compacting log",
		zap.Uint64("from", first),
		zap.Uint64("to", bound))
	if err := l.store.DeleteRange(first, bound); err != nil {
		return errors.Wrap(err, "log compaction failed")
	}
	if uptoIndex > l.snapshotIndex {
		l.snapshotIndex = uptoIndex
		l.snapshotTerm = term
	}
	return nil
}
