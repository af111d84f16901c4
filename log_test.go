package raft

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

func testEntry(index, term uint64, data string) *raftpb.Entry {
	e := &raftpb.Entry{
		Type:  raftpb.EntryType_NORMAL,
		Index: index,
		Term:  term,
		Data:  []byte(data),
	}
	sealEntry(e)
	return e
}

func newTestLog(t *testing.T) (*raftLog, *raftState) {
	t.Helper()
	state := &raftState{}
	l, err := newRaftLog(NewInmemStore(), state, zap.NewNop())
	require.NoError(t, err)
	return l, state
}

func TestLogAppendAndIndexes(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{
		testEntry(1, 1, "a"),
		testEntry(2, 1, "b"),
		testEntry(3, 2, "c"),
	}))

	assert.Equal(t, uint64(1), l.FirstIndex())
	assert.Equal(t, uint64(3), l.LastIndex())

	term, err := l.Term(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)

	index, term := l.LastEntry()
	assert.Equal(t, uint64(3), index)
	assert.Equal(t, uint64(2), term)
}

func TestLogAppendRejectsGap(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1, 1, "a")}))

	err := l.Append([]*raftpb.Entry{testEntry(3, 1, "c")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLogGap))
}

func TestLogRejectsCommittedTruncate(t *testing.T) {
	l, state := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1, 1, "a"), testEntry(2, 1, "b")}))
	state.setCommitIndex(2)

	err := l.TruncateSuffix(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommittedRewrite))
}

func TestLogTruncateSuffix(t *testing.T) {
	l, state := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{
		testEntry(1, 1, "a"), testEntry(2, 1, "b"), testEntry(3, 1, "c"),
	}))
	state.setCommitIndex(2)

	require.NoError(t, l.TruncateSuffix(3))
	assert.Equal(t, uint64(2), l.LastIndex())

	// The freed index accepts a new entry at a higher term.
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(3, 2, "c2")}))
	term, err := l.Term(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
}

func TestLogTruncateIntoStablePrefix(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{
		testEntry(1, 1, "a"), testEntry(2, 1, "b"), testEntry(3, 1, "c"),
	}))
	// Persist everything, then truncate below the stable watermark.
	require.NoError(t, l.PersistBatch(l.UnstableEntries()))
	require.NoError(t, l.TruncateSuffix(2))

	assert.Equal(t, uint64(1), l.LastIndex())
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(2, 3, "b2")}))
	require.NoError(t, l.PersistBatch(l.UnstableEntries()))

	term, err := l.Term(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
	assert.Equal(t, uint64(2), l.LastIndex())
}

func TestLogEntriesMergesStableAndUnstable(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1, 1, "a"), testEntry(2, 1, "b")}))
	require.NoError(t, l.PersistBatch(l.UnstableEntries()))
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(3, 1, "c")}))

	got, err := l.Entries(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Index)
	}
}

func TestLogStableTo(t *testing.T) {
	l, state := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1, 1, "a"), testEntry(2, 1, "b")}))
	require.Len(t, l.UnstableEntries(), 2)

	require.NoError(t, l.PersistBatch(l.UnstableEntries()))
	assert.Empty(t, l.UnstableEntries())
	_ = state
}

func TestLogNextCommitted(t *testing.T) {
	l, state := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{
		testEntry(1, 1, "a"), testEntry(2, 1, "b"), testEntry(3, 1, "c"),
	}))
	state.setCommitIndex(2)

	committed, err := l.NextCommitted()
	require.NoError(t, err)
	require.Len(t, committed, 2)
	assert.Equal(t, uint64(1), committed[0].Index)
	assert.Equal(t, uint64(2), committed[1].Index)

	// Accepting the batch stops re-delivery.
	l.AcceptCommitted(2)
	committed, err = l.NextCommitted()
	require.NoError(t, err)
	assert.Empty(t, committed)

	state.setCommitIndex(3)
	committed, err = l.NextCommitted()
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, uint64(3), committed[0].Index)
}

func TestLogAppliedToMonotoneIdempotent(t *testing.T) {
	l, state := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1, 1, "a"), testEntry(2, 1, "b")}))

	assert.True(t, l.AppliedTo(2))
	assert.Equal(t, uint64(2), state.getAppliedIndex())
	assert.False(t, l.AppliedTo(2))
	assert.False(t, l.AppliedTo(1))
	assert.Equal(t, uint64(2), state.getAppliedIndex())
}

func TestLogRestoreAndCompact(t *testing.T) {
	l, state := newTestLog(t)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, l.Append([]*raftpb.Entry{testEntry(i, 1, "x")}))
	}
	require.NoError(t, l.PersistBatch(l.UnstableEntries()))
	state.setCommitIndex(10)
	l.AppliedTo(10)

	require.NoError(t, l.Compact(10, 2, 1))
	assert.Equal(t, uint64(9), l.FirstIndex())
	assert.Equal(t, uint64(10), l.LastIndex())

	_, err := l.Term(5)
	assert.True(t, errors.Is(err, ErrCompacted))

	snapIndex, snapTerm := l.SnapshotBoundary()
	assert.Equal(t, uint64(10), snapIndex)
	assert.Equal(t, uint64(1), snapTerm)
}

func TestLogRestoreFromSnapshot(t *testing.T) {
	l, state := newTestLog(t)
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1, 1, "a")}))

	l.Restore(&raftpb.SnapshotMetadata{Index: 1000, Term: 7})
	assert.Equal(t, uint64(1000), l.LastIndex())
	assert.Equal(t, uint64(1001), l.FirstIndex())

	term, err := l.Term(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), term)

	// Replication resumes right after the snapshot boundary.
	require.NoError(t, l.Append([]*raftpb.Entry{testEntry(1001, 7, "next")}))
	assert.Equal(t, uint64(1001), l.LastIndex())
	_ = state
}
