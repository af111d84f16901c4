package raft

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tidegate/raft/raftpb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitFor polls a condition until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func fastConfig(id uint64, ids ...uint64) *Config {
	conf := DefaultConfig()
	conf.ID = id
	for _, member := range ids {
		conf.Cluster = append(conf.Cluster, fmt.Sprintf("%d@127.0.0.1:%d", member, 7000+member))
	}
	conf.StorageType = StorageMemory
	conf.TickInterval = 2 * time.Millisecond
	conf.ElectionTimeoutMin = 30 * time.Millisecond
	conf.ElectionTimeoutMax = 60 * time.Millisecond
	conf.HeartbeatInterval = 10 * time.Millisecond
	conf.LeaseInterval = 20 * time.Millisecond
	conf.SnapshotTriggerCheckInterval = 10 * time.Millisecond
	conf.SnapshotThreshold = 1 << 30
	conf.BackgroundThreadsNum = 1
	return conf
}

type testCluster struct {
	net   *InmemNetwork
	nodes map[uint64]*Raft
	fsms  map[uint64]*mockFSM
}

func newTestCluster(t *testing.T, ids ...uint64) *testCluster {
	t.Helper()
	tc := &testCluster{
		net:   NewInmemNetwork(),
		nodes: make(map[uint64]*Raft),
		fsms:  make(map[uint64]*mockFSM),
	}
	for _, id := range ids {
		fsm := &mockFSM{}
		store := NewInmemStore()
		r, err := newRaftWithStores(fastConfig(id, ids...), fsm,
			tc.net.Transport(id), store, store, NewInmemSnapshotStore())
		require.NoError(t, err)
		tc.net.Join(id, r)
		tc.nodes[id] = r
		tc.fsms[id] = fsm
	}
	t.Cleanup(func() {
		for _, r := range tc.nodes {
			r.Shutdown().Error()
		}
		tc.net.Wait()
	})
	return tc
}

func (tc *testCluster) leader(t *testing.T) *Raft {
	t.Helper()
	var leader *Raft
	waitFor(t, "a leader to emerge", func() bool {
		for _, r := range tc.nodes {
			if r.Status() == Leader {
				leader = r
				return true
			}
		}
		return false
	})
	return leader
}

func TestSingleNodeCluster(t *testing.T) {
	tc := newTestCluster(t, 1)
	leader := tc.leader(t)

	future := leader.Propose([]byte("x"))
	require.NoError(t, future.Error())

	waitFor(t, "entry to apply", func() bool {
		return len(tc.fsms[1].appliedData()) == 1
	})
	assert.Equal(t, []string{"x"}, tc.fsms[1].appliedData())
	assert.Equal(t, leader.CommittedIndex(), leader.AppliedIndex())
	assert.Equal(t, Replayed, leader.ReplayState())
	assert.Equal(t, Stable, leader.GroupState())
}

func TestThreeNodeHappyPath(t *testing.T) {
	tc := newTestCluster(t, 1, 2, 3)
	leader := tc.leader(t)

	for _, cmd := range []string{"a", "b", "c"} {
		require.NoError(t, leader.Propose([]byte(cmd)).Error())
	}

	want := []string{"a", "b", "c"}
	for id, fsm := range tc.fsms {
		fsm := fsm
		waitFor(t, fmt.Sprintf("node %d to apply all entries", id), func() bool {
			return len(fsm.appliedData()) == len(want)
		})
		assert.Equal(t, want, fsm.appliedData(), "node %d applies in order", id)
	}

	// Every peer has caught up to the leader's log.
	waitFor(t, "peer match indexes to converge", func() bool {
		for _, peer := range leader.cluster.Peers() {
			if peer.MatchIndex() != leader.LastIndex() {
				return false
			}
		}
		return true
	})
	waitFor(t, "commit indexes to converge", func() bool {
		for _, r := range tc.nodes {
			if r.CommittedIndex() != leader.CommittedIndex() {
				return false
			}
		}
		return true
	})

	// One leader per term.
	leaders := 0
	for _, r := range tc.nodes {
		if r.Status() == Leader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestLeaderStepsDownWhenPartitioned(t *testing.T) {
	tc := newTestCluster(t, 1, 2, 3)
	leader := tc.leader(t)
	leaderID := leader.conf.ID

	var peers []uint64
	for id := range tc.nodes {
		if id != leaderID {
			peers = append(peers, id)
		}
	}
	tc.net.Sever(leaderID, peers[0])
	tc.net.Sever(leaderID, peers[1])

	waitFor(t, "old leader to step down", func() bool {
		return leader.Status() == Follower
	})
	assert.Equal(t, Unavailable, leader.GroupState())

	// Writes on the cut-off node fail fast.
	err := leader.Propose([]byte("lost")).Error()
	assert.Error(t, err)

	// The connected majority elects a replacement.
	waitFor(t, "a new leader among the majority", func() bool {
		return tc.nodes[peers[0]].Status() == Leader || tc.nodes[peers[1]].Status() == Leader
	})
}

func TestFollowerRedirectsProposals(t *testing.T) {
	tc := newTestCluster(t, 1, 2, 3)
	leader := tc.leader(t)

	for id, r := range tc.nodes {
		if id == leader.conf.ID {
			continue
		}
		err := r.Propose([]byte("wrong-node")).Error()
		assert.ErrorIs(t, err, NotLeader)
		// The bounced caller can discover the real leader.
		waitFor(t, "follower to learn the leader", func() bool {
			return r.Leader() == leader.conf.ID
		})
	}
}

func TestSnapshotTriggerAndCompaction(t *testing.T) {
	net := NewInmemNetwork()
	fsm := &mockFSM{}
	store := NewInmemStore()

	conf := fastConfig(1, 1)
	conf.SnapshotThreshold = 5
	conf.TrailingLogs = 2
	leader, err := newRaftWithStores(conf, fsm, net.Transport(1), store, store, NewInmemSnapshotStore())
	require.NoError(t, err)
	net.Join(1, leader)
	t.Cleanup(func() {
		leader.Shutdown().Error()
		net.Wait()
	})
	waitFor(t, "leadership", func() bool { return leader.Status() == Leader })

	for i := 0; i < 10; i++ {
		require.NoError(t, leader.Propose([]byte(fmt.Sprintf("op-%d", i))).Error())
	}

	waitFor(t, "snapshot to be taken", func() bool {
		_, err := leader.snapshots.Latest()
		return err == nil
	})
	snap, err := leader.snapshots.Latest()
	require.NoError(t, err)
	assert.Greater(t, snap.Metadata.Index, uint64(0))

	waitFor(t, "log to compact behind the snapshot", func() bool {
		return leader.log.FirstIndex() > 1
	})
}

func TestElectionAndGroupStateListeners(t *testing.T) {
	net := NewInmemNetwork()
	fsm := &mockFSM{}
	store := NewInmemStore()

	conf := fastConfig(1, 1, 2, 3)
	r, err := newRaftWithStores(conf, fsm, net.Transport(1), store, store, NewInmemSnapshotStore())
	require.NoError(t, err)
	net.Join(1, r)
	defer func() {
		r.Shutdown().Error()
		net.Wait()
	}()

	statusCh := make(chan Status, 16)
	r.AddElectionListener(func(s Status) {
		select {
		case statusCh <- s:
		default:
		}
	})
	// A panicking listener must not starve the healthy one.
	r.AddElectionListener(func(Status) { panic("bad listener") })

	groupCh := make(chan [2]GroupState, 16)
	r.AddGroupStateListener(func(from, to GroupState) {
		select {
		case groupCh <- [2]GroupState{from, to}:
		default:
		}
	})

	// Alone in a three-member cluster it can pre-vote forever but never
	// win; it still reports the transition attempts.
	waitFor(t, "an election transition", func() bool {
		select {
		case s := <-statusCh:
			return s == PreCandidate
		default:
			return false
		}
	})

	net.Sever(1, 2)
	net.Sever(1, 3)
	waitFor(t, "a group state transition", func() bool {
		select {
		case tr := <-groupCh:
			return tr[1] == Unavailable || tr[1] == Partial
		default:
			return false
		}
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	tc := newTestCluster(t, 1)
	r := tc.nodes[1]

	require.NoError(t, r.Shutdown().Error())
	require.NoError(t, r.Shutdown().Error())

	err := r.Propose([]byte("late")).Error()
	assert.ErrorIs(t, err, RaftShutdown)
	assert.ErrorIs(t, r.Step(&raftpb.Message{Type: raftpb.MessageType_HEARTBEAT}), RaftShutdown)
}

func TestRestartRecoversState(t *testing.T) {
	store := NewInmemStore()
	snaps := NewInmemSnapshotStore()
	net := NewInmemNetwork()
	fsm := &mockFSM{}

	conf := fastConfig(1, 1)
	r, err := newRaftWithStores(conf, fsm, net.Transport(1), store, store, snaps)
	require.NoError(t, err)
	net.Join(1, r)

	waitFor(t, "leadership", func() bool { return r.Status() == Leader })
	require.NoError(t, r.Propose([]byte("persisted")).Error())
	term := r.Term()
	commit := r.CommittedIndex()
	require.NoError(t, r.Shutdown().Error())
	net.Wait()

	// A new incarnation over the same stores resumes where it left off.
	net2 := NewInmemNetwork()
	fsm2 := &mockFSM{}
	r2, err := newRaftWithStores(fastConfig(1, 1), fsm2, net2.Transport(1), store, store, snaps)
	require.NoError(t, err)
	net2.Join(1, r2)
	defer func() {
		r2.Shutdown().Error()
		net2.Wait()
	}()

	assert.GreaterOrEqual(t, r2.Term(), term)
	assert.GreaterOrEqual(t, r2.CommittedIndex(), commit)
	waitFor(t, "restart replay to the state machine", func() bool {
		return len(fsm2.appliedData()) == 1
	})
	assert.Equal(t, []string{"persisted"}, fsm2.appliedData())
}
