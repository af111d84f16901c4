package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMembers(ids ...uint64) []Member {
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{ID: id, Addr: "127.0.0.1:0"})
	}
	return members
}

func TestClusterQuorum(t *testing.T) {
	assert.Equal(t, 1, newCluster(1, testMembers(1)).Quorum())
	assert.Equal(t, 2, newCluster(1, testMembers(1, 2, 3)).Quorum())
	assert.Equal(t, 3, newCluster(1, testMembers(1, 2, 3, 4)).Quorum())
	assert.Equal(t, 3, newCluster(1, testMembers(1, 2, 3, 4, 5)).Quorum())
}

func TestClusterPeersExcludesSelf(t *testing.T) {
	c := newCluster(2, testMembers(3, 1, 2))
	peers := c.Peers()
	require.Len(t, peers, 2)
	// Ordered by id.
	assert.Equal(t, uint64(1), peers[0].ID)
	assert.Equal(t, uint64(3), peers[1].ID)
	assert.Equal(t, uint64(2), c.Self().ID)
}

func TestClusterGroupState(t *testing.T) {
	c := newCluster(1, testMembers(1, 2, 3))
	assert.Equal(t, Stable, c.groupState())

	c.Node(2).setDisconnected(true)
	assert.Equal(t, Partial, c.groupState())

	c.Node(3).setDisconnected(true)
	assert.Equal(t, Unavailable, c.groupState())

	c.Node(2).setDisconnected(false)
	assert.Equal(t, Partial, c.groupState())
}

func TestNodeInfoProgress(t *testing.T) {
	n := &NodeInfo{ID: 2, nextIndex: 5}

	n.updateProgress(7)
	assert.Equal(t, uint64(7), n.MatchIndex())
	assert.Equal(t, uint64(8), n.NextIndex())

	// matchIndex never regresses.
	n.updateProgress(3)
	assert.Equal(t, uint64(7), n.MatchIndex())
	assert.Equal(t, uint64(8), n.NextIndex())
}

func TestNodeInfoBackoff(t *testing.T) {
	n := &NodeInfo{ID: 2, nextIndex: 10}

	// Without a hint, step back to the rejected index.
	n.backoff(9, 0)
	assert.Equal(t, uint64(9), n.NextIndex())

	// With a hint, jump the whole conflicting term.
	n.backoff(8, 4)
	assert.Equal(t, uint64(4), n.NextIndex())

	// Never below 1, never forward.
	n.backoff(0, 0)
	assert.Equal(t, uint64(1), n.NextIndex())
	n.backoff(6, 0)
	assert.Equal(t, uint64(1), n.NextIndex())
}

func TestClusterMatchIndexes(t *testing.T) {
	c := newCluster(1, testMembers(1, 2, 3))
	c.Node(2).setMatchIndex(4)
	c.Node(3).setMatchIndex(2)

	matched := c.matchIndexes(9)
	assert.Equal(t, []uint64{9, 4, 2}, matched)
}
