package raft

import (
	"sort"
	"sync"
)

// NodeInfo is the identity and runtime progress the engine tracks for a
// single cluster member. nextIndex and matchIndex are only meaningful on
// the leader; the connectivity and apply flags matter everywhere.
type NodeInfo struct {
	ID   uint64
	Addr string

	mu           sync.Mutex
	nextIndex    uint64
	matchIndex   uint64
	disconnected bool
	applying     bool
	replayState  ReplayState
}

// NextIndex is the next log index to send to this peer.
func (n *NodeInfo) NextIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextIndex
}

func (n *NodeInfo) setNextIndex(index uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextIndex = index
}

// MatchIndex is the highest log index known to be replicated on this peer.
func (n *NodeInfo) MatchIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.matchIndex
}

func (n *NodeInfo) setMatchIndex(index uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matchIndex = index
}

// updateProgress moves both replication cursors after an acknowledged
// append. matchIndex never regresses.
func (n *NodeInfo) updateProgress(matched uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if matched > n.matchIndex {
		n.matchIndex = matched
	}
	if matched+1 > n.nextIndex {
		n.nextIndex = matched + 1
	}
}

// backoff rewinds nextIndex after a rejected append. The hint, when
// non-zero, names the first index of the conflicting term.
func (n *NodeInfo) backoff(rejected, hint uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := rejected
	if hint != 0 && hint < next {
		next = hint
	}
	if next < 1 {
		next = 1
	}
	if next < n.nextIndex {
		n.nextIndex = next
	}
}

// Connected reports whether the transport believes this peer is reachable.
func (n *NodeInfo) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.disconnected
}

func (n *NodeInfo) setDisconnected(disconnected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = disconnected
}

// Applying reports whether an apply batch is in flight for this node.
func (n *NodeInfo) Applying() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applying
}

func (n *NodeInfo) setApplying(applying bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applying = applying
}

// ReplayState reports this node's catch-up state after its last role
// transition.
func (n *NodeInfo) ReplayState() ReplayState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.replayState
}

func (n *NodeInfo) setReplayState(s ReplayState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replayState = s
}

// Cluster is the immutable membership view built from configuration.
// NodeInfo progress inside it is mutable; the mapping itself never
// changes for the process lifetime.
type Cluster struct {
	self  uint64
	nodes map[uint64]*NodeInfo
	order []uint64
}

// newCluster builds the membership view, with self identified so the
// peers view can exclude it.
func newCluster(self uint64, members []Member) *Cluster {
	c := &Cluster{
		self:  self,
		nodes: make(map[uint64]*NodeInfo, len(members)),
	}
	for _, m := range members {
		c.nodes[m.ID] = &NodeInfo{ID: m.ID, Addr: m.Addr, nextIndex: 1}
		c.order = append(c.order, m.ID)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c
}

// Node returns the info for the given id, or nil for strangers.
func (c *Cluster) Node(id uint64) *NodeInfo {
	return c.nodes[id]
}

// Self returns the local node's info.
func (c *Cluster) Self() *NodeInfo {
	return c.nodes[c.self]
}

// Peers returns every member except the local node, in id order.
func (c *Cluster) Peers() []*NodeInfo {
	peers := make([]*NodeInfo, 0, len(c.order)-1)
	for _, id := range c.order {
		if id != c.self {
			peers = append(peers, c.nodes[id])
		}
	}
	return peers
}

// Size is the total member count, self included.
func (c *Cluster) Size() int {
	return len(c.nodes)
}

// Quorum is the majority threshold for this cluster.
func (c *Cluster) Quorum() int {
	return len(c.nodes)/2 + 1
}

// groupState derives the availability of the cluster from per-peer
// connectivity. The local node always counts as available.
func (c *Cluster) groupState() GroupState {
	available := 1
	for _, p := range c.Peers() {
		if p.Connected() {
			available++
		}
	}
	switch {
	case available == c.Size():
		return Stable
	case available >= c.Quorum():
		return Partial
	default:
		return Unavailable
	}
}

// matchIndexes returns every member's match index, with the local node
// standing at lastIndex. Used for quorum commit advancement.
func (c *Cluster) matchIndexes(lastIndex uint64) []uint64 {
	matched := make([]uint64, 0, len(c.order))
	for _, id := range c.order {
		if id == c.self {
			matched = append(matched, lastIndex)
			continue
		}
		matched = append(matched, c.nodes[id].MatchIndex())
	}
	return matched
}
