package raft

import (
	"sync"

	"github.com/tidegate/raft/raftpb"
)

// InmemNetwork is a loopback fabric connecting in-process nodes. It
// implements just enough of a transport for tests and single-process
// clusters: message delivery, per-link partitions and connectivity
// reporting.
type InmemNetwork struct {
	mu       sync.RWMutex
	nodes    map[uint64]*Raft
	severed  map[[2]uint64]bool
	delivery sync.WaitGroup
}

// NewInmemNetwork returns an empty fabric.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		nodes:   make(map[uint64]*Raft),
		severed: make(map[[2]uint64]bool),
	}
}

// Transport returns the per-node transporter to hand to NewRaft.
func (n *InmemNetwork) Transport(id uint64) *InmemTransport {
	return &InmemTransport{net: n, id: id}
}

// Join registers a started node for delivery.
func (n *InmemNetwork) Join(id uint64, r *Raft) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = r
}

// Sever cuts both directions between two nodes and reports the
// disconnect to each side.
func (n *InmemNetwork) Sever(a, b uint64) {
	n.mu.Lock()
	n.severed[[2]uint64{a, b}] = true
	n.severed[[2]uint64{b, a}] = true
	ra, rb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()

	if ra != nil {
		ra.ReportConnectivity(b, false)
	}
	if rb != nil {
		rb.ReportConnectivity(a, false)
	}
}

// Heal restores both directions between two nodes.
func (n *InmemNetwork) Heal(a, b uint64) {
	n.mu.Lock()
	delete(n.severed, [2]uint64{a, b})
	delete(n.severed, [2]uint64{b, a})
	ra, rb := n.nodes[a], n.nodes[b]
	n.mu.Unlock()

	if ra != nil {
		ra.ReportConnectivity(b, true)
	}
	if rb != nil {
		rb.ReportConnectivity(a, true)
	}
}

// Wait blocks until in-flight deliveries settle.
func (n *InmemNetwork) Wait() {
	n.delivery.Wait()
}

func (n *InmemNetwork) deliver(from uint64, m *raftpb.Message) {
	n.mu.RLock()
	cut := n.severed[[2]uint64{from, m.To}]
	target := n.nodes[m.To]
	n.mu.RUnlock()

	if cut || target == nil {
		return
	}
	n.delivery.Add(1)
	go func() {
		defer n.delivery.Done()
		_ = target.Step(m)
	}()
}

// InmemTransport is one node's handle on the fabric.
type InmemTransport struct {
	net *InmemNetwork
	id  uint64

	mu     sync.Mutex
	closed bool
}

// Send implements the Transporter interface.
func (t *InmemTransport) Send(m *raftpb.Message) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.net.deliver(t.id, m)
}

// Close implements the Transporter interface.
func (t *InmemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
