package raft

import (
	"sync"

	"github.com/tidegate/raft/raftpb"
)

// LogCache wraps any LogStore with a fixed-size ring of recent entries.
// Replication reads are dominated by the tail of the log, so most of them
// are served from memory. This is the COMBINATION storage mode.
type LogCache struct {
	store LogStore

	l     sync.RWMutex
	cache []*raftpb.Entry
}

// NewLogCache creates a ring of the given capacity over the store.
func NewLogCache(capacity int, store LogStore) *LogCache {
	return &LogCache{
		store: store,
		cache: make([]*raftpb.Entry, capacity),
	}
}

// GetLog implements the LogStore interface, consulting the ring first.
func (c *LogCache) GetLog(index uint64, out *raftpb.Entry) error {
	c.l.RLock()
	cached := c.cache[index%uint64(len(c.cache))]
	c.l.RUnlock()

	if cached != nil && cached.Index == index {
		*out = *cached
		return nil
	}
	return c.store.GetLog(index, out)
}

// StoreLog implements the LogStore interface.
func (c *LogCache) StoreLog(entry *raftpb.Entry) error {
	return c.StoreLogs([]*raftpb.Entry{entry})
}

// StoreLogs implements the LogStore interface. Entries only enter the
// ring once the backing store accepted them, so the ring never serves an
// entry the durable store would reject.
func (c *LogCache) StoreLogs(entries []*raftpb.Entry) error {
	if err := c.store.StoreLogs(entries); err != nil {
		return err
	}
	c.l.Lock()
	for _, e := range entries {
		c.cache[e.Index%uint64(len(c.cache))] = e
	}
	c.l.Unlock()
	return nil
}

// FirstIndex implements the LogStore interface.
func (c *LogCache) FirstIndex() (uint64, error) {
	return c.store.FirstIndex()
}

// LastIndex implements the LogStore interface.
func (c *LogCache) LastIndex() (uint64, error) {
	return c.store.LastIndex()
}

// DeleteRange implements the LogStore interface. The ring is dropped
// wholesale; it repopulates as new entries are stored.
func (c *LogCache) DeleteRange(minIndex, maxIndex uint64) error {
	c.l.Lock()
	c.cache = make([]*raftpb.Entry, len(c.cache))
	c.l.Unlock()
	return c.store.DeleteRange(minIndex, maxIndex)
}
