package raft

import (
	"errors"
	"sync"

	"github.com/tidegate/raft/raftpb"
)

var (
	// ErrLogNotFound is returned when the requested index is outside the
	// stored range.
	ErrLogNotFound = errors.New("log not found")
	// ErrKeyNotFound is returned by a StableStore for missing keys.
	ErrKeyNotFound = errors.New("not found")
	// ErrCorruptEntry is returned when a stored entry fails its checksum.
	ErrCorruptEntry = errors.New("entry checksum mismatch")
)

// LogStore is used to provide an interface for storing
// and retrieving logs in a durable fashion.
type LogStore interface {
	// FirstIndex returns the first index written. 0 for no entries.
	FirstIndex() (uint64, error)

	// LastIndex returns the last index written. 0 for no entries.
	LastIndex() (uint64, error)

	// GetLog gets a log entry at a given index.
	GetLog(index uint64, out *raftpb.Entry) error

	// StoreLog stores a log entry.
	StoreLog(entry *raftpb.Entry) error

	// StoreLogs stores multiple log entries as one batch.
	StoreLogs(entries []*raftpb.Entry) error

	// DeleteRange deletes a range of log entries. The range is inclusive.
	DeleteRange(minIndex, maxIndex uint64) error
}

// StableStore is used to provide stable storage for the node's hard
// state: current term, vote and commit index.
type StableStore interface {
	Set(key []byte, val []byte) error
	Get(key []byte) ([]byte, error)
	SetUint64(key []byte, val uint64) error
	GetUint64(key []byte) (uint64, error)
}

// InmemStore implements the LogStore and StableStore interfaces.
// It should NOT EVER be used for production. It is used only for
// MEMORY storage mode and unit tests.
type InmemStore struct {
	l         sync.RWMutex
	lowIndex  uint64
	highIndex uint64
	logs      map[uint64]*raftpb.Entry
	kv        map[string][]byte
	kvInt     map[string]uint64
}

// NewInmemStore returns a new in-memory backend.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		logs:  make(map[uint64]*raftpb.Entry),
		kv:    make(map[string][]byte),
		kvInt: make(map[string]uint64),
	}
}

// FirstIndex implements the LogStore interface.
func (i *InmemStore) FirstIndex() (uint64, error) {
	i.l.RLock()
	defer i.l.RUnlock()
	return i.lowIndex, nil
}

// LastIndex implements the LogStore interface.
func (i *InmemStore) LastIndex() (uint64, error) {
	i.l.RLock()
	defer i.l.RUnlock()
	return i.highIndex, nil
}

// GetLog implements the LogStore interface.
func (i *InmemStore) GetLog(index uint64, out *raftpb.Entry) error {
	i.l.RLock()
	defer i.l.RUnlock()
	l, ok := i.logs[index]
	if !ok {
		return ErrLogNotFound
	}
	*out = *l
	return nil
}

// StoreLog implements the LogStore interface.
func (i *InmemStore) StoreLog(entry *raftpb.Entry) error {
	return i.StoreLogs([]*raftpb.Entry{entry})
}

// StoreLogs implements the LogStore interface.
func (i *InmemStore) StoreLogs(entries []*raftpb.Entry) error {
	i.l.Lock()
	defer i.l.Unlock()
	for _, entry := range entries {
		i.logs[entry.Index] = entry
		if i.lowIndex == 0 {
			i.lowIndex = entry.Index
		}
		if entry.Index > i.highIndex {
			i.highIndex = entry.Index
		}
	}
	return nil
}

// DeleteRange implements the LogStore interface.
func (i *InmemStore) DeleteRange(minIndex, maxIndex uint64) error {
	i.l.Lock()
	defer i.l.Unlock()
	for j := minIndex; j <= maxIndex; j++ {
		delete(i.logs, j)
	}
	if minIndex <= i.lowIndex {
		i.lowIndex = maxIndex + 1
	}
	if maxIndex >= i.highIndex {
		i.highIndex = minIndex - 1
	}
	if i.lowIndex > i.highIndex {
		i.lowIndex = 0
		i.highIndex = 0
	}
	return nil
}

// Set implements the StableStore interface.
func (i *InmemStore) Set(key []byte, val []byte) error {
	i.l.Lock()
	defer i.l.Unlock()
	i.kv[string(key)] = val
	return nil
}

// Get implements the StableStore interface.
func (i *InmemStore) Get(key []byte) ([]byte, error) {
	i.l.RLock()
	defer i.l.RUnlock()
	val, ok := i.kv[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// SetUint64 implements the StableStore interface.
func (i *InmemStore) SetUint64(key []byte, val uint64) error {
	i.l.Lock()
	defer i.l.Unlock()
	i.kvInt[string(key)] = val
	return nil
}

// GetUint64 implements the StableStore interface.
func (i *InmemStore) GetUint64(key []byte) (uint64, error) {
	i.l.RLock()
	defer i.l.RUnlock()
	val, ok := i.kvInt[string(key)]
	if !ok {
		return 0, ErrKeyNotFound
	}
	return val, nil
}
