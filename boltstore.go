package raft

import (
	"encoding/binary"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/tidegate/raft/raftpb"
)

var (
	dbLogs = []byte("logs")
	dbConf = []byte("conf")
)

// BoltStore provides durable LogStore and StableStore backends on a
// single bbolt file. Entry payloads are proto-encoded and checksummed;
// a record that fails its checksum on read surfaces ErrCorruptEntry.
type BoltStore struct {
	conn *bolt.DB
	path string
}

// NewBoltStore opens the bolt file at path, creating the buckets if
// needed.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bolt store")
	}
	store := &BoltStore{conn: db, path: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) initialize() error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.CreateBucketIfNotExists(dbLogs); err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(dbConf); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (b *BoltStore) Close() error {
	return b.conn.Close()
}

// FirstIndex implements the LogStore interface.
func (b *BoltStore) FirstIndex() (uint64, error) {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	curs := tx.Bucket(dbLogs).Cursor()
	if first, _ := curs.First(); first != nil {
		return bytesToUint64(first), nil
	}
	return 0, nil
}

// LastIndex implements the LogStore interface.
func (b *BoltStore) LastIndex() (uint64, error) {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	curs := tx.Bucket(dbLogs).Cursor()
	if last, _ := curs.Last(); last != nil {
		return bytesToUint64(last), nil
	}
	return 0, nil
}

// GetLog implements the LogStore interface. The stored checksum is
// validated before the entry is handed back.
func (b *BoltStore) GetLog(index uint64, out *raftpb.Entry) error {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	val := tx.Bucket(dbLogs).Get(uint64ToBytes(index))
	if val == nil {
		return ErrLogNotFound
	}
	if err := proto.Unmarshal(val, out); err != nil {
		return errors.Wrap(err, "failed to decode log entry")
	}
	if !verifyEntry(out) {
		return errors.Wrapf(ErrCorruptEntry, "index %d", index)
	}
	return nil
}

// StoreLog implements the LogStore interface.
func (b *BoltStore) StoreLog(entry *raftpb.Entry) error {
	return b.StoreLogs([]*raftpb.Entry{entry})
}

// StoreLogs implements the LogStore interface. The whole batch commits
// in one transaction, which is what makes group commit a single
// durability barrier.
func (b *BoltStore) StoreLogs(entries []*raftpb.Entry) error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bucket := tx.Bucket(dbLogs)
	for _, entry := range entries {
		val, err := proto.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "failed to encode log entry")
		}
		if err := bucket.Put(uint64ToBytes(entry.Index), val); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRange implements the LogStore interface.
func (b *BoltStore) DeleteRange(minIndex, maxIndex uint64) error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	curs := tx.Bucket(dbLogs).Cursor()
	for k, _ := curs.Seek(uint64ToBytes(minIndex)); k != nil; k, _ = curs.Next() {
		if bytesToUint64(k) > maxIndex {
			break
		}
		if err := curs.Delete(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Set implements the StableStore interface.
func (b *BoltStore) Set(key []byte, val []byte) error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.Bucket(dbConf).Put(key, val); err != nil {
		return err
	}
	return tx.Commit()
}

// Get implements the StableStore interface.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	val := tx.Bucket(dbConf).Get(key)
	if val == nil {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// SetUint64 implements the StableStore interface.
func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	return b.Set(key, uint64ToBytes(val))
}

// GetUint64 implements the StableStore interface.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	return bytesToUint64(val), nil
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf
}
