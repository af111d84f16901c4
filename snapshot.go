package raft

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tidegate/raft/raftpb"
)

// ErrNoSnapshot is returned when no snapshot exists yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// SnapshotMeta identifies a snapshot. Snapshots are totally ordered by
// index; a snapshot at index i supersedes every entry at or below i.
type SnapshotMeta struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Size  int64  `json:"size"`
}

// SnapshotStore persists compact state-machine images keyed by
// (index, term).
type SnapshotStore interface {
	// Save persists a snapshot. A snapshot whose index is not greater
	// than the newest stored one is refused.
	Save(snap *raftpb.Snapshot) error

	// Snapshots lists stored snapshot metadata ordered newest first.
	Snapshots() ([]SnapshotMeta, error)

	// Load returns the snapshot at the given index.
	Load(index uint64) (*raftpb.Snapshot, error)

	// Latest returns the newest snapshot, or ErrNoSnapshot.
	Latest() (*raftpb.Snapshot, error)

	// Reap drops old snapshots, always keeping the retain newest.
	Reap(retain int) error
}

const (
	snapMetaFile  = "meta.json"
	snapStateFile = "state.bin"
)

// FileSnapshotStore keeps one directory per snapshot, named by
// (term, index), holding the opaque state bytes and a metadata sidecar.
type FileSnapshotStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileSnapshotStore creates the store rooted at dir.
func NewFileSnapshotStore(dir string, logger *zap.Logger) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to make snapshot directory")
	}
	return &FileSnapshotStore{dir: dir, logger: logger}, nil
}

func snapName(meta *raftpb.SnapshotMetadata) string {
	return fmt.Sprintf("%d-%d", meta.Term, meta.Index)
}

// Save implements the SnapshotStore interface. The directory is staged
// under a temporary name and renamed into place so a crashed save never
// leaves a readable half-snapshot.
func (f *FileSnapshotStore) Save(snap *raftpb.Snapshot) error {
	if snap == nil || snap.Metadata == nil {
		return fmt.Errorf("snapshot missing metadata")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if metas, err := f.list(); err == nil && len(metas) > 0 {
		if snap.Metadata.Index <= metas[0].Index {
			return fmt.Errorf("snapshot at %d is not newer than stored %d",
				snap.Metadata.Index, metas[0].Index)
		}
	}

	name := snapName(snap.Metadata)
	tmp := filepath.Join(f.dir, name+".tmp")
	final := filepath.Join(f.dir, name)

	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return errors.Wrap(err, "failed to stage snapshot")
	}
	meta := SnapshotMeta{
		Index: snap.Metadata.Index,
		Term:  snap.Metadata.Term,
		Size:  int64(len(snap.Data)),
	}
	raw, err := json.Marshal(&meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot metadata")
	}
	if err := os.WriteFile(filepath.Join(tmp, snapMetaFile), raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write snapshot metadata")
	}
	if err := os.WriteFile(filepath.Join(tmp, snapStateFile), snap.Data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write snapshot state")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "failed to finalize snapshot")
	}

	f.logger.Info("saved snapshot",
		zap.Uint64("index", meta.Index),
		zap.Uint64("term", meta.Term),
		zap.Int64("size", meta.Size))
	return nil
}

// Snapshots implements the SnapshotStore interface.
func (f *FileSnapshotStore) Snapshots() ([]SnapshotMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list()
}

func (f *FileSnapshotStore) list() ([]SnapshotMeta, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan snapshot directory")
	}

	var metas []SnapshotMeta
	for _, dirent := range entries {
		if !dirent.IsDir() || filepath.Ext(dirent.Name()) == ".tmp" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, dirent.Name(), snapMetaFile))
		if err != nil {
			f.logger.Warn("skipping unreadable snapshot",
				zap.String("name", dirent.Name()), zap.Error(err))
			continue
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			f.logger.Warn("skipping undecodable snapshot",
				zap.String("name", dirent.Name()), zap.Error(err))
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Index > metas[j].Index })
	return metas, nil
}

// Load implements the SnapshotStore interface.
func (f *FileSnapshotStore) Load(index uint64) (*raftpb.Snapshot, error) {
	metas, err := f.Snapshots()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if meta.Index == index {
			return f.read(meta)
		}
	}
	return nil, ErrNoSnapshot
}

// Latest implements the SnapshotStore interface.
func (f *FileSnapshotStore) Latest() (*raftpb.Snapshot, error) {
	metas, err := f.Snapshots()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrNoSnapshot
	}
	return f.read(metas[0])
}

func (f *FileSnapshotStore) read(meta SnapshotMeta) (*raftpb.Snapshot, error) {
	name := snapName(&raftpb.SnapshotMetadata{Index: meta.Index, Term: meta.Term})
	data, err := os.ReadFile(filepath.Join(f.dir, name, snapStateFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot state")
	}
	return &raftpb.Snapshot{
		Metadata: &raftpb.SnapshotMetadata{Index: meta.Index, Term: meta.Term},
		Data:     data,
	}, nil
}

// Reap implements the SnapshotStore interface.
func (f *FileSnapshotStore) Reap(retain int) error {
	if retain < 1 {
		retain = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	metas, err := f.list()
	if err != nil {
		return err
	}
	for _, meta := range metas[minInt(retain, len(metas)):] {
		name := snapName(&raftpb.SnapshotMetadata{Index: meta.Index, Term: meta.Term})
		f.logger.Info("reaping snapshot", zap.String("name", name))
		if err := os.RemoveAll(filepath.Join(f.dir, name)); err != nil {
			return errors.Wrap(err, "failed to reap snapshot")
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a <= b {
		return a
	}
	return b
}

// InmemSnapshotStore keeps snapshots in memory. MEMORY storage mode and
// tests only.
type InmemSnapshotStore struct {
	mu    sync.Mutex
	snaps []*raftpb.Snapshot
}

// NewInmemSnapshotStore returns an empty in-memory snapshot store.
func NewInmemSnapshotStore() *InmemSnapshotStore {
	return &InmemSnapshotStore{}
}

// Save implements the SnapshotStore interface.
func (s *InmemSnapshotStore) Save(snap *raftpb.Snapshot) error {
	if snap == nil || snap.Metadata == nil {
		return fmt.Errorf("snapshot missing metadata")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.snaps); n > 0 && snap.Metadata.Index <= s.snaps[n-1].Metadata.Index {
		return fmt.Errorf("snapshot at %d is not newer than stored %d",
			snap.Metadata.Index, s.snaps[n-1].Metadata.Index)
	}
	s.snaps = append(s.snaps, snap)
	return nil
}

// Snapshots implements the SnapshotStore interface.
func (s *InmemSnapshotStore) Snapshots() ([]SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas := make([]SnapshotMeta, 0, len(s.snaps))
	for i := len(s.snaps) - 1; i >= 0; i-- {
		snap := s.snaps[i]
		metas = append(metas, SnapshotMeta{
			Index: snap.Metadata.Index,
			Term:  snap.Metadata.Term,
			Size:  int64(len(snap.Data)),
		})
	}
	return metas, nil
}

// Load implements the SnapshotStore interface.
func (s *InmemSnapshotStore) Load(index uint64) (*raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps {
		if snap.Metadata.Index == index {
			return snap, nil
		}
	}
	return nil, ErrNoSnapshot
}

// Latest implements the SnapshotStore interface.
func (s *InmemSnapshotStore) Latest() (*raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return nil, ErrNoSnapshot
	}
	return s.snaps[len(s.snaps)-1], nil
}

// Reap implements the SnapshotStore interface.
func (s *InmemSnapshotStore) Reap(retain int) error {
	if retain < 1 {
		retain = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if excess := len(s.snaps) - retain; excess > 0 {
		s.snaps = append([]*raftpb.Snapshot(nil), s.snaps[excess:]...)
	}
	return nil
}
