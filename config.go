package raft

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// StorageType selects how log entries are kept.
type StorageType string

const (
	// StorageDisk keeps every entry in the durable store.
	StorageDisk StorageType = "DISK"
	// StorageMemory keeps entries in memory only. Useful for tests and
	// caches that can afford to lose the log.
	StorageMemory StorageType = "MEMORY"
	// StorageCombination fronts the durable store with a fixed-size ring
	// of recent entries so replication reads rarely touch disk.
	StorageCombination StorageType = "COMBINATION"
)

// Member is a single cluster member parsed from an "id@host:port" entry.
type Member struct {
	ID   uint64
	Addr string
}

// Config provides any necessary configuration to the Raft node.
type Config struct {
	// ID is the identity of the local node. Required, strictly positive
	// and unique in the cluster.
	ID uint64

	// Cluster lists every member, including the local node, in
	// "id@host:port" form.
	Cluster []string

	// StorageType selects DISK, MEMORY or COMBINATION log storage.
	StorageType StorageType

	// RingBufferSize bounds the in-memory entry ring for COMBINATION
	// storage.
	RingBufferSize int

	// DataDir holds the durable store and snapshots for DISK and
	// COMBINATION storage.
	DataDir string

	// SnapshotReadOnly hands snapshot bytes to the state machine without
	// copying. The state machine must then treat them as immutable.
	SnapshotReadOnly bool

	// MinSnapshotsRetention is the number of recent snapshots the
	// retention sweep always keeps. Must be positive.
	MinSnapshotsRetention int

	// SnapshotThreshold is how far the applied index must run ahead of
	// the last snapshot before a new one is triggered.
	SnapshotThreshold uint64

	// SnapshotTriggerCheckInterval bounds the apply loop's idle wait and
	// paces the snapshot trigger check.
	SnapshotTriggerCheckInterval time.Duration

	// BackgroundThreadsNum sizes the executor that builds snapshots off
	// the apply loop.
	BackgroundThreadsNum int

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the leader's replication cadence.
	HeartbeatInterval time.Duration

	// LeaseInterval is how often the leader re-checks quorum support.
	// Two consecutive failed checks force a step-down.
	LeaseInterval time.Duration

	// TickInterval is the resolution of the logical clock.
	TickInterval time.Duration

	// TrailingLogs controls how many logs we leave after a snapshot so
	// slow followers can still be served from the log.
	TrailingLogs uint64

	// Logger sinks all engine logging. Defaults to zap's no-op logger.
	Logger *zap.Logger

	// Metrics, when set, receives the engine's prometheus collectors.
	Metrics prometheus.Registerer
}

// DefaultConfig returns a Config with usable defaults for everything but
// the identity, the cluster list and DataDir, which the default DISK
// storage requires.
func DefaultConfig() *Config {
	return &Config{
		StorageType:                  StorageDisk,
		RingBufferSize:               1024,
		MinSnapshotsRetention:        2,
		SnapshotThreshold:            8192,
		SnapshotTriggerCheckInterval: time.Second,
		BackgroundThreadsNum:         2,
		ElectionTimeoutMin:           150 * time.Millisecond,
		ElectionTimeoutMax:           300 * time.Millisecond,
		HeartbeatInterval:            50 * time.Millisecond,
		LeaseInterval:                100 * time.Millisecond,
		TickInterval:                 10 * time.Millisecond,
		TrailingLogs:                 256,
		Logger:                       zap.NewNop(),
	}
}

// LoadConfig reads a config file into a Config on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	conf := DefaultConfig()
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return conf, nil
}

// Validate is used to check the configuration for fatal mistakes before
// any background work starts.
func (c *Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("node id must be positive")
	}
	if len(c.Cluster) == 0 {
		return fmt.Errorf("cluster must not be empty")
	}
	members, err := c.Members()
	if err != nil {
		return err
	}
	found := false
	for _, m := range members {
		if m.ID == c.ID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("local node %d is not in the cluster list", c.ID)
	}
	switch c.StorageType {
	case StorageDisk, StorageMemory, StorageCombination:
	default:
		return fmt.Errorf("unknown storage type: %s", c.StorageType)
	}
	if c.StorageType == StorageCombination && c.RingBufferSize <= 0 {
		return fmt.Errorf("ring buffer size must be positive for COMBINATION storage")
	}
	if c.MinSnapshotsRetention <= 0 {
		return fmt.Errorf("min snapshots retention must be positive")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("invalid election timeout range")
	}
	if c.HeartbeatInterval <= 0 || c.LeaseInterval <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("heartbeat, lease and tick intervals must be positive")
	}
	if c.BackgroundThreadsNum <= 0 {
		return fmt.Errorf("background threads num must be positive")
	}
	return nil
}

// Members parses the cluster list. Duplicate or non-positive ids are
// configuration errors.
func (c *Config) Members() ([]Member, error) {
	seen := make(map[uint64]struct{}, len(c.Cluster))
	members := make([]Member, 0, len(c.Cluster))
	for _, raw := range c.Cluster {
		parts := strings.SplitN(raw, "@", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("malformed cluster entry %q, want id@host:port", raw)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("malformed node id in cluster entry %q", raw)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate node id %d in cluster", id)
		}
		seen[id] = struct{}{}
		members = append(members, Member{ID: id, Addr: parts[1]})
	}
	return members, nil
}
