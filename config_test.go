package raft

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	conf := DefaultConfig()
	conf.ID = 1
	conf.Cluster = []string{"1@127.0.0.1:7001", "2@127.0.0.1:7002", "3@127.0.0.1:7003"}
	conf.StorageType = StorageMemory
	return conf
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validTestConfig().Validate())
}

func TestConfigValidateRejectsBadIdentity(t *testing.T) {
	conf := validTestConfig()
	conf.ID = 0
	assert.Error(t, conf.Validate())

	conf = validTestConfig()
	conf.ID = 9
	assert.Error(t, conf.Validate(), "local node must be in the cluster")
}

func TestConfigValidateRejectsBadCluster(t *testing.T) {
	cases := map[string][]string{
		"empty":        {},
		"no addr":      {"1@"},
		"no separator": {"1-127.0.0.1:7001"},
		"bad id":       {"x@127.0.0.1:7001"},
		"zero id":      {"0@127.0.0.1:7001"},
		"duplicate id": {"1@127.0.0.1:7001", "1@127.0.0.1:7002"},
	}
	for name, cluster := range cases {
		conf := validTestConfig()
		conf.Cluster = cluster
		assert.Error(t, conf.Validate(), name)
	}
}

func TestConfigValidateRejectsBadKnobs(t *testing.T) {
	conf := validTestConfig()
	conf.StorageType = "TAPE"
	assert.Error(t, conf.Validate())

	conf = validTestConfig()
	conf.StorageType = StorageCombination
	conf.RingBufferSize = 0
	assert.Error(t, conf.Validate())

	conf = validTestConfig()
	conf.MinSnapshotsRetention = 0
	assert.Error(t, conf.Validate())

	conf = validTestConfig()
	conf.ElectionTimeoutMax = conf.ElectionTimeoutMin / 2
	assert.Error(t, conf.Validate())

	conf = validTestConfig()
	conf.BackgroundThreadsNum = 0
	assert.Error(t, conf.Validate())
}

func TestConfigMembers(t *testing.T) {
	conf := validTestConfig()
	members, err := conf.Members()
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, uint64(1), members[0].ID)
	assert.Equal(t, "127.0.0.1:7001", members[0].Addr)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.yaml")
	raw := `
id: 2
cluster:
  - 1@127.0.0.1:7001
  - 2@127.0.0.1:7002
  - 3@127.0.0.1:7003
storagetype: MEMORY
minsnapshotsretention: 4
heartbeatinterval: 25ms
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), conf.ID)
	assert.Len(t, conf.Cluster, 3)
	assert.Equal(t, StorageMemory, conf.StorageType)
	assert.Equal(t, 4, conf.MinSnapshotsRetention)
	assert.Equal(t, 25*time.Millisecond, conf.HeartbeatInterval)
	require.NoError(t, conf.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
