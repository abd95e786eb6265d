package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "groupkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: 1
  data_dir: /tmp/groupkv
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), cfg.Node.ID)
	assert.Equal(t, 500*time.Millisecond, cfg.Raft.TickInterval)
	assert.Equal(t, 10, cfg.Raft.ElectionTick)
	assert.Equal(t, 1<<20, cfg.Snapshot.ChunkSize)
	assert.Equal(t, uint64(1000), cfg.Snapshot.Threshold)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
node:
  id: 2
  data_dir: /var/lib/groupkv
  addr: 127.0.0.1:9301
raft:
  tick_interval: 100ms
  election_tick: 20
  heartbeat_tick: 5
snapshot:
  threshold: 500
transport:
  peers:
    1: 127.0.0.1:9300
    2: 127.0.0.1:9301
groups:
  - id: 1
    replica_id: 2
    epoch: 1
    shards:
      - id: 7
        collection_id: 3
    replicas:
      - id: 1
        node_id: 1
      - id: 2
        node_id: 2
        role: learner
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Raft.TickInterval)
	assert.Equal(t, uint64(500), cfg.Snapshot.Threshold)
	assert.Equal(t, "127.0.0.1:9300", cfg.Transport.Peers[1])
	assert.Equal(t, "debug", cfg.LogLevel)

	require.Len(t, cfg.Groups, 1)
	group := cfg.Groups[0]
	assert.Equal(t, uint64(1), group.ID)
	assert.Equal(t, uint64(2), group.ReplicaID)
	require.Len(t, group.Shards, 1)
	assert.Equal(t, uint64(3), group.Shards[0].CollectionID)
	require.Len(t, group.Replicas, 2)
	assert.Equal(t, "learner", group.Replicas[1].Role)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("GROUPKV_DATA_DIR", "/data/groupkv")

	path := writeConfig(t, `
node:
  id: 1
  data_dir: ${GROUPKV_DATA_DIR}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/groupkv", cfg.Node.DataDir)
}

func TestLoadFailsOnUnsetEnv(t *testing.T) {
	path := writeConfig(t, `
node:
  id: 1
  data_dir: ${GROUPKV_UNSET_DIR}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROUPKV_UNSET_DIR")
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing node id",
			content: "node:\n  data_dir: /tmp/x\n",
			wantErr: "node.id",
		},
		{
			name:    "missing data dir",
			content: "node:\n  id: 1\n",
			wantErr: "node.data_dir",
		},
		{
			name:    "election tick too low",
			content: "node:\n  id: 1\n  data_dir: /tmp/x\nraft:\n  election_tick: 3\n  heartbeat_tick: 3\n",
			wantErr: "election_tick",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
