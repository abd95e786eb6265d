package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration, loaded from a yaml file with
// ${ENV_VAR} expansion.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Raft      RaftConfig      `yaml:"raft"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Transport TransportConfig `yaml:"transport"`
	// Groups lists the consensus groups this node hosts at startup.
	Groups   []GroupSpec `yaml:"groups"`
	LogLevel string      `yaml:"log_level"`
}

// GroupSpec describes one hosted group and the local replica's place in it.
type GroupSpec struct {
	ID        uint64        `yaml:"id"`
	ReplicaID uint64        `yaml:"replica_id"`
	Epoch     uint64        `yaml:"epoch"`
	Shards    []ShardSpec   `yaml:"shards"`
	Replicas  []ReplicaSpec `yaml:"replicas"`
}

type ShardSpec struct {
	ID           uint64 `yaml:"id"`
	CollectionID uint64 `yaml:"collection_id"`
}

type ReplicaSpec struct {
	ID     uint64 `yaml:"id"`
	NodeID uint64 `yaml:"node_id"`
	// Role is "voter" or "learner"; empty means voter.
	Role string `yaml:"role"`
}

type NodeConfig struct {
	ID      uint64 `yaml:"id"`
	DataDir string `yaml:"data_dir"`
	Addr    string `yaml:"addr"`
}

type RaftConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	ElectionTick     int           `yaml:"election_tick"`
	HeartbeatTick    int           `yaml:"heartbeat_tick"`
	RequestQueueSize int           `yaml:"request_queue_size"`
	MaxBurstRequests int           `yaml:"max_burst_requests"`
	MaxSizePerMsg    uint64        `yaml:"max_size_per_msg"`
	MaxInflightMsgs  int           `yaml:"max_inflight_msgs"`
}

type SnapshotConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	// Threshold is how many applied entries may accumulate past the last
	// snapshot before a new one is triggered.
	Threshold uint64 `yaml:"threshold"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TransportConfig struct {
	SendQueueSize int `yaml:"send_queue_size"`
	// Peers maps node ids to advertised addresses for outbound connections.
	Peers map[uint64]string `yaml:"peers"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() Config {
	return Config{
		Raft: RaftConfig{
			TickInterval:     500 * time.Millisecond,
			ElectionTick:     10,
			HeartbeatTick:    3,
			RequestQueueSize: 10240,
			MaxBurstRequests: 64,
			MaxSizePerMsg:    1 << 20,
			MaxInflightMsgs:  256,
		},
		Snapshot: SnapshotConfig{ChunkSize: 1 << 20, Threshold: 1000},
		Transport: TransportConfig{
			SendQueueSize: 256,
		},
		LogLevel: "info",
	}
}

// Load reads and expands the yaml file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be set and non-zero")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir must be set")
	}
	if c.Raft.TickInterval <= 0 {
		return fmt.Errorf("raft.tick_interval must be positive")
	}
	if c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
		return fmt.Errorf("raft.election_tick must exceed raft.heartbeat_tick")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references; an unset variable is an error so
// a half-configured deployment fails at startup rather than at runtime.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables in config: %v", missing)
	}
	return out, nil
}
