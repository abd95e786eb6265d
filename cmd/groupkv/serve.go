package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"groupkv/internal/config"
	"groupkv/internal/domain"
	"groupkv/internal/group"
	"groupkv/internal/logging"
	"groupkv/internal/logstore"
	"groupkv/internal/metrics"
	"groupkv/internal/raftgroup"
	"groupkv/internal/raftgroup/snap"
	"groupkv/internal/transport"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a groupkv node",
	Long: `Start a groupkv node: opens the durable log store, restores hosted groups
from their local snapshots, and serves consensus traffic to peers.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "groupkv.yaml", "path to the node configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(cfg.LogLevel)
	slog.Info("starting node", "node", cfg.Node.ID, "addr", cfg.Node.Addr)

	store, err := logstore.Open(filepath.Join(cfg.Node.DataDir, "log"), false)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer store.Close()

	snapMgr, err := snap.NewManager(filepath.Join(cfg.Node.DataDir, "snap"))
	if err != nil {
		return fmt.Errorf("open snapshot manager: %w", err)
	}

	trans := transport.New(transport.StaticResolver(cfg.Transport.Peers), cfg.Transport.SendQueueSize)
	defer trans.Close()

	manager := raftgroup.NewManager(cfg.Node.ID, store, snapMgr, trans, trans, raftgroup.ManagerOptions{
		Node: raftgroup.NodeConfig{
			ElectionTick:    cfg.Raft.ElectionTick,
			HeartbeatTick:   cfg.Raft.HeartbeatTick,
			MaxSizePerMsg:   cfg.Raft.MaxSizePerMsg,
			MaxInflightMsgs: cfg.Raft.MaxInflightMsgs,
		},
		Worker: raftgroup.WorkerConfig{
			TickInterval:      cfg.Raft.TickInterval,
			RequestQueueSize:  cfg.Raft.RequestQueueSize,
			MaxBurstRequests:  cfg.Raft.MaxBurstRequests,
			SnapshotThreshold: cfg.Snapshot.Threshold,
		},
	})
	defer manager.Close()

	server := transport.NewServer(cfg.Node.Addr, manager, snapMgr)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start transport server: %w", err)
	}
	defer server.Stop()

	if cfg.Metrics.Addr != "" {
		metricsServer := metrics.NewServer(cfg.Metrics.Addr)
		metricsServer.Start()
		defer metricsServer.Stop()
	}

	puller := group.NewLocalPuller()
	replicas, err := startGroups(cfg, manager, snapMgr, puller)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range replicas {
			r.Stop()
		}
	}()

	slog.Info("node ready", "node", cfg.Node.ID, "groups", len(cfg.Groups))
	<-ctx.Done()

	slog.Info("shutting down", "node", cfg.Node.ID)
	return nil
}

func startGroups(cfg config.Config, manager *raftgroup.Manager, snapMgr *snap.Manager, puller *group.LocalPuller) ([]*group.Replica, error) {
	var replicas []*group.Replica
	for _, spec := range cfg.Groups {
		desc := descriptorFromSpec(spec)

		fsm := group.NewFSM(desc, cfg.Snapshot.ChunkSize)
		if err := group.Recover(fsm, snapMgr, spec.ReplicaID); err != nil {
			return replicas, fmt.Errorf("group %d: %w", spec.ID, err)
		}

		replica := group.NewReplica(fsm, puller)
		self, ok := desc.Replica(spec.ReplicaID)
		if !ok {
			self = domain.ReplicaDesc{ID: spec.ReplicaID, NodeID: cfg.Node.ID}
		}

		handle, err := manager.StartRaftGroup(desc, self, fsm, replica)
		if err != nil {
			return replicas, fmt.Errorf("start group %d: %w", spec.ID, err)
		}
		replica.Bind(handle)
		puller.Register(spec.ID, replica)
		replicas = append(replicas, replica)
	}
	return replicas, nil
}

func descriptorFromSpec(spec config.GroupSpec) domain.GroupDescriptor {
	desc := domain.GroupDescriptor{ID: spec.ID, Epoch: spec.Epoch}
	for _, s := range spec.Shards {
		desc.Shards = append(desc.Shards, domain.ShardDesc{ID: s.ID, CollectionID: s.CollectionID})
	}
	for _, r := range spec.Replicas {
		role := domain.RoleVoter
		if r.Role == "learner" {
			role = domain.RoleLearner
		}
		desc.Replicas = append(desc.Replicas, domain.ReplicaDesc{ID: r.ID, NodeID: r.NodeID, Role: role})
	}
	return desc
}
