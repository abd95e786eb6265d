package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RaftIsLeader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "is_leader",
		Help:      "Whether this replica leads its group (1=leader, 0=otherwise)",
	}, []string{"group"})

	RaftTerm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "term",
		Help:      "Current raft term per group",
	}, []string{"group"})

	RaftCommitIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "commit_index",
		Help:      "Current raft commit index per group",
	}, []string{"group"})

	RaftAppliedIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Last applied raft index per group",
	}, []string{"group"})

	RaftProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "proposals_total",
		Help:      "Total proposals submitted",
	}, []string{"status"})

	RaftMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "messages_total",
		Help:      "Total raft messages sent/received",
	}, []string{"direction", "type"})

	ReadRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "raft",
		Name:      "read_requests_total",
		Help:      "Total read consistency checkpoints requested",
	}, []string{"policy", "status"})

	LogWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "groupkv",
		Subsystem: "logstore",
		Name:      "write_duration_seconds",
		Help:      "Durable log write duration per advance cycle",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	LogCompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "logstore",
		Name:      "compactions_total",
		Help:      "Total log compactions performed",
	})

	SnapshotsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "snapshot",
		Name:      "created_total",
		Help:      "Total snapshots created",
	})

	SnapshotsRecycledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "snapshot",
		Name:      "recycled_total",
		Help:      "Total snapshots deleted by recycling",
	})

	SnapshotDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "snapshot",
		Name:      "downloads_total",
		Help:      "Total snapshot downloads",
	}, []string{"status"})

	SnapshotCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "groupkv",
		Subsystem: "snapshot",
		Name:      "create_duration_seconds",
		Help:      "Time to build and store one snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	MigrationState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "groupkv",
		Subsystem: "migration",
		Name:      "state",
		Help:      "Migration state per destination group (0=none .. 4=aborting)",
	}, []string{"group"})

	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupkv",
		Subsystem: "migration",
		Name:      "total",
		Help:      "Migrations finished or aborted",
	}, []string{"result"})
)
