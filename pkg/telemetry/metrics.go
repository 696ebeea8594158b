package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent surface

	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcenter_agent_registrations_total",
			Help: "Agent registrations, by whether the agent was new",
		},
		[]string{"kind"},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcenter_heartbeats_total",
			Help: "Processed agent heartbeats, by outcome",
		},
		[]string{"status"},
	)

	HeartbeatDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appcenter_heartbeat_duration_seconds",
			Help:    "Time spent processing one heartbeat transaction",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	CommandsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appcenter_commands_dispatched_total",
			Help: "Install commands handed to agents",
		},
	)

	TaskReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcenter_task_reports_total",
			Help: "Task status reports received from agents, by reported status",
		},
		[]string{"status"},
	)

	// Inventory

	InventorySubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcenter_inventory_submissions_total",
			Help: "Inventory submissions, by whether they established a baseline",
		},
		[]string{"kind"},
	)

	InventoryChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcenter_inventory_changes_total",
			Help: "Software change-history rows written, by change type",
		},
		[]string{"change_type"},
	)

	// Sweeper

	AgentsMarkedOffline = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appcenter_agents_marked_offline_total",
			Help: "Agents flipped to offline by the sweeper",
		},
	)

	HistoryPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcenter_history_rows_pruned_total",
			Help: "History rows deleted by retention pruning, by table",
		},
		[]string{"table"},
	)

	// HTTP

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appcenter_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
)
