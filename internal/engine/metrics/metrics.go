package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent tracks send attempts by final result (sent/failed).
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaigner_messages_total",
			Help: "Total number of processed contacts by result",
		},
		[]string{"result"},
	)

	// SendRetries tracks retry attempts by failure category.
	SendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaigner_send_retries_total",
			Help: "Total number of send retries by failure category",
		},
		[]string{"category"},
	)

	// SendFailures tracks permanent contact failures by category.
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaigner_send_failures_total",
			Help: "Total number of permanent send failures by category",
		},
		[]string{"category"},
	)

	// CampaignTransitions tracks campaign status transitions.
	CampaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaigner_campaign_transitions_total",
			Help: "Total number of campaign status transitions",
		},
		[]string{"to"},
	)

	// LockContention tracks rejected lock acquisitions.
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaigner_lock_contention_total",
			Help: "Total number of rejected processing lock acquisitions",
		},
	)

	// SyncDrift tracks counter drift detected by the state synchronizer.
	SyncDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaigner_sync_drift_total",
			Help: "Total number of counter drifts detected during state sync",
		},
	)

	// ActiveCampaigns tracks the number of live queue managers.
	ActiveCampaigns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaigner_active_campaigns",
			Help: "Number of campaigns currently being processed",
		},
	)

	// DBPoolUsage tracks database connection pool saturation.
	DBPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaigner_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// SendLatency tracks gateway send latency.
	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaigner_send_latency_seconds",
			Help:    "Messaging gateway send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
