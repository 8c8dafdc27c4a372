// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdflake_commits_total",
		Help: "Total number of commits appended to version logs.",
	}, []string{"operation"})

	CommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdflake_commit_conflicts_total",
		Help: "Total number of commit attempts that lost the compare-and-swap.",
	}, []string{"operation"})

	WriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdflake_write_conflicts_total",
		Help: "Total number of mutations that exhausted their retries.",
	}, []string{"operation"})

	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdflake_mutation_duration_seconds",
		Help:    "Duration of mutations including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	ChangeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdflake_change_events_total",
		Help: "Total number of change events emitted by change feed readers.",
	}, []string{"change_type"})

	FilesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdflake_data_files_collected_total",
		Help: "Total number of unreferenced data files deleted.",
	})

	CommitsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdflake_commits_pruned_total",
		Help: "Total number of commits removed by vacuum.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdflake_http_requests_total",
		Help: "Total number of HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})
)
