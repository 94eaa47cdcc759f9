// Package metrics registers the coordinator's Prometheus collectors
// and exposes them over promhttp, the same exporter surface the
// operator-facing monitoring stack scrapes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksEnqueued counts create_task calls that actually enqueued
	// (duplicates suppressed by event-id dedup are not counted).
	TasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "coordinator",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks enqueued into the pending queue.",
	})

	// JobsClaimed counts successful claim_jobs batches by kind.
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "coordinator",
		Name:      "jobs_claimed_total",
		Help:      "Jobs handed to a worker via claim_jobs, by kind.",
	}, []string{"kind"})

	// ClaimConflicts counts claim_jobs races lost to the uniqueness
	// constraint (the AlreadyClaimed path).
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "coordinator",
		Name:      "claim_conflicts_total",
		Help:      "claim_jobs attempts rejected as AlreadyClaimed.",
	})

	// JobsCompleted counts complete_job calls by terminal outcome.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "coordinator",
		Name:      "jobs_completed_total",
		Help:      "Jobs transitioned to a terminal state, by outcome.",
	}, []string{"outcome"})

	// CacheLookups counts artifact-cache probes by result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "WASM cache lookups, by hit/miss.",
	}, []string{"result"})

	// CacheEvictions counts LRU evictions.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Cache entries evicted by the LRU policy.",
	})

	// ThrottleDenials counts 429 responses by route and identity class.
	ThrottleDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Requests denied by the token-bucket limiter.",
	}, []string{"route", "identity"})

	// WorkerJobs counts jobs this worker process finished, by kind
	// and outcome.
	WorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Jobs this worker reported terminal, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// WorkerFuelConsumed sums guest fuel across executions.
	WorkerFuelConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "worker",
		Name:      "fuel_consumed_total",
		Help:      "Guest instructions metered across all executions.",
	})

	// SweeperReclaims counts jobs the stale-claim sweeper timed out.
	SweeperReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "outlayer",
		Subsystem: "coordinator",
		Name:      "sweeper_reclaims_total",
		Help:      "Claimed jobs marked Failed(Timeout) by the sweeper.",
	})
)

// Handler returns the promhttp scrape handler for the default
// registry all collectors above register into.
func Handler() http.Handler {
	return promhttp.Handler()
}
