package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts createTask/defineTask admissions.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_tasks_created_total",
		Help: "Tasks accepted, by provisioner/workerType",
	}, []string{"provisioner", "worker_type"})

	// RunsResolved counts run resolutions by terminal state and reason.
	RunsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_runs_resolved_total",
		Help: "Runs reaching a terminal state",
	}, []string{"state", "reason"})

	// RunsRetried counts automatic retries (claim-expired, worker-shutdown,
	// intermittent-task).
	RunsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_runs_retried_total",
		Help: "Runs automatically retried after an exception",
	}, []string{"reason"})

	// PendingDepth is the approximate pending-queue depth per priority.
	PendingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_pending_depth",
		Help: "Approximate number of pending messages per priority bucket",
	}, []string{"provisioner", "worker_type", "priority"})

	// ClaimsGranted counts runs handed to workers.
	ClaimsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_claims_granted_total",
		Help: "Runs claimed by workers",
	}, []string{"provisioner", "worker_type"})

	// GhostMessages counts pending messages whose run was no longer
	// pending at claim time.
	GhostMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_ghost_messages_total",
		Help: "Stale pending messages cleaned up during claim",
	})

	// ClaimLatency tracks time from receive to claim grant.
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_claim_latency_seconds",
		Help:    "Duration of one claimWork cycle",
		Buckets: prometheus.DefBuckets,
	})

	// ResolverMessages counts background resolver handling outcomes.
	// outcome: resolved, retried, dropped, requeued, malformed.
	ResolverMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_resolver_messages_total",
		Help: "Messages handled by the background resolver loops",
	}, []string{"queue", "outcome"})

	// ResolverLoopDuration tracks one resolver poll cycle.
	ResolverLoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_resolver_loop_duration_seconds",
		Help:    "Duration of one resolver poll iteration",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// EventPublishFailures counts failed publish attempts. Publishing is
	// retried by the handler; advisory messages guarantee eventual
	// consistency even if the process dies between commit and publish.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_event_publish_failures_total",
		Help: "Failed event publish attempts",
	}, []string{"topic"})

	// GroupsResolved counts task-group-resolved emissions.
	GroupsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_task_groups_resolved_total",
		Help: "task-group-resolved events published",
	})

	// WorkersQuarantined tracks workers currently quarantined.
	WorkersQuarantined = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_workers_quarantined",
		Help: "Workers currently quarantined",
	}, []string{"provisioner", "worker_type"})

	// StoreConflictRetries counts optimistic-concurrency retries.
	StoreConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_store_conflict_retries_total",
		Help: "Row version conflicts retried by Modify operations",
	})
)
