package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	WorkerTypesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_worker_types_total",
			Help: "Total number of configured worker types",
		},
	)

	AmiSetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_ami_sets_total",
			Help: "Total number of AMI sets",
		},
	)

	SecretsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_secrets_total",
			Help: "Total number of unredeemed secrets",
		},
	)

	SecretsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_secrets_expired_total",
			Help: "Total number of expired secrets removed by the sweeper",
		},
	)

	IdempotentReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_idempotent_replays_total",
			Help: "Create calls that matched an existing entity, by kind",
		},
		[]string{"kind"},
	)

	CreateConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_create_conflicts_total",
			Help: "Create calls rejected because an entity with a different definition exists, by kind",
		},
		[]string{"kind"},
	)

	InvalidLaunchSpecsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_invalid_launch_specs_total",
			Help: "Worker type writes rejected by launch specification validation",
		},
	)

	CredentialsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_credentials_issued_total",
			Help: "Temporary credentials issued on secret redemption",
		},
	)

	InstancesStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_instances_started_total",
			Help: "Instances that checked in with a valid token",
		},
	)

	// Capacity metrics, refreshed by the reconciler
	CapacityByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisioner_capacity",
			Help: "Last observed capacity per worker type by state (running, pending, requested)",
		},
		[]string{"worker_type", "state"},
	)

	// Storage metrics
	StoreUpdateConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_store_update_conflicts_total",
			Help: "Read-modify-write attempts that lost to a concurrent writer, by partition",
		},
		[]string{"partition"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_api_requests_total",
			Help: "Total number of API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisioner_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	APIRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_api_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provisioner_reconciliation_duration_seconds",
			Help:    "Time taken by one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	// Event broker metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_events_published_total",
			Help: "Registry events published, by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_events_dropped_total",
			Help: "Event deliveries skipped because a subscriber was full, by type",
		},
		[]string{"type"},
	)

	// Process health, mirrored from SetComponent
	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisioner_component_healthy",
			Help: "1 when the component last reported healthy, 0 otherwise",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(WorkerTypesTotal)
	prometheus.MustRegister(AmiSetsTotal)
	prometheus.MustRegister(SecretsTotal)
	prometheus.MustRegister(SecretsExpiredTotal)
	prometheus.MustRegister(IdempotentReplaysTotal)
	prometheus.MustRegister(CreateConflictsTotal)
	prometheus.MustRegister(InvalidLaunchSpecsTotal)
	prometheus.MustRegister(CredentialsIssuedTotal)
	prometheus.MustRegister(InstancesStartedTotal)
	prometheus.MustRegister(CapacityByState)
	prometheus.MustRegister(StoreUpdateConflicts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(APIRateLimited)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(ComponentHealthy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
