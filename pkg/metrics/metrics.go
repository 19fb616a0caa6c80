package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botdock_operations_total",
			Help: "Total number of coordinator operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botdock_operation_duration_seconds",
			Help:    "Coordinator operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botdock_rollbacks_total",
			Help: "Total number of rollbacks by trigger (manual, automatic)",
		},
		[]string{"trigger"},
	)

	// Session metrics
	RemoteCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botdock_remote_commands_total",
			Help: "Total number of remote commands executed",
		},
	)

	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botdock_transfer_bytes_total",
			Help: "Total bytes transferred by direction (upload, download)",
		},
		[]string{"direction"},
	)

	// Build and backup metrics
	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botdock_build_duration_seconds",
			Help:    "Remote image build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botdock_backups_total",
			Help: "Total number of backups by kind (quiesced, hot)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(RemoteCommandsTotal)
	prometheus.MustRegister(TransferBytes)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(BackupsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
