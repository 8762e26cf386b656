package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Persistence metrics
	EventsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_events_persisted_total",
			Help: "Total number of events persisted, by kind (state/message)",
		},
		[]string{"kind"},
	)

	StateGroupsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_state_groups_created_total",
			Help: "Total number of state groups created",
		},
	)

	StateGroupChainWalks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearth_state_group_chain_hops",
			Help:    "Number of delta-chain hops walked per state reconstruction",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	PersistRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_persist_retries_total",
			Help: "Total number of persist retries after transient storage errors",
		},
	)

	// Replication metrics
	StreamCurrentToken = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearth_stream_current_token",
			Help: "Current token per replication stream",
		},
		[]string{"stream"},
	)

	StreamRowsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_stream_rows_sent_total",
			Help: "Total replication rows sent to workers, per stream",
		},
		[]string{"stream"},
	)

	StreamRowsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_stream_rows_applied_total",
			Help: "Total replication rows applied on this worker, per stream",
		},
		[]string{"stream"},
	)

	ReplicationConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_replication_connections",
			Help: "Number of workers currently connected to the streamer",
		},
	)

	ReplicationDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_replication_disconnects_total",
			Help: "Worker disconnects by reason (backlog, protocol, transport)",
		},
		[]string{"reason"},
	)

	// Cache metrics
	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_cache_invalidations_total",
			Help: "Cache invalidations applied, per cache",
		},
		[]string{"cache"},
	)

	SharedCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_shared_cache_ops_total",
			Help: "Shared cache operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPersisted,
		StateGroupsCreated,
		StateGroupChainWalks,
		PersistRetries,
		StreamCurrentToken,
		StreamRowsSent,
		StreamRowsApplied,
		ReplicationConnections,
		ReplicationDisconnects,
		CacheInvalidations,
		SharedCacheOps,
	)
}

// Serve starts an HTTP server exposing /metrics on the given port. It
// blocks, so run it in a goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
