// Package metrics exposes the oracle's prometheus counters, in the same
// promauto package-level-var shape the teacher's internal/metrics uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WalletQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_wallet_queue_length",
		Help: "Number of wallets currently in the K_wallet queue",
	})

	TokenQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_token_queue_length",
		Help: "Number of mints currently in the token-scorer queue",
	})

	WorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oracle_workers_active",
		Help: "Number of active workers per pool",
	}, []string{"pool"})

	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_rpc_requests_total",
		Help: "Total outbound chain-adapter RPC requests",
	}, []string{"method", "status"})

	IngestTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_ingest_transactions_total",
		Help: "Total balance changes applied by the ingest pipeline",
	}, []string{"path", "status"})

	DatabaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_database_operations_total",
		Help: "Total Store operations",
	}, []string{"operation", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_http_requests_total",
		Help: "Total HTTP requests by route and status",
	}, []string{"route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	WorkerTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_worker_task_duration_seconds",
		Help:    "Time taken by scorer workers to complete a task",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"task_type"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_webhook_deliveries_total",
		Help: "Total outbound webhook delivery attempts",
	}, []string{"event", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_ws_connections",
		Help: "Currently open WebSocket connections",
	})

	KCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_k_current",
		Help: "Most recently computed token-wide K",
	})
)

func RecordRPCRequest(method, status string) {
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

func RecordIngestTransaction(path, status string) {
	IngestTransactionsTotal.WithLabelValues(path, status).Inc()
}

func RecordDatabaseOperation(operation, status string) {
	DatabaseOperations.WithLabelValues(operation, status).Inc()
}

func RecordHTTPRequest(route, status string) {
	HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}

func RecordWorkerTaskDuration(taskType string, seconds float64) {
	WorkerTaskDuration.WithLabelValues(taskType).Observe(seconds)
}

func RecordWebhookDelivery(event, status string) {
	WebhookDeliveriesTotal.WithLabelValues(event, status).Inc()
}
