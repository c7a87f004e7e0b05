package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the keeper. Every consumer
// accepts a nil *Metrics and skips recording.
type Metrics struct {
	// --- Price ingestion ---
	PricesAccepted *prometheus.CounterVec
	PricesRejected *prometheus.CounterVec
	PriceTickLag   prometheus.Histogram

	// --- Trigger engine ---
	Evaluations      *prometheus.CounterVec
	EvaluateDuration prometheus.Histogram
	Enqueued         *prometheus.CounterVec

	// --- Queues ---
	QueueSize    *prometheus.GaugeVec
	QueueEvicted *prometheus.CounterVec

	// --- Submission pipeline ---
	Submissions    *prometheus.CounterVec
	SubmitDuration *prometheus.HistogramVec
	CycleDuration  prometheus.Histogram
	GlobalUPL      *prometheus.GaugeVec

	// --- Network ---
	EndpointFailovers prometheus.Counter
	CurrentEndpoint   prometheus.Gauge
	PollErrors        *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec

	// --- Outbound ---
	PublishDrops  prometheus.Counter
	AuditWritten  prometheus.Counter
	AuditErrors   *prometheus.CounterVec
	AuditRetry    prometheus.Counter
	AuditBatchDur prometheus.Histogram
}

// NewMetrics creates all keeper metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	submitBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

	return &Metrics{
		PricesAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_prices_accepted_total",
			Help: "Price observations accepted by the gate",
		}, []string{"market"}),

		PricesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_prices_rejected_total",
			Help: "Price observations dropped by the gate",
		}, []string{"reason"}),

		PriceTickLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_price_tick_lag_seconds",
			Help:    "Wall clock minus publish time of accepted prices",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_evaluations_total",
			Help: "Trigger engine evaluations",
		}, []string{"market"}),

		EvaluateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_evaluate_duration_seconds",
			Help:    "Time spent evaluating one market",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_enqueued_total",
			Help: "Entries added to action queues",
		}, []string{"queue", "reason"}),

		QueueSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_queue_size",
			Help: "Current entries per action queue",
		}, []string{"queue"}),

		QueueEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_queue_evicted_total",
			Help: "Entries evicted after exhausting their attempts",
		}, []string{"queue"}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_submissions_total",
			Help: "Transactions submitted by kind and outcome",
		}, []string{"kind", "status"}),

		SubmitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keeper_submit_duration_seconds",
			Help:    "Submit plus receipt wait",
			Buckets: submitBuckets,
		}, []string{"kind"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_cycle_duration_seconds",
			Help:    "Duration of one submission cycle",
			Buckets: submitBuckets,
		}),

		GlobalUPL: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_global_upl",
			Help: "Last computed global unrealized P/L per asset",
		}, []string{"asset"}),

		EndpointFailovers: f.NewCounter(prometheus.CounterOpts{
			Name: "keeper_endpoint_failovers_total",
			Help: "Times the RPC endpoint selector advanced",
		}),

		CurrentEndpoint: f.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_current_endpoint_index",
			Help: "Index of the RPC endpoint in use",
		}),

		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_poll_errors_total",
			Help: "Contract poll failures",
		}, []string{"source"}),

		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keeper_poll_duration_seconds",
			Help:    "Contract poll duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "keeper_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		AuditWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "keeper_audit_rows_written_total",
			Help: "Submission rows written to Postgres",
		}),

		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_audit_errors_total",
			Help: "Audit log write errors",
		}, []string{"error_type"}),

		AuditRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "keeper_audit_retry_total",
			Help: "Audit log flush retries",
		}),

		AuditBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_audit_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
}

// SetQueueSizes updates both queue gauges.
func (m *Metrics) SetQueueSizes(execution, liquidation int) {
	m.QueueSize.WithLabelValues("execution").Set(float64(execution))
	m.QueueSize.WithLabelValues("liquidation").Set(float64(liquidation))
}
