package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CreditMetrics are the ledger's Prometheus instruments.
type CreditMetrics struct {
	GateCheckTotal    *prometheus.CounterVec // pool, result: allowed/denied/degraded
	GateCheckDuration *prometheus.HistogramVec

	ConsumeTotal    *prometheus.CounterVec // pool, result: success/no_credits/error
	ConsumeDuration *prometheus.HistogramVec

	GrantTotal    *prometheus.CounterVec // package, status: success/already_processed/rejected/error
	GrantCredits  *prometheus.CounterVec // pool
	GrantDuration prometheus.Histogram

	RefundTotal *prometheus.CounterVec // pool, result: success/duplicate/nothing/error

	ActionFailureTotal *prometheus.CounterVec // pool, compensated: true/false

	ReconcileMismatches *prometheus.GaugeVec // pool
	ReconcileRuns       *prometheus.CounterVec

	WebhookTotal *prometheus.CounterVec // provider, result

	LockAcquireTotal    *prometheus.CounterVec // result: success/failed
	LockAcquireDuration prometheus.Histogram
}

func newCreditMetrics() *CreditMetrics {
	return &CreditMetrics{
		GateCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gate_check_total",
				Help: "Total number of advisory credit checks",
			},
			[]string{"pool", "result"},
		),
		GateCheckDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_gate_check_duration_seconds",
				Help:    "Duration of advisory credit checks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		ConsumeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_consume_total",
				Help: "Total number of credit consumption attempts",
			},
			[]string{"pool", "result"},
		),
		ConsumeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_consume_duration_seconds",
				Help:    "Duration of credit consumption",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		GrantTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_grant_total",
				Help: "Total number of credit grants by outcome",
			},
			[]string{"package", "status"},
		),
		GrantCredits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_grant_credits_total",
				Help: "Total number of credits granted",
			},
			[]string{"pool"},
		),
		GrantDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_grant_duration_seconds",
				Help:    "Duration of credit grants",
				Buckets: prometheus.DefBuckets,
			},
		),
		RefundTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_refund_total",
				Help: "Total number of usage refunds by outcome",
			},
			[]string{"pool", "result"},
		),
		ActionFailureTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gated_action_failure_total",
				Help: "Gated actions that failed after a credit was consumed",
			},
			[]string{"pool", "compensated"},
		),
		ReconcileMismatches: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credit_reconcile_mismatched_ledgers",
				Help: "Ledgers whose balance disagrees with the transaction log in the last run",
			},
			[]string{"pool"},
		),
		ReconcileRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_reconcile_runs_total",
				Help: "Total number of reconciliation runs",
			},
			[]string{"result"},
		),
		WebhookTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhook_total",
				Help: "Total number of payment webhooks by outcome",
			},
			[]string{"provider", "result"},
		),
		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_lock_acquire_total",
				Help: "Total number of distributed lock acquisition attempts",
			},
			[]string{"result"},
		),
		LockAcquireDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_lock_acquire_duration_seconds",
				Help:    "Duration of distributed lock acquisition",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
	}
}

var (
	defaultMetrics *CreditMetrics
	once           sync.Once
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *CreditMetrics {
	once.Do(func() {
		defaultMetrics = newCreditMetrics()
	})
	return defaultMetrics
}
