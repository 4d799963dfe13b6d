package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vbonduro/lendchain/internal/domain"
)

type engineMetrics struct {
	admitted         *prometheus.CounterVec
	terminal         *prometheus.CounterVec
	inFlight         prometheus.Gauge
	receiptPolls     prometheus.Counter
	ledgerConflicts  prometheus.Counter
	lateReceipts     prometheus.Counter
	confirmationTime prometheus.Histogram
}

// newEngineMetrics registers the engine's collectors with reg. A nil reg
// yields working but unregistered collectors.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		admitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lendchain_intents_admitted_total",
			Help: "Intents admitted by the intent queue",
		}, []string{"kind"}),
		terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lendchain_intents_terminal_total",
			Help: "Intents that reached a terminal status",
		}, []string{"status", "reason"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lendchain_intents_in_flight",
			Help: "Intents submitted and awaiting confirmation",
		}),
		receiptPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "lendchain_receipt_polls_total",
			Help: "Receipt polls issued to the chain gateway",
		}),
		ledgerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lendchain_ledger_conflicts_total",
			Help: "Ledger compare-and-swap attempts that lost to a concurrent write",
		}),
		lateReceipts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lendchain_late_receipts_total",
			Help: "Successful receipts observed after their intent had failed",
		}),
		confirmationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendchain_confirmation_seconds",
			Help:    "Time from submission to confirmed ledger update",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

func (m *engineMetrics) observeTerminal(intent domain.Intent) {
	m.terminal.WithLabelValues(string(intent.Status), intent.Reason).Inc()
}
