package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "shelfledger"

// Borrow outcomes used as the "outcome" label.
const (
	OutcomeSuccess   = "success"
	OutcomeConflict  = "conflict"
	OutcomeTransient = "transient"
	OutcomeInvalid   = "invalid"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// LoanMetrics tracks borrow/return traffic and the overdue backlog.
type LoanMetrics struct {
	borrowBatches *prometheus.CounterVec
	loansCreated  prometheus.Counter
	retries       prometheus.Counter
	returns       *prometheus.CounterVec
	overdue       prometheus.Gauge
}

// NewLoanMetrics registers the ledger metrics on the provided registerer.
func NewLoanMetrics(reg prometheus.Registerer) *LoanMetrics {
	if reg == nil {
		return &LoanMetrics{}
	}
	m := &LoanMetrics{
		borrowBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "borrow_batches_total",
			Help:      "Borrow batches by outcome.",
		}, []string{"outcome"}),
		loansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_created_total",
			Help:      "Ledger rows appended by committed borrow batches.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "borrow_serialization_retries_total",
			Help:      "Borrow transactions replayed after a serialization failure or deadlock.",
		}),
		returns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_returns_total",
			Help:      "Return attempts by outcome.",
		}, []string{"outcome"}),
		overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loans_overdue_current",
			Help:      "Open loans past their due date at the last overdue scan.",
		}),
	}
	reg.MustRegister(m.borrowBatches, m.loansCreated, m.retries, m.returns, m.overdue)
	return m
}

// ObserveBorrow records one finished borrow batch.
func (m *LoanMetrics) ObserveBorrow(outcome string, loans int) {
	if m == nil || m.borrowBatches == nil {
		return
	}
	m.borrowBatches.WithLabelValues(normalizeLabel(outcome)).Inc()
	if outcome == OutcomeSuccess && loans > 0 {
		m.loansCreated.Add(float64(loans))
	}
}

// IncRetry counts a replayed borrow transaction.
func (m *LoanMetrics) IncRetry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Inc()
}

// ObserveReturn records one return attempt.
func (m *LoanMetrics) ObserveReturn(outcome string) {
	if m == nil || m.returns == nil {
		return
	}
	m.returns.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// SetOverdue publishes the overdue backlog size.
func (m *LoanMetrics) SetOverdue(count int64) {
	if m == nil || m.overdue == nil {
		return
	}
	m.overdue.Set(float64(count))
}
