package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics exposes the billing engine's operational counters.
type BillingMetrics struct {
	activeSessions prometheus.Gauge
	minutesBilled  prometheus.Counter
	coinsCharged   prometheus.Counter
	forcedEnds     *prometheus.CounterVec
}

var (
	billingOnce sync.Once
	billing     *BillingMetrics
)

// Billing returns the process-wide billing metrics, registering them on the
// default registerer on first use.
func Billing() *BillingMetrics {
	billingOnce.Do(func() {
		billing = newBillingMetrics(prometheus.DefaultRegisterer)
	})
	return billing
}

// NewNop returns unregistered metrics for tests.
func NewNop() *BillingMetrics {
	return newBillingMetrics(nil)
}

func newBillingMetrics(registerer prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consult_active_sessions",
			Help: "Number of chat sessions currently billing.",
		}),
		minutesBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consult_minutes_billed_total",
			Help: "Completed minute charges across all sessions.",
		}),
		coinsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consult_coins_charged_total",
			Help: "Coins debited from user wallets by minute charges.",
		}),
		forcedEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_forced_session_ends_total",
			Help: "Sessions ended by the system, labelled by reason.",
		}, []string{"reason"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.activeSessions, m.minutesBilled, m.coinsCharged, m.forcedEnds)
	}
	return m
}

// SessionStarted marks a session's billing clock as running.
func (m *BillingMetrics) SessionStarted() { m.activeSessions.Inc() }

// SessionEnded marks a session's billing clock as stopped.
func (m *BillingMetrics) SessionEnded() { m.activeSessions.Dec() }

// MinuteBilled records one successful minute charge of the given coin amount.
func (m *BillingMetrics) MinuteBilled(coins int64) {
	m.minutesBilled.Inc()
	m.coinsCharged.Add(float64(coins))
}

// ForcedEnd records a system-initiated session end.
func (m *BillingMetrics) ForcedEnd(reason string) {
	m.forcedEnds.WithLabelValues(reason).Inc()
}
