package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe so tests can run without a registry.
type Metrics struct {
	logins    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	lockouts  prometheus.Counter
	replays   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "refresh_attempts_total",
			Help:      "Refresh token redemptions by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "lockouts_total",
			Help:      "Accounts locked after crossing the failure threshold.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "refresh_replays_total",
			Help:      "Refresh token chains revoked because a spent token was presented again.",
		}),
	}
	reg.MustRegister(m.logins, m.refreshes, m.lockouts, m.replays)

	return m
}

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) replay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}
