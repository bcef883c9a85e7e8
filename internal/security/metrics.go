// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the auth core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	logins         *prometheus.CounterVec
	lockouts       prometheus.Counter
	codesSent      prometheus.Counter
	sessionsIssued *prometheus.CounterVec
	autoLocks      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "choreboard",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choreboard",
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Lockouts engaged by the attempt limiter.",
		}),
		codesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choreboard",
			Subsystem: "auth",
			Name:      "otp_codes_sent_total",
			Help:      "One-time codes issued and handed to SMS delivery.",
		}),
		sessionsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "choreboard",
			Subsystem: "auth",
			Name:      "sessions_issued_total",
			Help:      "Sessions issued by role.",
		}, []string{"role"}),
		autoLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "choreboard",
			Subsystem: "auth",
			Name:      "child_session_locks_total",
			Help:      "Child sessions locked, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.lockouts, m.codesSent, m.sessionsIssued, m.autoLocks)
	}
	return m
}

func (m *Metrics) login(method, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) codeSent() {
	if m == nil {
		return
	}
	m.codesSent.Inc()
}

func (m *Metrics) sessionIssued(role Role) {
	if m == nil {
		return
	}
	m.sessionsIssued.WithLabelValues(role.String()).Inc()
}

func (m *Metrics) childLocked(reason string) {
	if m == nil {
		return
	}
	m.autoLocks.WithLabelValues(reason).Inc()
}
