// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the per context prometheus metrics
package copro

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one context on a registry of its own, so
// several contexts never collide. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	state        prometheus.Gauge
	mboxTimeouts *prometheus.CounterVec
	backpress    *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	dropped      prometheus.Counter
}

func NewMetrics(name string) *Metrics {
	labels := prometheus.Labels{"copro": name}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "copro_fsm_transitions_total",
			Help:        "Lifecycle events accepted, by event and resulting state.",
			ConstLabels: labels,
		}, []string{"event", "state"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "copro_fsm_rejected_total",
			Help:        "Lifecycle events rejected as out of sequence.",
			ConstLabels: labels,
		}, []string{"event", "state"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "copro_fsm_state",
			Help:        "Current lifecycle state.",
			ConstLabels: labels,
		}),
		mboxTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "copro_mailbox_timeouts_total",
			Help:        "Mailbox commands that were not acknowledged in time.",
			ConstLabels: labels,
		}, []string{"mailbox"}),
		backpress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "copro_backpressure_total",
			Help:        "Sends refused because the interface or ring was busy.",
			ConstLabels: labels,
		}, []string{"source"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "copro_client_dispatches_total",
			Help:        "Asynchronous messages delivered to client callbacks.",
			ConstLabels: labels,
		}, []string{"client"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "copro_work_dropped_total",
			Help:        "Interrupt follow-up work dropped because the work queue was full.",
			ConstLabels: labels,
		}),
	}
	m.Registry.MustRegister(m.transitions, m.rejected, m.state, m.mboxTimeouts, m.backpress, m.dispatches, m.dropped)
	return m
}

func (m *Metrics) fsmTransition(ev FsmEvent, to FsmState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(ev.String(), to.String()).Inc()
}

func (m *Metrics) fsmRejected(ev FsmEvent, in FsmState) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(ev.String(), in.String()).Inc()
}

func (m *Metrics) fsmState(s FsmState) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) mailboxTimeout(id MailboxID) {
	if m == nil {
		return
	}
	m.mboxTimeouts.WithLabelValues(id.String()).Inc()
}

func (m *Metrics) backpressure(source string) {
	if m == nil {
		return
	}
	m.backpress.WithLabelValues(source).Inc()
}

func (m *Metrics) dispatched(t ClientType) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) workDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
