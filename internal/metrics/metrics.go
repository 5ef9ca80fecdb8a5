// Package metrics holds the Prometheus collectors updated by the trading
// loop and served on /metrics.
//
//	elephant_detected_total{side}          confirmed stable elephants
//	elephant_cycles_started_total{side}    cycles that placed an entry order
//	elephant_cycles_total{outcome}         finished cycles by outcome
//	elephant_cycle_refusals_total{reason}  cycles refused (cooldown, risk, inventory, session)
//	elephant_escalations_total             cycles halted for operator action
//	elephant_recorder_dropped_total        cycle log jobs dropped on a full queue
//	elephant_realized_pnl                  net realized P&L of the trading day
//	elephant_active_cycles                 cycles in flight
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	detected      *prometheus.CounterVec
	cyclesStarted *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	refusals      *prometheus.CounterVec
	escalations   prometheus.Counter
	dropped       prometheus.Counter
	realizedPnL   prometheus.Gauge
	activeCycles  prometheus.Gauge
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elephant_detected_total",
			Help: "Confirmed stable elephants",
		}, []string{"side"}),
		cyclesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elephant_cycles_started_total",
			Help: "Cycles that placed an entry order",
		}, []string{"side"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elephant_cycles_total",
			Help: "Finished cycles by outcome",
		}, []string{"outcome"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elephant_cycle_refusals_total",
			Help: "Cycles refused before an order was placed",
		}, []string{"reason"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elephant_escalations_total",
			Help: "Cycles halted for operator action",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elephant_recorder_dropped_total",
			Help: "Cycle log jobs dropped because the recorder queue was full",
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elephant_realized_pnl",
			Help: "Net realized P&L of the current trading day",
		}),
		activeCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elephant_active_cycles",
			Help: "Cycles in flight",
		}),
	}
	m.registry.MustRegister(
		m.detected, m.cyclesStarted, m.cycles, m.refusals,
		m.escalations, m.dropped, m.realizedPnL, m.activeCycles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) ElephantDetected(side string) {
	if m != nil {
		m.detected.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) CycleStarted(side string) {
	if m != nil {
		m.cyclesStarted.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) CycleFinished(outcome string, netPnL float64) {
	if m != nil {
		m.cycles.WithLabelValues(outcome).Inc()
		m.realizedPnL.Add(netPnL)
	}
}

func (m *Metrics) CycleRefused(reason string) {
	if m != nil {
		m.refusals.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Escalated() {
	if m != nil {
		m.escalations.Inc()
	}
}

func (m *Metrics) RecorderDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) SetActiveCycles(n int) {
	if m != nil {
		m.activeCycles.Set(float64(n))
	}
}

// ResetDaily zeroes the realized P&L gauge at session close.
func (m *Metrics) ResetDaily() {
	if m != nil {
		m.realizedPnL.Set(0)
	}
}
