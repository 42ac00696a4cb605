// Package metrics exposes prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genbot/internal/eventbus"
)

type Metrics struct {
	reg *prometheus.Registry

	generationFinished *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationActive   *prometheus.GaugeVec
	refunds            *prometheus.CounterVec
	ledgerChanges      *prometheus.CounterVec
	payments           *prometheus.CounterVec
	broadcastDelivery  *prometheus.CounterVec
	broadcastJobs      *prometheus.CounterVec
	broadcastActive    prometheus.Gauge
	configReloads      prometheus.Counter
}

// New builds a private registry with process and Go collectors plus the
// genbot collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		generationFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbot_generation_jobs_total",
			Help: "Generation jobs by kind and terminal status.",
		}, []string{"kind", "status"}),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genbot_generation_duration_seconds",
			Help:    "Time from charge to terminal status.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind"}),
		generationActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genbot_generation_active",
			Help: "Generation jobs currently in flight.",
		}, []string{"kind"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbot_generation_refunds_total",
			Help: "Compensating credits issued for failed or timed-out jobs.",
		}, []string{"kind"}),
		ledgerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbot_ledger_entries_total",
			Help: "Ledger entries written by kind.",
		}, []string{"kind"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbot_payment_callbacks_total",
			Help: "Payment callbacks by result.",
		}, []string{"result"}),
		broadcastDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbot_broadcast_deliveries_total",
			Help: "Broadcast recipient outcomes.",
		}, []string{"outcome"}),
		broadcastJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genbot_broadcast_jobs_total",
			Help: "Finished broadcast jobs by status.",
		}, []string{"status"}),
		broadcastActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genbot_broadcast_active",
			Help: "1 while a broadcast job is running.",
		}),
		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genbot_config_reloads_total",
			Help: "Applied config reloads.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.generationFinished,
		m.generationDuration,
		m.generationActive,
		m.refunds,
		m.ledgerChanges,
		m.payments,
		m.broadcastDelivery,
		m.broadcastJobs,
		m.broadcastActive,
		m.configReloads,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one event to the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch d := e.Data.(type) {
	case eventbus.GenerationStarted:
		m.generationActive.WithLabelValues(d.Kind).Inc()
	case eventbus.GenerationFinished:
		// Uncharged jobs never started.
		if d.Status != "insufficient-funds" && d.Status != "unavailable" {
			m.generationActive.WithLabelValues(d.Kind).Dec()
			m.generationDuration.WithLabelValues(d.Kind).Observe(d.Elapsed.Seconds())
		}
		m.generationFinished.WithLabelValues(d.Kind, d.Status).Inc()
		if d.Refunded {
			m.refunds.WithLabelValues(d.Kind).Inc()
		}
	case eventbus.LedgerChange:
		m.ledgerChanges.WithLabelValues(d.Kind).Inc()
	case eventbus.PaymentConfirmed:
		result := "credited"
		if d.Duplicate {
			result = "duplicate"
		}
		m.payments.WithLabelValues(result).Inc()
	case eventbus.BroadcastStarted:
		m.broadcastActive.Set(1)
	case eventbus.BroadcastDelivery:
		m.broadcastDelivery.WithLabelValues(d.Outcome).Inc()
	case eventbus.BroadcastFinished:
		m.broadcastActive.Set(0)
		m.broadcastJobs.WithLabelValues(d.Status).Inc()
	case eventbus.ConfigReloaded:
		m.configReloads.Inc()
	}
}

// Consume feeds bus events into the collectors until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
