// Package metrics exposes Prometheus collectors for the position lifecycle:
//
//   - tothemoon_positions_opened_total{symbol,side}
//   - tothemoon_positions_closed_total{reason}
//   - tothemoon_admissions_rejected_total{reason}
//   - tothemoon_stop_ratchets_total
//   - tothemoon_venue_retries_total{op}
//   - tothemoon_escalations_total{kind}
//   - tothemoon_phantoms_total
//   - tothemoon_open_positions
//   - tothemoon_realized_pnl_today
//
// Collectors live on a private registry so tests and multiple instances never
// collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "tothemoon"

type Metrics struct {
	registry *prometheus.Registry

	opened      *prometheus.CounterVec
	closed      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	ratchets    prometheus.Counter
	retries     *prometheus.CounterVec
	escalations *prometheus.CounterVec
	phantoms    prometheus.Counter
	open        prometheus.Gauge
	pnlToday    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened after a confirmed entry fill",
		}, []string{"symbol", "side"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed, split by exit reason",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_rejected_total",
			Help:      "Entry candidates rejected by risk admission",
		}, []string{"reason"}),
		ratchets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_ratchets_total",
			Help:      "Trailing stop arm and ratchet moves",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_retries_total",
			Help:      "Retried venue calls by operation",
		}, []string{"op"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Operator escalations by kind",
		}, []string{"kind"}),
		phantoms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phantoms_total",
			Help:      "Ledger positions repaired as phantoms",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently tracked open positions",
		}),
		pnlToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_today",
			Help:      "Realized P&L for the current trading day in quote currency",
		}),
	}
	m.registry.MustRegister(
		m.opened, m.closed, m.rejected, m.ratchets, m.retries,
		m.escalations, m.phantoms, m.open, m.pnlToday,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// All recorders tolerate a nil receiver so callers can run without metrics.

func (m *Metrics) Opened(symbol, side string) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) Closed(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) StopRatcheted() {
	if m == nil {
		return
	}
	m.ratchets.Inc()
}

func (m *Metrics) VenueRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) Escalated(kind string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(kind).Inc()
}

func (m *Metrics) Phantom() {
	if m == nil {
		return
	}
	m.phantoms.Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.open.Set(float64(n))
}

func (m *Metrics) SetRealizedPnlToday(v decimal.Decimal) {
	if m == nil {
		return
	}
	f, _ := v.Float64()
	m.pnlToday.Set(f)
}
