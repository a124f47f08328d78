package admin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/reload"
	"github.com/kart-io/devserver/pkg/infra/pool"
)

// Metrics holds the devserver collectors. It is fed by a reload observer and
// a supervisor restart hook.
type Metrics struct {
	registry *prometheus.Registry

	changesets     prometheus.Counter
	reloads        *prometheus.CounterVec
	reloadFailures prometheus.Counter
	reloadDuration prometheus.Histogram
	restarts       *prometheus.CounterVec
	state          prometheus.Gauge
}

// NewMetrics registers the devserver collectors on a fresh registry, together
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		changesets: f.NewCounter(prometheus.CounterOpts{
			Name: "devserver_changesets_total",
			Help: "Changesets taken from the reload queue",
		}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devserver_reloads_total",
			Help: "Applied reload decisions by action",
		}, []string{"action"}),
		reloadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "devserver_reload_failures_total",
			Help: "Reload decisions that failed and left the previous version serving",
		}),
		reloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "devserver_reload_duration_seconds",
			Help:    "Time spent applying one reload decision",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devserver_restarts_total",
			Help: "Server restarts by reason",
		}, []string{"reason"}),
		state: f.NewGauge(prometheus.GaugeOpts{
			Name: "devserver_coordinator_state",
			Help: "Reload coordinator state: 0 idle, 1 applying, 2 faulted",
		}),
	}
}

// Registry returns the registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveReload records one coordinator result.
func (m *Metrics) ObserveReload(r reload.Result) {
	m.changesets.Inc()
	m.state.Set(float64(r.State))
	if r.Decision.Action == reload.ActionNoop {
		return
	}
	m.reloads.WithLabelValues(r.Decision.Action.String()).Inc()
	m.reloadDuration.Observe(r.Duration.Seconds())
	if r.Err != nil {
		m.reloadFailures.Inc()
	}
}

// ObserveRestart records one supervisor restart.
func (m *Metrics) ObserveRestart(reason string, _ *backend.Handle) {
	m.restarts.WithLabelValues(reason).Inc()
}

// ObservePool exports the callback counters of p.
func (m *Metrics) ObservePool(p *pool.Pool) {
	labels := prometheus.Labels{"pool": p.Name()}
	counter := func(name, help string, get func(pool.Stats) int64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(get(p.Stats())) })
	}
	m.registry.MustRegister(
		counter("devserver_pool_completed_total", "Callbacks that ran to completion",
			func(s pool.Stats) int64 { return s.Completed }),
		counter("devserver_pool_rejected_total", "Callbacks rejected by a full pool",
			func(s pool.Stats) int64 { return s.Rejected }),
		counter("devserver_pool_panics_total", "Callbacks that panicked",
			func(s pool.Stats) int64 { return s.Panicked }),
	)
}
