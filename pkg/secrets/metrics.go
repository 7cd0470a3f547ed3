package secrets

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts checks and records registry builds.
type Metrics struct {
	checks        *prometheus.CounterVec
	faults        prometheus.Counter
	buildDuration prometheus.Histogram
	entries       *prometheus.GaugeVec
}

// NewMetrics registers the secret service collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secret_service_checks_total",
			Help: "Secret checks by result",
		}, []string{"result"}),
		faults: f.NewCounter(prometheus.CounterOpts{
			Name: "secret_service_internal_faults_total",
			Help: "Checks that could not complete and were denied",
		}),
		buildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "secret_service_build_duration_seconds",
			Help:    "Time spent building the secret registry",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		entries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "secret_service_registry_entries",
			Help: "Entries in the published registry by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observeCheck(r Result) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) observeFault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

// ObserveBuild records a build duration and, on success, the new entry counts.
func (m *Metrics) ObserveBuild(d time.Duration, reg *Registry) {
	if m == nil {
		return
	}
	m.buildDuration.Observe(d.Seconds())
	if reg == nil {
		return
	}
	st := reg.Stats()
	m.entries.WithLabelValues("secret").Set(float64(st.Secrets))
	m.entries.WithLabelValues("group").Set(float64(st.Groups))
	m.entries.WithLabelValues("member").Set(float64(st.Members))
}
