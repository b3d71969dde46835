package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promExporter mirrors reliability counters as Prometheus series on a
// private registry.
type promExporter struct {
	registry *prometheus.Registry

	operationCounter *prometheus.CounterVec
	failureCounter   prometheus.Counter
	availableGauge   prometheus.Gauge
	fallbackGauge    prometheus.Gauge
	entriesGauge     prometheus.GaugeFunc
}

// EnablePrometheus attaches a Prometheus exporter to the tracker. Counters
// recorded after this call are mirrored into the returned registry's series.
// Call during construction, before the tracker is shared.
func (r *Reliability) EnablePrometheus(namespace string) error {
	if namespace == "" {
		namespace = "statcache"
	}

	registry := prometheus.NewRegistry()

	exporter := &promExporter{
		registry: registry,
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Cache operations by backend, operation and outcome",
			},
			[]string{"backend", "operation", "outcome"},
		),
		failureCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primary_failures_total",
			Help:      "Primary backend errors, including ones rescued by the fallback tier",
		}),
		availableGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "primary_available",
			Help:      "1 while the primary backend breaker is not open",
		}),
		fallbackGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_active",
			Help:      "1 while the primary backend breaker is not closed",
		}),
	}
	exporter.entriesGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fallback_cache_entries",
		Help:      "Current number of entries held by the in-process fallback cache",
	}, func() float64 {
		if r.entryCount == nil {
			return 0
		}
		return float64(r.entryCount())
	})

	collectors := []prometheus.Collector{
		exporter.operationCounter,
		exporter.failureCounter,
		exporter.availableGauge,
		exporter.fallbackGauge,
		exporter.entriesGauge,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	exporter.availableGauge.Set(1)
	r.prom = exporter
	return nil
}

// Handler returns the Prometheus scrape handler, or nil when the exporter
// was never enabled.
func (r *Reliability) Handler() http.Handler {
	if r.prom == nil {
		return nil
	}
	return promhttp.HandlerFor(r.prom.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (p *promExporter) record(backend Backend, op Operation, outcome Outcome) {
	p.operationCounter.With(prometheus.Labels{
		"backend":   backend.String(),
		"operation": op.String(),
		"outcome":   outcome.String(),
	}).Inc()
}

func (p *promExporter) markFailure() {
	p.failureCounter.Inc()
}

func (p *promExporter) setBreakerState(available, fallbackActive bool) {
	boolToGauge := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}
	p.availableGauge.Set(boolToGauge(available))
	p.fallbackGauge.Set(boolToGauge(fallbackActive))
}
