package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	gometrics "github.com/rcrowley/go-metrics"

	"tally.lopezb.com/internal/tally/ingest"
)

const namespace = "tally"

// Ping results.
const (
	ResultNew       = "new"
	ResultReturning = "returning"
	ResultRejected  = "rejected"
)

// Metrics holds the Prometheus instruments of the server. It implements
// ingest.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	pings           *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

var _ ingest.Observer = (*Metrics)(nil)

// NewMetrics registers every instrument on a fresh registry. replayEntries
// reports the current size of the nonce guard.
func NewMetrics(replayEntries func() int) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Pings received, by result.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_rejections_total",
			Help:      "Rejected pings, by reason.",
		}, []string{"reason"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes of statistics to the blob store, by scope.",
		}, []string{"scope"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}

	m.Registry.MustRegister(
		m.pings,
		m.rejections,
		m.persistFailures,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewGoMetricsCollector(gometrics.DefaultRegistry),
	)

	if replayEntries != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_guard_entries",
			Help:      "Nonces currently held by the replay guard.",
		}, func() float64 { return float64(replayEntries()) }))
	}

	return m
}

// Accepted counts an accepted ping.
func (m *Metrics) Accepted(newUser bool) {
	if newUser {
		m.pings.WithLabelValues(ResultNew).Inc()
		return
	}
	m.pings.WithLabelValues(ResultReturning).Inc()
}

// Rejected counts a rejected ping.
func (m *Metrics) Rejected(kind ingest.Kind) {
	m.pings.WithLabelValues(ResultRejected).Inc()
	m.rejections.WithLabelValues(kind.String()).Inc()
}

// PersistFailure counts a failed save. Its signature matches the tracker's
// persist failure hook.
func (m *Metrics) PersistFailure(key string, _ error) {
	scope, _, _ := strings.Cut(key, ":")
	m.persistFailures.WithLabelValues(scope).Inc()
}

// GoMetricsCollector exposes the timers and counters of a go-metrics
// registry (the blob store instrumentation) to Prometheus.
type GoMetricsCollector struct {
	registry gometrics.Registry
	timer    *prometheus.Desc
	counter  *prometheus.Desc
}

var timerQuantiles = []float64{0.5, 0.9, 0.99}

func NewGoMetricsCollector(registry gometrics.Registry) *GoMetricsCollector {
	return &GoMetricsCollector{
		registry: registry,
		timer: prometheus.NewDesc(namespace+"_store_operation_seconds",
			"Blob store operation latency.", []string{"name"}, nil),
		counter: prometheus.NewDesc(namespace+"_store_events_total",
			"Blob store event counters.", []string{"name"}, nil),
	}
}

func (c *GoMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.timer
	ch <- c.counter
}

func (c *GoMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, v interface{}) {
		switch metric := v.(type) {
		case gometrics.Timer:
			snap := metric.Snapshot()

			ps := snap.Percentiles(timerQuantiles)
			quantiles := make(map[float64]float64, len(timerQuantiles))
			for i, q := range timerQuantiles {
				quantiles[q] = ps[i] / float64(time.Second)
			}

			ch <- prometheus.MustNewConstSummary(c.timer,
				uint64(snap.Count()),
				float64(snap.Sum())/float64(time.Second),
				quantiles,
				name)

		case gometrics.Counter:
			ch <- prometheus.MustNewConstMetric(c.counter, prometheus.CounterValue,
				float64(metric.Snapshot().Count()), name)
		}
	})
}
