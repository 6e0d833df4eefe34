package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outproxy_nexus/proxypool/model"
)

const namespace = "outproxy"

// Collector 汇总引擎的 Prometheus 指标。所有方法对 nil 接收者安全, 未启用指标时直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	probes          *prometheus.CounterVec
	probeThroughput prometheus.Histogram
	probeLatency    prometheus.Histogram

	routes        *prometheus.CounterVec
	routeDuration prometheus.Histogram

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram

	poolSize   *prometheus.GaugeVec
	activeInfo *prometheus.GaugeVec
}

// NewCollector registers every metric on registry (a fresh one when nil).
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "probe", Name: "total",
			Help: "Benchmark probes by outcome.",
		}, []string{"outcome"}),
		probeThroughput: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "probe", Name: "throughput_bytes_per_second",
			Help:    "Throughput of successful probes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "probe", Name: "latency_seconds",
			Help:    "Time to response headers of successful probes.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "route", Name: "total",
			Help: "Routed requests by outcome.",
		}, []string{"outcome"}),
		routeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "route", Name: "duration_seconds",
			Help:    "End-to-end duration of routed requests including retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "total",
			Help: "Refresh cycles by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "duration_seconds",
			Help:    "Duration of refresh cycles.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "endpoints",
			Help: "Endpoints in the selection store by state.",
		}, []string{"state"}),
		activeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "active_info",
			Help: "Set to 1 for the endpoint currently used for routing.",
		}, []string{"endpoint"}),
	}
	registry.MustRegister(
		c.probes, c.probeThroughput, c.probeLatency,
		c.routes, c.routeDuration,
		c.refreshes, c.refreshDuration,
		c.poolSize, c.activeInfo,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveProbe(m model.Measurement) {
	if c == nil {
		return
	}
	if !m.Result.Success {
		c.probes.WithLabelValues(m.Result.Failure.String()).Inc()
		return
	}
	c.probes.WithLabelValues("success").Inc()
	c.probeThroughput.Observe(m.Result.Throughput)
	c.probeLatency.Observe(m.Result.Latency.Seconds())
}

func (c *Collector) ObserveRoute(outcome string, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	c.routes.WithLabelValues(outcome).Inc()
	c.routeDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveRefresh(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
	c.refreshDuration.Observe(d.Seconds())
}

// SetPool 用一次快照刷新池相关的 gauge。
func (c *Collector) SetPool(entries []*model.RankedEndpoint, active *model.Endpoint) {
	if c == nil {
		return
	}
	counts := map[model.State]int{
		model.StateDiscovered: 0,
		model.StateUnranked:   0,
		model.StateStandby:    0,
		model.StateActive:     0,
		model.StateDemoted:    0,
	}
	for _, e := range entries {
		counts[e.State]++
	}
	for state, n := range counts {
		c.poolSize.WithLabelValues(state.String()).Set(float64(n))
	}
	c.activeInfo.Reset()
	if active != nil {
		c.activeInfo.WithLabelValues(active.Key()).Set(1)
	}
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
