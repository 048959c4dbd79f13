package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "commissioner"

var labelNames = []string{"task_type", "resource"}

// Labels identifies the series a sample belongs to
type Labels struct {
	TaskType string
	Resource string
}

func (l Labels) values() []string {
	return []string{l.TaskType, l.Resource}
}

// Sink receives named counters and gauges
type Sink interface {
	IncCounter(name string, labels Labels)
	SetGauge(name string, value float64, labels Labels)
}

// Nop discards everything
type Nop struct{}

func (Nop) IncCounter(string, Labels)             {}
func (Nop) SetGauge(string, float64, Labels)      {}
func (Nop) ObserveDuration(string, time.Duration) {}

// AttemptCounter names the attempt counter of a task category
func AttemptCounter(category string) string { return category + "_attempt_total" }

// SuccessCounter names the success counter of a task category
func SuccessCounter(category string) string { return category + "_success_total" }

// FailureCounter names the failure counter of a task category
func FailureCounter(category string) string { return category + "_failure_total" }

// StatusGauge names the health gauge of a task category, 1 healthy and 0 degraded
func StatusGauge(category string) string { return category + "_status" }

// Collector collects and exposes metrics on a private registry.
// Counter and gauge vectors are created on first use.
type Collector struct {
	registry *prometheus.Registry
	duration *prometheus.HistogramVec

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time taken by a task from start to terminal state",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"task_type"},
		),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
	c.registry.MustRegister(c.duration)
	return c
}

// IncCounter increments the named counter
func (c *Collector) IncCounter(name string, labels Labels) {
	c.CounterVec(name).WithLabelValues(labels.values()...).Inc()
}

// SetGauge sets the named gauge
func (c *Collector) SetGauge(name string, value float64, labels Labels) {
	c.GaugeVec(name).WithLabelValues(labels.values()...).Set(value)
}

// ObserveDuration records how long a task of taskType ran
func (c *Collector) ObserveDuration(taskType string, d time.Duration) {
	c.duration.WithLabelValues(taskType).Observe(d.Seconds())
}

// CounterVec returns the named counter vector, registering it if needed
func (c *Collector) CounterVec(name string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Task orchestration counter " + name,
	}, labelNames)
	c.registry.MustRegister(v)
	c.counters[name] = v
	return v
}

// GaugeVec returns the named gauge vector, registering it if needed
func (c *Collector) GaugeVec(name string) *prometheus.GaugeVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "Task orchestration gauge " + name,
	}, labelNames)
	c.registry.MustRegister(v)
	c.gauges[name] = v
	return v
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
