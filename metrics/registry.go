// Package metrics exposes grouped counters, gauges and stopwatches backed by prometheus.
//
// Call sites name a group ("net", "server", "delta") and a metric name; the pair becomes
// the prometheus metric tilesync_<group>_<name>. Collectors are created lazily on first use.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tilesync"

// Registry owns the lazily created collectors of one prometheus registry.
type Registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry creates an empty registry with the Go runtime and process collectors attached.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Gatherer returns the underlying prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func metricName(group, name string) string {
	g := strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(group)
	return prometheus.BuildFQName(namespace, g, name)
}

func labelNames(dim Dimension) []string {
	if len(dim) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dim))
	for k := range dim {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// vecKey distinguishes collectors by name and label set. Prometheus rejects two
// collectors with the same name, so a label set must stay stable per metric.
func vecKey(fq string, labels []string) string {
	return fq + "{" + strings.Join(labels, ",") + "}"
}

func (r *Registry) counter(group, name string, dim Dimension) prometheus.Counter {
	fq := metricName(group, name)
	labels := labelNames(dim)
	key := vecKey(fq, labels)

	r.mu.Lock()
	vec, ok := r.counters[key]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: group + " " + name}, labels)
		if err := r.reg.Register(vec); err != nil {
			if are, isAre := err.(prometheus.AlreadyRegisteredError); isAre {
				vec, _ = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		r.counters[key] = vec
	}
	r.mu.Unlock()

	if vec == nil {
		return nil
	}
	c, err := vec.GetMetricWith(prometheus.Labels(dim))
	if err != nil {
		return nil
	}
	return c
}

func (r *Registry) gauge(group, name string, dim Dimension) prometheus.Gauge {
	fq := metricName(group, name)
	labels := labelNames(dim)
	key := vecKey(fq, labels)

	r.mu.Lock()
	vec, ok := r.gauges[key]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: group + " " + name}, labels)
		if err := r.reg.Register(vec); err != nil {
			if are, isAre := err.(prometheus.AlreadyRegisteredError); isAre {
				vec, _ = are.ExistingCollector.(*prometheus.GaugeVec)
			}
		}
		r.gauges[key] = vec
	}
	r.mu.Unlock()

	if vec == nil {
		return nil
	}
	g, err := vec.GetMetricWith(prometheus.Labels(dim))
	if err != nil {
		return nil
	}
	return g
}

func (r *Registry) histogram(group, name string, dim Dimension, policy Policy) prometheus.Observer {
	fq := metricName(group, name)
	labels := labelNames(dim)
	key := vecKey(fq, labels)

	r.mu.Lock()
	vec, ok := r.histograms[key]
	if !ok {
		buckets := prometheus.DefBuckets
		if policy == PolicyStopwatch {
			// tick work is sub-millisecond to a few tens of milliseconds
			buckets = prometheus.ExponentialBuckets(0.0001, 2, 12)
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: fq, Help: group + " " + name, Buckets: buckets}, labels)
		if err := r.reg.Register(vec); err != nil {
			if are, isAre := err.(prometheus.AlreadyRegisteredError); isAre {
				vec, _ = are.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
		r.histograms[key] = vec
	}
	r.mu.Unlock()

	if vec == nil {
		return nil
	}
	o, err := vec.GetMetricWith(prometheus.Labels(dim))
	if err != nil {
		return nil
	}
	return o
}

// Report records v for group/name according to policy.
func (r *Registry) Report(group, name string, v Value, policy Policy, dim Dimension) {
	switch policy {
	case PolicySum:
		if c := r.counter(group, name, dim); c != nil && v >= 0 {
			c.Add(float64(v))
		}
	case PolicySet:
		if g := r.gauge(group, name, dim); g != nil {
			g.Set(float64(v))
		}
	case PolicyStopwatch, PolicyHistogram:
		if o := r.histogram(group, name, dim, policy); o != nil {
			o.Observe(float64(v))
		}
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by the package-level helpers.
func Default() *Registry {
	return defaultRegistry
}

// Handler serves the default registry.
func Handler() http.Handler {
	return defaultRegistry.Handler()
}

// IncrCounterWithGroup adds v to a counter.
func IncrCounterWithGroup(group, name string, v Value) {
	defaultRegistry.Report(group, name, v, PolicySum, nil)
}

// IncrCounterWithDimGroup adds v to a labelled counter.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	defaultRegistry.Report(group, name, v, PolicySum, dim)
}

// UpdateGaugeWithGroup sets a gauge.
func UpdateGaugeWithGroup(group, name string, v Value) {
	defaultRegistry.Report(group, name, v, PolicySet, nil)
}

// UpdateGaugeWithDimGroup sets a labelled gauge.
func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	defaultRegistry.Report(group, name, v, PolicySet, dim)
}

// ObserveWithGroup records v in a histogram.
func ObserveWithGroup(group, name string, v Value) {
	defaultRegistry.Report(group, name, v, PolicyHistogram, nil)
}

// RecordStopwatchWithGroup records the seconds elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	defaultRegistry.Report(group, name, Value(time.Since(start).Seconds()), PolicyStopwatch, nil)
}

// RecordStopwatchWithDimGroup records the seconds elapsed since start with labels.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dim Dimension) {
	defaultRegistry.Report(group, name, Value(time.Since(start).Seconds()), PolicyStopwatch, dim)
}
