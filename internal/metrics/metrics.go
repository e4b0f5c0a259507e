// Package metrics bridges the pipeline's MetricsSink interface onto
// Prometheus collectors.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements the pipeline's MetricsSink on a private registry
// so that embedding applications control exposition. Collectors are created lazily
// per event name; the label set of an event is fixed by its first emission.
type PrometheusSink struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusSink creates a sink with its own registry.
func NewPrometheusSink(namespace string) *PrometheusSink {
	if namespace == "" {
		namespace = "transflow"
	}
	return &PrometheusSink{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for HTTP exposition or test
// scraping.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Record adds value to the counter for event, labeled with tags.
func (s *PrometheusSink) Record(event string, value float64, tags map[string]string) {
	keys, values := splitTags(tags)

	s.mu.Lock()
	vec, ok := s.counters[event]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      metricName(event) + "_total",
			Help:      "Count of " + event + " events.",
		}, keys)
		s.registry.MustRegister(vec)
		s.counters[event] = vec
	}
	s.mu.Unlock()

	vec.WithLabelValues(values...).Add(value)
}

// RecordDuration observes d in the histogram for event, labeled with tags.
func (s *PrometheusSink) RecordDuration(event string, d time.Duration, tags map[string]string) {
	keys, values := splitTags(tags)

	s.mu.Lock()
	vec, ok := s.histograms[event]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      metricName(event) + "_seconds",
			Help:      "Duration of " + event + " in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 12),
		}, keys)
		s.registry.MustRegister(vec)
		s.histograms[event] = vec
	}
	s.mu.Unlock()

	vec.WithLabelValues(values...).Observe(d.Seconds())
}

// splitTags returns tag keys in sorted order with matching values, so an
// event always presents its labels in the same order.
func splitTags(tags map[string]string) ([]string, []string) {
	if len(tags) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return keys, values
}

func metricName(event string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(event)
}
