package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HarnessMetrics tracks the orchestration engine's RPC traffic and activation
// activity across all configured nodes.
type HarnessMetrics struct {
	requests    *prometheus.CounterVec
	activations *prometheus.CounterVec
	taskPolls   *prometheus.CounterVec
	fanout      *prometheus.HistogramVec
}

var (
	harnessMetricsOnce sync.Once
	harnessRegistry    *HarnessMetrics
)

// Metrics returns the lazily-initialised harness metrics registry.
func Metrics() *HarnessMetrics {
	harnessMetricsOnce.Do(func() {
		harnessRegistry = &HarnessMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kdf",
				Subsystem: "harness",
				Name:      "requests_total",
				Help:      "Total RPC requests segmented by node, method, and outcome.",
			}, []string{"node", "method", "outcome"}),
			activations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kdf",
				Subsystem: "harness",
				Name:      "activations_total",
				Help:      "Asset activation attempts segmented by protocol family and outcome.",
			}, []string{"family", "outcome"}),
			taskPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kdf",
				Subsystem: "harness",
				Name:      "task_polls_total",
				Help:      "Task status polls segmented by task group and terminal state.",
			}, []string{"group", "state"}),
			fanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "kdf",
				Subsystem: "harness",
				Name:      "fanout_duration_seconds",
				Help:      "Wall time for one logical request fanned out across all nodes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			harnessRegistry.requests,
			harnessRegistry.activations,
			harnessRegistry.taskPolls,
			harnessRegistry.fanout,
		)
	})
	return harnessRegistry
}

// ObserveRequest records one RPC call outcome for a node.
func (m *HarnessMetrics) ObserveRequest(node, method string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(node, method, outcome).Inc()
}

// ObserveActivation records one activation attempt outcome.
func (m *HarnessMetrics) ObserveActivation(family, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.activations.WithLabelValues(family, outcome).Inc()
}

// ObserveTaskPoll records one task poll and the state it observed.
func (m *HarnessMetrics) ObserveTaskPoll(group, state string) {
	if m == nil {
		return
	}
	m.taskPolls.WithLabelValues(group, state).Inc()
}

// ObserveFanout records the duration of one full dispatch across nodes.
func (m *HarnessMetrics) ObserveFanout(method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fanout.WithLabelValues(method).Observe(duration.Seconds())
}
