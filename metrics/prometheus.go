// Package metrics exposes runtime measurements through Prometheus.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goliatone/go-process/flow"
)

const defaultNamespace = "process"

// Recorder implements flow.MetricsRecorder and adds engine-level series.
//
// Series (namespaced, "process_" by default):
//
//	operation_duration_ms (histogram): labels name
//	operations_total (counter): labels name, status (success/error)
//	state_changes_total (counter): labels kind (move/migration), status
//	active_instances (gauge)
type Recorder struct {
	duration     *prometheus.HistogramVec
	operations   *prometheus.CounterVec
	stateChanges *prometheus.CounterVec
	instances    prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

var _ flow.MetricsRecorder = (*Recorder)(nil)

// Option configures a Recorder.
type Option func(*config)

type config struct {
	namespace string
	buckets   []float64
}

// WithNamespace overrides the metric namespace.
func WithNamespace(ns string) Option {
	return func(c *config) {
		if ns = strings.TrimSpace(ns); ns != "" {
			c.namespace = ns
		}
	}
}

// WithBuckets overrides the latency histogram buckets, in milliseconds.
func WithBuckets(buckets ...float64) Option {
	return func(c *config) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// NewRecorder registers the runtime series with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewRecorder(registry prometheus.Registerer, opts ...Option) *Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	cfg := config{
		namespace: defaultNamespace,
		buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	factory := promauto.With(registry)
	return &Recorder{
		enabled: true,
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "operation_duration_ms",
			Help:      "Duration of activity behaviors and engine commands in milliseconds",
			Buckets:   cfg.buckets,
		}, []string{"name"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "operations_total",
			Help:      "Activity behaviors and engine commands by outcome",
		}, []string{"name", "status"}),
		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "state_changes_total",
			Help:      "Dynamic state changes applied to running instances",
		}, []string{"kind", "status"}),
		instances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "active_instances",
			Help:      "Process instances currently held by the engine",
		}),
	}
}

func (r *Recorder) RecordDuration(name string, duration time.Duration) {
	if !r.isEnabled() {
		return
	}
	r.duration.WithLabelValues(name).Observe(float64(duration) / float64(time.Millisecond))
}

func (r *Recorder) RecordError(name string) {
	if !r.isEnabled() {
		return
	}
	r.operations.WithLabelValues(name, "error").Inc()
}

func (r *Recorder) RecordSuccess(name string) {
	if !r.isEnabled() {
		return
	}
	r.operations.WithLabelValues(name, "success").Inc()
}

// RecordStateChange counts a move or migration request.
func (r *Recorder) RecordStateChange(kind string, err error) {
	if !r.isEnabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.stateChanges.WithLabelValues(kind, status).Inc()
}

// SetActiveInstances reports the number of live instances.
func (r *Recorder) SetActiveInstances(n int) {
	if !r.isEnabled() {
		return
	}
	r.instances.Set(float64(n))
}

// Disable stops recording. Registered series keep their values.
func (r *Recorder) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
}

func (r *Recorder) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
}

// Reset clears every series.
func (r *Recorder) Reset() {
	r.duration.Reset()
	r.operations.Reset()
	r.stateChanges.Reset()
	r.instances.Set(0)
}

func (r *Recorder) isEnabled() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}
