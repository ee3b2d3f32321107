package observer

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports sandbox metrics to Prometheus.
type PrometheusRecorder struct {
	stages       *prometheus.CounterVec
	wallTime     *prometheus.HistogramVec
	cpuTime      *prometheus.HistogramVec
	memory       *prometheus.GaugeVec
	boxes        *prometheus.CounterVec
	forceCleanup *prometheus.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codux",
			Subsystem: "sandbox",
			Name:      "stage_runs_total",
			Help:      "Sandboxed stage runs by language, stage, status and exit code.",
		}, []string{"language", "stage", "status", "exit_code"}),
		wallTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codux",
			Subsystem: "sandbox",
			Name:      "stage_wall_time_ms",
			Help:      "Wall time of sandboxed stages in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"language", "stage"}),
		cpuTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codux",
			Subsystem: "sandbox",
			Name:      "stage_cpu_time_ms",
			Help:      "CPU time of sandboxed stages in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"language", "stage"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "codux",
			Subsystem: "sandbox",
			Name:      "stage_last_memory_bytes",
			Help:      "Memory used by the last stage run per language.",
		}, []string{"language", "stage"}),
		boxes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codux",
			Subsystem: "sandbox",
			Name:      "box_events_total",
			Help:      "Sandbox box lifecycle events.",
		}, []string{"event"}),
		forceCleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codux",
			Subsystem: "sandbox",
			Name:      "force_cleanup_total",
			Help:      "Forced cleanup outcomes.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{r.stages, r.wallTime, r.cpuTime, r.memory, r.boxes, r.forceCleanup} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, language, stage, status string, exitCode int, wallMs, cpuMs float64, memoryBytes int64) {
	r.stages.WithLabelValues(language, stage, status, strconv.Itoa(exitCode)).Inc()
	r.wallTime.WithLabelValues(language, stage).Observe(wallMs)
	r.cpuTime.WithLabelValues(language, stage).Observe(cpuMs)
	r.memory.WithLabelValues(language, stage).Set(float64(memoryBytes))
}

func (r *PrometheusRecorder) ObserveBox(_ context.Context, event string) {
	r.boxes.WithLabelValues(event).Inc()
}

func (r *PrometheusRecorder) ObserveCleanup(_ context.Context, outcome string) {
	r.forceCleanup.WithLabelValues(outcome).Inc()
}
