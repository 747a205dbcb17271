package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/loopr/internal/store"
)

// Recorder holds the metrics of one running schedule. A schedule process
// opens no port, so Flush writes them in the node_exporter textfile format
// to <dir>/loopr_<name>.prom. A nil Recorder is a no-op.
type Recorder struct {
	name string
	path string
	reg  *prometheus.Registry

	mu sync.Mutex

	ticks       *prometheus.CounterVec
	duration    prometheus.Histogram
	executions  prometheus.Gauge
	cost        prometheus.Gauge
	consecutive prometheus.Gauge
	status      *prometheus.GaugeVec
	lastTick    prometheus.Gauge
}

// NewRecorder returns a recorder for name. An empty dir keeps the metrics
// in memory only.
func NewRecorder(name, dir string) (*Recorder, error) {
	labels := prometheus.Labels{"name": name}
	r := &Recorder{
		name: name,
		reg:  prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "ticks_total",
			Help: "Ticks by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "tick_duration_seconds",
			Help: "Wall time of agent calls.", ConstLabels: labels,
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		executions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "executions",
			Help: "Executions recorded for the schedule.", ConstLabels: labels,
		}),
		cost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "cost",
			Help: "Accumulated cost.", ConstLabels: labels,
		}),
		consecutive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "consecutive_failures",
			Help: "Failures since the last success.", ConstLabels: labels,
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "status",
			Help: "1 for the current status, 0 otherwise.", ConstLabels: labels,
		}, []string{"status"}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schedule", Name: "last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick.", ConstLabels: labels,
		}),
	}
	r.reg.MustRegister(r.ticks, r.duration, r.executions, r.cost, r.consecutive, r.status, r.lastTick)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("metrics textfile dir: %w", err)
		}
		r.path = filepath.Join(dir, TextfileName(name))
	}
	return r, nil
}

// TextfileName is the file a schedule's metrics are written to.
func TextfileName(name string) string {
	return "loopr_" + name + ".prom"
}

// ObserveTick counts one tick.
func (r *Recorder) ObserveTick(outcome string, d time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(outcome).Inc()
	r.duration.Observe(d.Seconds())
	r.lastTick.Set(float64(at.Unix()))
}

// SetRecord mirrors the record counters and status.
func (r *Recorder) SetRecord(rec store.Record) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions.Set(float64(rec.Executions))
	r.cost.Set(rec.Cost)
	r.consecutive.Set(float64(rec.ConsecutiveFailures))
	for _, s := range store.Statuses() {
		v := 0.0
		if s == rec.Status {
			v = 1
		}
		r.status.WithLabelValues(string(s)).Set(v)
	}
}

// Gatherer exposes the recorder's registry.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.reg }

// Path is the textfile destination, empty when disabled.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Flush writes the textfile atomically. It is a no-op without a dir.
func (r *Recorder) Flush() error {
	if r == nil || r.path == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return prometheus.WriteToTextfile(r.path, r.reg)
}
