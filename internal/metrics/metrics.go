package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loopr"

// Package-level control-plane collectors. They are registered via Register.
var (
	regOK atomic.Bool

	controlStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "starts_total",
			Help:      "Schedule start requests by result (ok, spawn_error, rejected).",
		}, []string{"result"},
	)
	controlStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "stops_total",
			Help:      "Schedule stop attempts by result (ok, already_dead, timeout).",
		}, []string{"result"},
	)
	controlReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "reconciled_total",
			Help:      "Records marked failed because their process was gone.",
		},
	)
)

// Register registers the control-plane metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range []prometheus.Collector{controlStarts, controlStops, controlReconciled} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(result string) {
	if regOK.Load() {
		controlStarts.WithLabelValues(result).Inc()
	}
}

func IncStop(result string) {
	if regOK.Load() {
		controlStops.WithLabelValues(result).Inc()
	}
}

func IncReconciled() {
	if regOK.Load() {
		controlReconciled.Inc()
	}
}
