package main

import (
	"strconv"
	"time"

	"github.com/edgepulse/edgepulse/pkg/shell"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	httpDuration   *prometheus.HistogramVec
	commandsQueued prometheus.Counter
	resultsStored  *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	shellOpened    prometheus.Counter
	shellClosed    *prometheus.CounterVec
	shellActive    prometheus.Gauge
	shellDevices   prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgepulse",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		commandsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgepulse",
			Name:      "commands_queued_total",
			Help:      "Signed commands appended to device queues.",
		}),
		resultsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgepulse",
			Name:      "command_results_total",
			Help:      "Command results accepted from devices.",
		}, []string{"status"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgepulse",
			Name:      "auth_failures_total",
			Help:      "Rejected admin and client authentication attempts.",
		}, []string{"kind"}),
		shellOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgepulse",
			Subsystem: "shell",
			Name:      "sessions_opened_total",
			Help:      "Shell sessions created.",
		}),
		shellClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgepulse",
			Subsystem: "shell",
			Name:      "sessions_closed_total",
			Help:      "Shell sessions closed, by reason.",
		}, []string{"reason"}),
		shellActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgepulse",
			Subsystem: "shell",
			Name:      "sessions_active",
			Help:      "Shell sessions currently open.",
		}),
		shellDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgepulse",
			Subsystem: "shell",
			Name:      "devices_connected",
			Help:      "Devices holding a shell transport.",
		}),
	}
}

// relayHooks keeps the session gauges in step with the relay. The hooks run
// under the relay lock.
func (m *serverMetrics) relayHooks() shell.Hooks {
	return shell.Hooks{
		Opened: func(string) {
			m.shellOpened.Inc()
			m.shellActive.Inc()
		},
		Closed: func(_ string, reason string) {
			m.shellClosed.WithLabelValues(reason).Inc()
			m.shellActive.Dec()
		},
	}
}

func (m *serverMetrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
