// Package metrics exposes driver telemetry as prometheus collectors.
//
// All methods are safe on a nil *Collector so callers that do not care about
// metrics can pass nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

// Collector groups the driver's prometheus metrics on a private registry.
type Collector struct {
	reg *prometheus.Registry

	exchanges        *prometheus.CounterVec
	exchangeFailures *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	published        *prometheus.CounterVec
	flickerFrames    prometheus.Counter
	flickerDesyncs   prometheus.Counter
	discardedBytes   prometheus.Counter
	workerRunning    prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kclmtr_exchanges_total",
			Help: "Commands written to the colorimeter",
		}, []string{"command"}),
		exchangeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kclmtr_exchange_failures_total",
			Help: "Exchanges that ended with a transport error",
		}, []string{"command", "kind"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kclmtr_exchange_duration_seconds",
			Help:    "Time from command write to complete reply",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16},
		}, []string{"command"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kclmtr_results_published_total",
			Help: "Results published by the acquisition worker",
		}, []string{"mode"}),
		flickerFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kclmtr_flicker_frames_total",
			Help: "Valid 96-byte flicker frames processed",
		}),
		flickerDesyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kclmtr_flicker_desync_total",
			Help: "Times the flicker stream lost frame alignment",
		}),
		discardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kclmtr_flicker_discarded_bytes_total",
			Help: "Bytes dropped while resynchronising the flicker stream",
		}),
		workerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kclmtr_worker_running",
			Help: "1 while an acquisition worker is running",
		}),
	}
	c.reg.MustRegister(
		c.exchanges,
		c.exchangeFailures,
		c.exchangeDuration,
		c.published,
		c.flickerFrames,
		c.flickerDesyncs,
		c.discardedBytes,
		c.workerRunning,
	)
	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// ObserveExchange records one command exchange.
func (c *Collector) ObserveExchange(command string, d time.Duration, m errmask.Mask) {
	if c == nil {
		return
	}
	c.exchanges.WithLabelValues(command).Inc()
	switch {
	case m.Has(errmask.NotOpen):
		c.exchangeFailures.WithLabelValues(command, "not_open").Inc()
	case m.Has(errmask.LostConnection):
		c.exchangeFailures.WithLabelValues(command, "lost_connection").Inc()
	case m.Has(errmask.TimedOut):
		c.exchangeFailures.WithLabelValues(command, "timed_out").Inc()
	default:
		c.exchangeDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

// Published counts a result handed to the poll API.
func (c *Collector) Published(mode string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(mode).Inc()
}

// FlickerFrame counts a valid flicker frame.
func (c *Collector) FlickerFrame() {
	if c == nil {
		return
	}
	c.flickerFrames.Inc()
}

// FlickerDesync counts a resynchronisation that dropped n bytes.
func (c *Collector) FlickerDesync(n int) {
	if c == nil {
		return
	}
	c.flickerDesyncs.Inc()
	c.discardedBytes.Add(float64(n))
}

// WorkerRunning sets the worker gauge.
func (c *Collector) WorkerRunning(on bool) {
	if c == nil {
		return
	}
	if on {
		c.workerRunning.Set(1)
	} else {
		c.workerRunning.Set(0)
	}
}
