// Package metrics exposes Prometheus collectors for stations and the
// notifier on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "airwave"

type Collector struct {
	reg *prometheus.Registry

	chunks      *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	sendErrors  *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	items       *prometheus.CounterVec
	trackSecs   *prometheus.CounterVec
	state       *prometheus.GaugeVec
	notify      *prometheus.CounterVec
	effectsDrop *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_sent_total", Help: "Chunks delivered to the broadcast server.",
		}, []string{"station"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Bytes delivered to the broadcast server.",
		}, []string{"station"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_errors_total", Help: "Failed chunk sends (connection reopened).",
		}, []string{"station"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "station_restarts_total", Help: "Station worker restarts by the supervisor.",
		}, []string{"station"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_started_total", Help: "Playlist items started.",
		}, []string{"station", "kind"}),
		trackSecs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "track_seconds_total", Help: "Estimated seconds of audio streamed.",
		}, []string{"station"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "station_state", Help: "Station state: 0 initializing, 1 streaming, 2 recovering, 3 stopped.",
		}, []string{"station"}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Notification outcomes.",
		}, []string{"result"}),
		effectsDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "side_effects_dropped_total", Help: "Station side effects dropped on a full queue.",
		}, []string{"station"}),
	}
	c.reg.MustRegister(
		c.chunks, c.bytes, c.sendErrors, c.restarts, c.items, c.trackSecs, c.state, c.notify, c.effectsDrop,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) ChunkSent(station string, n int) {
	c.chunks.WithLabelValues(station).Inc()
	c.bytes.WithLabelValues(station).Add(float64(n))
}

func (c *Collector) SendError(station string) { c.sendErrors.WithLabelValues(station).Inc() }

func (c *Collector) ItemStarted(station string, jingle bool, seconds float64) {
	kind := "track"
	if jingle {
		kind = "jingle"
	}
	c.items.WithLabelValues(station, kind).Inc()
	if seconds > 0 {
		c.trackSecs.WithLabelValues(station).Add(seconds)
	}
}

func (c *Collector) SetState(station string, state int) {
	c.state.WithLabelValues(station).Set(float64(state))
}

func (c *Collector) EffectDropped(station string) { c.effectsDrop.WithLabelValues(station).Inc() }

func (c *Collector) Restarted(station string) { c.restarts.WithLabelValues(station).Inc() }

// Forget removes the per-station series of a removed station.
func (c *Collector) Forget(station string) {
	for _, v := range []*prometheus.CounterVec{c.chunks, c.bytes, c.sendErrors, c.restarts, c.trackSecs, c.effectsDrop} {
		v.DeleteLabelValues(station)
	}
	c.items.DeletePartialMatch(prometheus.Labels{"station": station})
	c.state.DeleteLabelValues(station)
}

// NotifyResult counts a notifier outcome ("sent", "failed", "dropped", "deduped").
func (c *Collector) NotifyResult(result string) { c.notify.WithLabelValues(result).Inc() }
