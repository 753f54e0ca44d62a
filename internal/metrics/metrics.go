// Package metrics exposes prometheus collectors for the sync engine. A nil
// *Metrics is valid and records nothing, so tests and one-shot commands can
// skip registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic_sync"

// Sources and results used as label values.
const (
	SourcePush    = "push"
	SourcePoll    = "poll"
	SourceHistory = "history"
	SourceSend    = "send"

	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	merged          *prometheus.CounterVec
	polls           *prometheus.CounterVec
	pushConnects    prometheus.Counter
	pushDisconnects prometheus.Counter
	pushHealthy     prometheus.Gauge
	pollingActive   prometheus.Gauge
	sends           *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_merged_total",
			Help:      "Messages passed through the merge engine, by source.",
		}, []string{"source"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Delta fetches issued by the polling fallback.",
		}, []string{"result"}),
		pushConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_connects_total",
			Help:      "Successful push subscriptions.",
		}),
		pushDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_disconnects_total",
			Help:      "Push connections lost.",
		}),
		pushHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_healthy",
			Help:      "1 while the watchdog considers push healthy.",
		}),
		pollingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_active",
			Help:      "1 while the polling fallback is running.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message create calls, by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Attachment uploads, by result.",
		}, []string{"result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_resolutions_total",
			Help:      "Conversation lookups, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.merged, m.polls, m.pushConnects, m.pushDisconnects,
		m.pushHealthy, m.pollingActive, m.sends, m.uploads, m.resolutions,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterUnread exposes the aggregate unread count, read on scrape.
func (m *Metrics) RegisterUnread(total func() int) {
	if m == nil {
		return
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unread_messages",
		Help:      "Unread foreign messages across all conversations.",
	}, func() float64 { return float64(total()) }))
}

func (m *Metrics) Merged(source string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.merged.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Poll(err error) {
	if m == nil {
		return
	}

	m.polls.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) PushConnected() {
	if m == nil {
		return
	}

	m.pushConnects.Inc()
}

func (m *Metrics) PushDisconnected() {
	if m == nil {
		return
	}

	m.pushDisconnects.Inc()
}

// Liveness records the watchdog's current verdict.
func (m *Metrics) Liveness(pushHealthy, polling bool) {
	if m == nil {
		return
	}

	m.pushHealthy.Set(boolGauge(pushHealthy))
	m.pollingActive.Set(boolGauge(polling))
}

func (m *Metrics) Send(err error) {
	if m == nil {
		return
	}

	m.sends.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Upload(err error) {
	if m == nil {
		return
	}

	m.uploads.WithLabelValues(result(err)).Inc()
}

// Resolved counts a conversation resolution: cache, found, created or
// rejected.
func (m *Metrics) Resolved(outcome string) {
	if m == nil {
		return
	}

	m.resolutions.WithLabelValues(outcome).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}

	return ResultOK
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
