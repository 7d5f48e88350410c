package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveCalls     prometheus.Gauge
	CallsStarted    *prometheus.CounterVec
	PollsTotal      *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	EventsEmitted   *prometheus.CounterVec
	ActionsExecuted *prometheus.CounterVec
	HistoryWrites   *prometheus.CounterVec
	WebhookMessages *prometheus.CounterVec
}

// New registers collectors on a private registry so several instances can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "callpilot_active_calls",
			Help: "Calls currently being watched",
		}),
		CallsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callpilot_calls_started_total",
			Help: "Outbound call attempts by outcome",
		}, []string{"result"}),
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callpilot_polls_total",
			Help: "Call status polls by outcome",
		}, []string{"result"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callpilot_fetch_duration_seconds",
			Help:    "Time taken to fetch a call from the provider",
			Buckets: prometheus.DefBuckets,
		}),
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callpilot_events_emitted_total",
			Help: "Canonical events emitted by kind",
		}, []string{"kind"}),
		ActionsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callpilot_actions_total",
			Help: "Executed turn actions by action and whether an effect happened",
		}, []string{"action", "executed"}),
		HistoryWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callpilot_history_writes_total",
			Help: "Call history persistence attempts by outcome",
		}, []string{"result"}),
		WebhookMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callpilot_webhook_messages_total",
			Help: "Provider webhook messages by source",
		}, []string{"source"}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
