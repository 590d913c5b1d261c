package headspa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of the SDK. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Realtime
	MessagesReceived  prometheus.Counter
	Reconciliations   *prometheus.CounterVec
	OptimisticSends   prometheus.Counter
	ChannelEvents     *prometheus.CounterVec
	ChannelReconnects prometheus.Counter

	// REST
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "headspa_chat_messages_received_total",
			Help: "Total receive_message events applied",
		}),
		Reconciliations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headspa_chat_reconciliations_total",
				Help: "Inbound messages by reconciliation outcome",
			},
			[]string{"match"}, // "id", "correlation", "optimistic", "none", "skipped"
		),
		OptimisticSends: f.NewCounter(prometheus.CounterOpts{
			Name: "headspa_chat_optimistic_sends_total",
			Help: "Total optimistic messages appended locally",
		}),
		ChannelEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headspa_chat_channel_events_total",
				Help: "Realtime channel lifecycle events",
			},
			[]string{"event"},
		),
		ChannelReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "headspa_chat_channel_reconnects_total",
			Help: "Total reconnect attempts scheduled",
		}),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headspa_chat_requests_total",
				Help: "REST calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "headspa_chat_request_duration_seconds",
				Help:    "REST call duration",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) messageReceived(match string) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.Reconciliations.WithLabelValues(match).Inc()
}

func (m *Metrics) optimisticSent() {
	if m == nil {
		return
	}
	m.OptimisticSends.Inc()
}

func (m *Metrics) channelEvent(event string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(event).Inc()
	if event == "reconnecting" {
		m.ChannelReconnects.Inc()
	}
}

func (m *Metrics) request(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RequestsTotal.WithLabelValues(op, outcome).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(seconds)
}
