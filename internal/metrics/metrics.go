// Package metrics exposes the bot's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every wabot metric plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler renders Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// --- Pre-defined metrics used across the application ---

var (
	WebhookEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_webhook_events_total",
		Help: "Webhook deliveries by event name and outcome",
	}, []string{"event", "outcome"})

	MessagesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_messages_total",
		Help: "Inbound messages by pipeline outcome",
	}, []string{"outcome"})

	MessagesInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Name: "wabot_messages_in_flight",
		Help: "Messages currently being processed",
	})

	LLMRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_llm_requests_total",
		Help: "Completion requests by status",
	}, []string{"status"})

	LLMLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "wabot_llm_latency_seconds",
		Help:    "Completion request latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ToolRounds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "wabot_tool_rounds",
		Help:    "Completion rounds needed per answered message",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	ToolExecutions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_tool_executions_total",
		Help: "Tool executions by tool name and result",
	}, []string{"tool", "result"})

	ToolLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "wabot_tool_latency_seconds",
		Help:    "Tool execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	OutboundMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_outbound_messages_total",
		Help: "Replies sent by kind (text, audio, fallback, assignment)",
	}, []string{"kind"})

	Assignments = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_assignments_total",
		Help: "Chat-to-agent assignments by outcome",
	}, []string{"outcome"})

	PlatformRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_platform_requests_total",
		Help: "Messaging platform API calls by operation and status",
	}, []string{"op", "status"})
)

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
