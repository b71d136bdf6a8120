package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized Prometheus collector set for the gateway.
//
// Series cover the control-plane surfaces:
//   - Inbound admission outcomes per account
//   - In-flight task state transitions
//   - Status-reaction and provider API calls
//   - Announce queue enqueues, drops, and sends
//   - Transcript guard interventions (truncation, synthetic results)
//   - Agent dispatch outcomes and latency
type Metrics struct {
	// InboundCounter tracks inbound events by account and admission result.
	// Labels: account, result (admitted|duplicate|stale|policy_denied|error)
	InboundCounter *prometheus.CounterVec

	// TaskTransitions counts task state transitions.
	// Labels: state (received|queued|working|waiting|done|failed|interrupted)
	TaskTransitions *prometheus.CounterVec

	// ReactionOps counts status-reaction operations.
	// Labels: op (add|remove), status (success|error)
	ReactionOps *prometheus.CounterVec

	// ProviderCalls counts provider API calls.
	// Labels: method, status (success|error)
	ProviderCalls *prometheus.CounterVec

	// AnnounceEnqueued counts accepted announce items by queue mode.
	AnnounceEnqueued *prometheus.CounterVec

	// AnnounceDropped counts dropped announce items.
	// Labels: reason (overflow|stale)
	AnnounceDropped *prometheus.CounterVec

	// AnnounceSends counts drain send attempts.
	// Labels: status (success|error)
	AnnounceSends *prometheus.CounterVec

	// ToolResultTruncations counts tool results cut by the size cap.
	ToolResultTruncations prometheus.Counter

	// SyntheticToolResults counts placeholder results flushed for orphaned
	// tool calls.
	SyntheticToolResults prometheus.Counter

	// DispatchDuration measures agent dispatch latency in seconds.
	// Labels: status (done|waiting|failed)
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg. The gateway
// passes its private registry once at startup; tests pass a fresh
// prometheus.NewRegistry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_inbound_events_total",
				Help: "Inbound provider events by account and admission result",
			},
			[]string{"account", "result"},
		),
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_task_transitions_total",
				Help: "In-flight task state transitions",
			},
			[]string{"state"},
		),
		ReactionOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_reaction_ops_total",
				Help: "Status reaction add/remove operations by outcome",
			},
			[]string{"op", "status"},
		),
		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_provider_calls_total",
				Help: "Provider API calls by method and outcome",
			},
			[]string{"method", "status"},
		),
		AnnounceEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_announce_enqueued_total",
				Help: "Announce items accepted into a queue by mode",
			},
			[]string{"mode"},
		),
		AnnounceDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_announce_dropped_total",
				Help: "Announce items dropped by reason",
			},
			[]string{"reason"},
		),
		AnnounceSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "larkgate_announce_sends_total",
				Help: "Announce drain send attempts by outcome",
			},
			[]string{"status"},
		),
		ToolResultTruncations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "larkgate_tool_result_truncations_total",
				Help: "Tool results truncated by the persistence size cap",
			},
		),
		SyntheticToolResults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "larkgate_synthetic_tool_results_total",
				Help: "Placeholder tool results synthesized for orphaned calls",
			},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "larkgate_dispatch_duration_seconds",
				Help:    "Agent dispatch latency from admission to idle",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
	}
}

// Inbound records one inbound admission outcome.
func (m *Metrics) Inbound(account, result string) {
	if m == nil {
		return
	}
	m.InboundCounter.WithLabelValues(account, result).Inc()
}

// Transition records one task state transition.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(state).Inc()
}

// Reaction records one add/remove reaction outcome.
func (m *Metrics) Reaction(op string, err error) {
	if m == nil {
		return
	}
	m.ReactionOps.WithLabelValues(op, statusOf(err)).Inc()
}

// Provider records one provider API call outcome.
func (m *Metrics) Provider(method string, err error) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(method, statusOf(err)).Inc()
}

// AnnounceAccepted records one accepted enqueue.
func (m *Metrics) AnnounceAccepted(mode string) {
	if m == nil {
		return
	}
	m.AnnounceEnqueued.WithLabelValues(mode).Inc()
}

// AnnounceDrop records one dropped item.
func (m *Metrics) AnnounceDrop(reason string) {
	if m == nil {
		return
	}
	m.AnnounceDropped.WithLabelValues(reason).Inc()
}

// AnnounceSend records one drain send attempt.
func (m *Metrics) AnnounceSend(err error) {
	if m == nil {
		return
	}
	m.AnnounceSends.WithLabelValues(statusOf(err)).Inc()
}

// Truncation records one size-cap truncation.
func (m *Metrics) Truncation() {
	if m == nil {
		return
	}
	m.ToolResultTruncations.Inc()
}

// Synthetic records one synthesized tool result.
func (m *Metrics) Synthetic() {
	if m == nil {
		return
	}
	m.SyntheticToolResults.Inc()
}

// Dispatch records one agent dispatch with its terminal status and duration.
func (m *Metrics) Dispatch(status string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(status).Observe(seconds)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
