package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/relaykit/metric"
)

// transportMetrics holds the Prometheus instruments for one transport.
// All record methods are nil-safe so instrumentation stays optional.
type transportMetrics struct {
	requestsTotal     prometheus.Counter
	requestFailures   *prometheus.CounterVec
	repliesMatched    prometheus.Counter
	repliesDropped    prometheus.Counter
	eventsDispatched  prometheus.Counter
	handlerErrors     prometheus.Counter
	broadcastFailures prometheus.Counter
	reconnectsTotal   prometheus.Counter
	connectionState   prometheus.Gauge
	pendingRequests   prometheus.Gauge
}

func newTransportMetrics(registry *metric.Registry, identity string) (*transportMetrics, error) {
	labels := prometheus.Labels{"identity": identity}

	m := &transportMetrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_requests_total",
			Help:        "Total requests sent through the transport",
			ConstLabels: labels,
		}),
		requestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "relaykit_request_failures_total",
			Help:        "Requests that failed, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		repliesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_replies_matched_total",
			Help:        "Inbound replies matched to a pending request",
			ConstLabels: labels,
		}),
		repliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_replies_dropped_total",
			Help:        "Inbound replies with no matching pending request",
			ConstLabels: labels,
		}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_events_dispatched_total",
			Help:        "Inbound envelopes dispatched to event handlers",
			ConstLabels: labels,
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_handler_errors_total",
			Help:        "Handler errors and panics isolated by the router",
			ConstLabels: labels,
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_broadcast_failures_total",
			Help:        "Per-recipient broadcast delivery failures",
			ConstLabels: labels,
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relaykit_reconnects_total",
			Help:        "Reconnection attempts triggered by channel loss",
			ConstLabels: labels,
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relaykit_connection_state",
			Help:        "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
			ConstLabels: labels,
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "relaykit_pending_requests",
			Help:        "Requests currently awaiting a reply",
			ConstLabels: labels,
		}),
	}

	collectors := map[string]prometheus.Collector{
		"requests_total":           m.requestsTotal,
		"request_failures_total":   m.requestFailures,
		"replies_matched_total":    m.repliesMatched,
		"replies_dropped_total":    m.repliesDropped,
		"events_dispatched_total":  m.eventsDispatched,
		"handler_errors_total":     m.handlerErrors,
		"broadcast_failures_total": m.broadcastFailures,
		"reconnects_total":         m.reconnectsTotal,
		"connection_state":         m.connectionState,
		"pending_requests":         m.pendingRequests,
	}
	for name, collector := range collectors {
		if err := registry.Register("transport_"+identity, name, collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *transportMetrics) recordRequest() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

func (m *transportMetrics) recordRequestFailure(reason string) {
	if m != nil {
		m.requestFailures.WithLabelValues(reason).Inc()
	}
}

func (m *transportMetrics) recordReplyMatched() {
	if m != nil {
		m.repliesMatched.Inc()
	}
}

func (m *transportMetrics) recordReplyDropped() {
	if m != nil {
		m.repliesDropped.Inc()
	}
}

func (m *transportMetrics) recordDispatch() {
	if m != nil {
		m.eventsDispatched.Inc()
	}
}

func (m *transportMetrics) recordHandlerError() {
	if m != nil {
		m.handlerErrors.Inc()
	}
}

func (m *transportMetrics) recordBroadcastFailure() {
	if m != nil {
		m.broadcastFailures.Inc()
	}
}

func (m *transportMetrics) recordReconnect() {
	if m != nil {
		m.reconnectsTotal.Inc()
	}
}

func (m *transportMetrics) setState(state State) {
	if m != nil {
		m.connectionState.Set(float64(state))
	}
}

func (m *transportMetrics) setPending(n int) {
	if m != nil {
		m.pendingRequests.Set(float64(n))
	}
}
