package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	ScanBatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dripper_scan_batch_size", Help: "Messages claimed per scan", Buckets: prometheus.ExponentialBuckets(1, 2, 10)},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_dispatch_total", Help: "Dispatch outcomes"},
		[]string{"outcome"},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dripper_dispatch_latency_seconds", Help: "Gateway send latency"},
	)
	IdentityAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_identity_acquire_total", Help: "Identity acquisition results"},
		[]string{"result"},
	)
	IdentityHealthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_identity_health_total", Help: "Identity health after release"},
		[]string{"health"},
	)
	ProxyRebinds = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_proxy_rebind_total", Help: "Proxy rebind results"},
		[]string{"result"},
	)
	EventEmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_event_emit_total", Help: "Engine event emissions"},
		[]string{"result"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_webhook_delivery_total", Help: "Outbound webhook deliveries"},
		[]string{"result"},
	)
	MessageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dripper_message_transition_total", Help: "Message state transitions"},
		[]string{"to"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, ScanBatches, Dispatches, DispatchLatency,
		IdentityAcquires, IdentityHealthTransitions, ProxyRebinds,
		EventEmissions, WebhookDeliveries, MessageTransitions,
	)
}
