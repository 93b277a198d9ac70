package analytics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics tracks gateway connection metrics.
var GatewayMetrics = struct {
	Events     *prometheus.CounterVec
	Latency    *prometheus.GaugeVec
	State      *prometheus.GaugeVec
	Reconnects *prometheus.CounterVec
	Sent       *prometheus.CounterVec
}{
	Events: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_gateway_dispatch_events_total",
			Help: "Dispatch events received, split by shard and event type",
		},
		[]string{"shard", "event_type"},
	),
	Latency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crust_gateway_latency_seconds",
			Help: "Gateway latency in seconds, measured by heartbeat round trip",
		},
		[]string{"shard"},
	),
	State: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crust_gateway_state",
			Help: "Current state of the gateway connection",
		},
		[]string{"shard"},
	),
	Reconnects: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_gateway_reconnects_total",
			Help: "Gateway reconnect attempts, split by reason",
		},
		[]string{"shard", "reason"},
	),
	Sent: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_gateway_sent_total",
			Help: "Frames written to the gateway, split by opcode",
		},
		[]string{"shard", "op"},
	),
}

// RestMetrics tracks REST executor metrics.
var RestMetrics = struct {
	Requests    *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
	Waits       *prometheus.HistogramVec
	Buckets     prometheus.Gauge
}{
	Requests: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_rest_requests_total",
			Help: "REST requests performed, split by method, route and status",
		},
		[]string{"method", "route", "status"},
	),
	RateLimited: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_rest_ratelimited_total",
			Help: "REST requests held back by a ratelimit, split by scope",
		},
		[]string{"scope"},
	),
	Waits: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crust_rest_ratelimit_wait_seconds",
			Help:    "Time spent waiting on ratelimits before a request was sent",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"scope"},
	),
	Buckets: promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crust_rest_buckets",
			Help: "Number of ratelimit buckets currently tracked",
		},
	),
}

// BusMetrics tracks event bus metrics.
var BusMetrics = struct {
	Published      *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
	HandlersActive prometheus.Gauge
}{
	Published: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_eventbus_published_total",
			Help: "Events published on the bus, split by topic",
		},
		[]string{"topic"},
	),
	HandlerErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_eventbus_handler_errors_total",
			Help: "Handler failures routed to the error sink, split by topic",
		},
		[]string{"topic"},
	),
	HandlersActive: promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crust_eventbus_handlers_active",
			Help: "Handlers currently running",
		},
	),
}

// ProducerMetrics tracks messaging forwarder metrics.
var ProducerMetrics = struct {
	Published *prometheus.CounterVec
	Failed    *prometheus.CounterVec
}{
	Published: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_producer_published_total",
			Help: "Dispatch events forwarded to the producer",
		},
		[]string{"producer"},
	),
	Failed: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crust_producer_failed_total",
			Help: "Dispatch events the producer failed to publish",
		},
		[]string{"producer"},
	),
}

func ShardLabel(shardID int32) string {
	return strconv.FormatInt(int64(shardID), 10)
}

func RecordDispatch(shardID int32, eventType string) {
	GatewayMetrics.Events.WithLabelValues(ShardLabel(shardID), eventType).Inc()
}

func UpdateGatewayLatency(shardID int32, seconds float64) {
	GatewayMetrics.Latency.WithLabelValues(ShardLabel(shardID)).Set(seconds)
}

func UpdateGatewayState(shardID int32, state int) {
	GatewayMetrics.State.WithLabelValues(ShardLabel(shardID)).Set(float64(state))
}

func RecordReconnect(shardID int32, reason string) {
	GatewayMetrics.Reconnects.WithLabelValues(ShardLabel(shardID), reason).Inc()
}

func RecordSent(shardID int32, op string) {
	GatewayMetrics.Sent.WithLabelValues(ShardLabel(shardID), op).Inc()
}

func RecordRequest(method, route string, status int) {
	RestMetrics.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func RecordRateLimitWait(scope string, seconds float64) {
	RestMetrics.RateLimited.WithLabelValues(scope).Inc()
	RestMetrics.Waits.WithLabelValues(scope).Observe(seconds)
}
