package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventMetrics tracks event-related metrics
var EventMetrics = struct {
	EventsTotal      *prometheus.CounterVec
	GatewayLatency   *prometheus.GaugeVec
	IdentifiesTotal  prometheus.Counter
	HandlerPanics    prometheus.Counter
	CollectorsActive prometheus.Gauge
}{
	EventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_gateway_events_total",
			Help: "Total number of dispatched events, split by event type",
		},
		[]string{"event_type"},
	),
	GatewayLatency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_gateway_latency_seconds",
			Help: "Gateway latency in seconds, measured by heartbeat",
		},
		[]string{"shard_id"},
	),
	IdentifiesTotal: promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandwich_gateway_identifies_total",
			Help: "Total number of identify frames sent",
		},
	),
	HandlerPanics: promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandwich_gateway_handler_panics_total",
			Help: "Total number of recovered panics in event handlers",
		},
	),
	CollectorsActive: promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandwich_gateway_collectors_active",
			Help: "Number of collector subscriptions currently registered",
		},
	),
}

func RecordEvent(eventType string) {
	EventMetrics.EventsTotal.WithLabelValues(eventType).Inc()
}

func UpdateGatewayLatency(shardID ShardID, latency time.Duration) {
	EventMetrics.GatewayLatency.WithLabelValues(shardLabel(shardID)).Set(latency.Seconds())
}

func RecordIdentify() {
	EventMetrics.IdentifiesTotal.Inc()
}

func RecordHandlerPanic() {
	EventMetrics.HandlerPanics.Inc()
}

// ShardMetrics tracks shard-related metrics
var ShardMetrics = struct {
	ShardStage    *prometheus.GaugeVec
	ShardRestarts *prometheus.CounterVec
	ShardsActive  prometheus.Gauge
}{
	ShardStage: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_shard_stage",
			Help: "Connection stage of the shard",
		},
		[]string{"shard_id"},
	),
	ShardRestarts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_shard_restarts_total",
			Help: "Total number of shard restarts",
		},
		[]string{"shard_id"},
	),
	ShardsActive: promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandwich_shards_active",
			Help: "Number of shard runners in the registry",
		},
	),
}

func UpdateShardStage(shardID ShardID, stage ConnectionStage) {
	ShardMetrics.ShardStage.WithLabelValues(shardLabel(shardID)).Set(float64(stage))
}

func RecordShardRestart(shardID ShardID) {
	ShardMetrics.ShardRestarts.WithLabelValues(shardLabel(shardID)).Inc()
}

func UpdateShardsActive(count int) {
	ShardMetrics.ShardsActive.Set(float64(count))
}

func shardLabel(shardID ShardID) string {
	return strconv.Itoa(int(shardID))
}
