// Package metrics provides Prometheus metrics for the execution engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the execution engine. Registered via promauto
// on package init.
var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_orders_submitted_total",
		Help: "Orders submitted to the venue by symbol, side and result status",
	}, []string{"symbol", "side", "status"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_orders_cancelled_total",
		Help: "Order cancellations by outcome",
	}, []string{"outcome"})

	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_orders_filled_total",
		Help: "Orders observed reaching filled state",
	}, []string{"symbol", "side"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_gateway_calls_total",
		Help: "Exchange gateway calls by operation and result",
	}, []string{"op", "result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "algobot_gateway_latency_seconds",
		Help:    "Exchange gateway call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	RunsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "algobot_runs_active",
		Help: "Currently active strategy runs by kind",
	}, []string{"kind"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_runs_completed_total",
		Help: "Terminated strategy runs by kind and final state",
	}, []string{"kind", "state"})

	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_strategy_ticks_total",
		Help: "Strategy tick executions by kind",
	}, []string{"kind"})

	TickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "algobot_strategy_tick_latency_seconds",
		Help:    "Strategy tick latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	SchedulerJobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algobot_scheduler_jobs_dropped_total",
		Help: "Scheduled callbacks skipped because the previous fire was still running",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_errors_total",
		Help: "Errors by component",
	}, []string{"component"})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "algobot_heartbeat_timestamp_seconds",
		Help: "Unix timestamp of the last engine heartbeat",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "algobot_build_info",
		Help: "Build information",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo records build metadata.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
