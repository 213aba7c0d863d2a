package metrics

import (
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrderSubmitted records an order submission result.
func (r *Recorder) RecordOrderSubmitted(symbol, side, status string) {
	OrdersSubmitted.WithLabelValues(symbol, side, status).Inc()
}

// RecordOrderCancelled records a cancellation outcome.
func (r *Recorder) RecordOrderCancelled(outcome string) {
	OrdersCancelled.WithLabelValues(outcome).Inc()
}

// RecordOrderFilled records an order reaching filled state.
func (r *Recorder) RecordOrderFilled(symbol, side string) {
	OrdersFilled.WithLabelValues(symbol, side).Inc()
}

// RecordGatewayCall records one gateway call and its latency.
func (r *Recorder) RecordGatewayCall(op, result string, elapsed time.Duration) {
	GatewayCalls.WithLabelValues(op, result).Inc()
	GatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordRunStarted records a strategy run becoming active.
func (r *Recorder) RecordRunStarted(kind string) {
	RunsActive.WithLabelValues(kind).Inc()
}

// RecordRunFinished records a strategy run reaching a terminal state.
func (r *Recorder) RecordRunFinished(kind, state string) {
	RunsActive.WithLabelValues(kind).Dec()
	RunsCompleted.WithLabelValues(kind, state).Inc()
}

// RecordTick records one strategy tick and its latency.
func (r *Recorder) RecordTick(kind string, elapsed time.Duration) {
	TicksTotal.WithLabelValues(kind).Inc()
	TickLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordJobDropped records a scheduler callback skipped due to overlap.
func (r *Recorder) RecordJobDropped() {
	SchedulerJobsDropped.Inc()
}

// RecordError records an error.
func (r *Recorder) RecordError(component string) {
	ErrorsTotal.WithLabelValues(component).Inc()
}

// RecordHeartbeat records an engine heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
