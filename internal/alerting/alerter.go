// Package alerting notifies operators about strategy run lifecycle
// events and venue trouble.
package alerting

import (
	"context"
	"fmt"
)

// Severity is the alert priority level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter sends notifications to one channel.
type Alerter interface {
	// Alert sends a message with key-value fields, slog style.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name identifies the channel.
	Name() string
}

// Event is a predefined alert event type.
type Event string

const (
	EventEngineStarted Event = "engine_started"
	EventEngineStopped Event = "engine_stopped"
	EventRunStarted    Event = "run_started"
	EventRunCompleted  Event = "run_completed"
	EventRunCancelled  Event = "run_cancelled"
	EventRunDegraded   Event = "run_degraded"
	EventRunFailed     Event = "run_failed"
	EventOrderRejected Event = "order_rejected"
	EventDoubleFill    Event = "double_fill"
)

// EventSeverity maps an event to its default severity.
func EventSeverity(event Event) Severity {
	switch event {
	case EventRunDegraded, EventDoubleFill:
		return SeverityHigh
	case EventRunFailed, EventOrderRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// FormatFields renders key-value pairs as one bullet line per pair.
func FormatFields(fields ...any) string {
	out := ""
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("- %s: %v", key, fields[i+1])
	}
	return out
}
