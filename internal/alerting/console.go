package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log. The default
// channel, and the only one in paper trading setups.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

// Name identifies the channel.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs the alert at a level matching its severity.
func (c *ConsoleAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	attrs := append([]any{"severity", severity.String()}, fields...)

	switch severity {
	case SeverityCritical:
		c.logger.Error("[ALERT] "+message, attrs...)
	case SeverityHigh, SeverityWarning:
		c.logger.Warn("[ALERT] "+message, attrs...)
	default:
		c.logger.Info("[ALERT] "+message, attrs...)
	}
	return nil
}
