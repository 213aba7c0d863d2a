package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter fans one alert out to every configured channel
// concurrently. A failing channel never blocks the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a fan-out alerter over the given channels.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{alerters: alerters, logger: logger}
}

// Name identifies the channel.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// Add registers another channel.
func (m *MultiAlerter) Add(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Alert delivers to all channels and joins any failures.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	if len(alerters) == 0 {
		return nil
	}

	errCh := make(chan error, len(alerters))
	var wg sync.WaitGroup
	for _, alerter := range alerters {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alert delivery failed",
					"alerter", a.Name(),
					"severity", severity.String(),
					"err", err,
				)
				errCh <- err
			}
		}(alerter)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AlertEvent delivers a predefined event at its default severity.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event Event, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}
