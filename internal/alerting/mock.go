package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter captures alerts for assertions in tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
}

// MockAlert is one captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// NewMockAlerter creates an empty mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name identifies the channel.
func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert captures the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	return nil
}

// Alerts returns a copy of every captured alert.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Count returns how many alerts were captured.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// HasAlertContaining reports whether any captured message contains
// substr.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if strings.Contains(a.Message, substr) {
			return true
		}
	}
	return false
}

// HasAlertWithSeverity reports whether any captured alert carries the
// given severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Severity == severity {
			return true
		}
	}
	return false
}
