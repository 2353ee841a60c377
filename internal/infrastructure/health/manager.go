// Package health aggregates per-component liveness checks for the metrics
// listener's health report.
package health

import (
	"sync"

	"taskfleet/internal/core"
)

// Manager keeps named health checks and evaluates them on demand.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

var _ core.IHealthMonitor = (*Manager)(nil)

// NewManager creates an empty manager. A manager with no registered checks
// reports healthy.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus evaluates every check and reports per-component status.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
			m.logger.Warn("Component unhealthy", "check", component, "error", err.Error())
			continue
		}
		status[component] = "Healthy"
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
