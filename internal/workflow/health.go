package workflow

import (
	"context"

	"vodsum/internal/stage"
)

// HealthChecks probes every configured phase handler and reports readiness in
// lane order. Used by the daemon preflight and the status command.
func (m *Manager) HealthChecks(ctx context.Context) []stage.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var checks []stage.Health
	for _, kind := range m.laneOrder {
		lane := m.lanes[kind]
		if lane == nil {
			continue
		}
		for _, ph := range lane.phases {
			if ph.handler == nil {
				checks = append(checks, stage.Unhealthy(ph.name, "handler not configured"))
				continue
			}
			checks = append(checks, ph.handler.HealthCheck(ctx))
		}
	}
	return checks
}
