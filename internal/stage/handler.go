package stage

import (
	"context"

	"vodsum/internal/queue"
)

// Handler describes the contract the workflow manager needs from each phase.
// Prepare runs before the claim is persisted; Execute performs the phase's
// side-effecting work and mutates the item with its artifact references.
type Handler interface {
	Prepare(context.Context, *queue.Item) error
	Execute(context.Context, *queue.Item) error
	HealthCheck(context.Context) Health
}
