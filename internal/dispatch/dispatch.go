// Package dispatch delivers terminal run records to the external
// collaborators registered for their tool types.
//
// Delivery rides the dispatch_outbox table: status transitions enqueue
// entries transactionally, and the worker here drains them with bounded
// retries. Collaborators may block or be slow — delivery operates on a
// claimed snapshot and holds no lock on the run store, so a stuck generator
// cannot stall run creation or status updates.
package dispatch

import (
	"context"

	"github.com/ashita-ai/bunrui/internal/model"
)

// Collaborator consumes a read-only run record snapshot. Implementations are
// the agent generator, skill generator and round-table generators; they
// return an error to request a retry and must never mutate the record.
type Collaborator interface {
	Deliver(ctx context.Context, run model.RunRecord) error
}

// Canceller is an optional Collaborator extension for cancellation
// advisories. The advisory is best-effort: errors are logged and dropped,
// and the run's own status is already authoritative by the time it fires.
type Canceller interface {
	CancelRun(ctx context.Context, run model.RunRecord) error
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, run model.RunRecord) error

// Deliver implements Collaborator.
func (f CollaboratorFunc) Deliver(ctx context.Context, run model.RunRecord) error {
	return f(ctx, run)
}
