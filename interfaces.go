package bunrui

import (
	"context"
)

// Collaborator receives runs dispatched by the outbox worker. A collaborator
// is bound to one dispatch key via WithCollaborator; when a run with that
// key's tool type reaches a terminal status, Deliver is called with a
// snapshot of the run.
//
// Deliver must be idempotent: the outbox retries on error, and a crash
// between delivery and acknowledgement replays the entry.
type Collaborator interface {
	Deliver(ctx context.Context, run Run) error
}

// CollaboratorFunc adapts a plain function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, run Run) error

// Deliver implements Collaborator.
func (f CollaboratorFunc) Deliver(ctx context.Context, run Run) error {
	return f(ctx, run)
}

// Canceller receives best-effort advisories when an AI-tool run is cancelled
// before its generator finished. Advisories are fire-and-forget: failures are
// logged, never retried, and never affect the run's stored status.
type Canceller interface {
	CancelRun(ctx context.Context, run Run) error
}
