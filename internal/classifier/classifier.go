// Package classifier is the sole decision point for what classification a new
// run receives.
//
// Classification happens exactly once, inside the same atomic insert that
// creates the run row; there is no classify-after-the-fact operation and no
// mutator for the field. The race between registration of a brand-new code
// and run creation using it is eliminated by construction: the tool-type
// registry is populated during process initialization only, before any
// creation traffic is accepted.
package classifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/storage"
	"github.com/ashita-ai/bunrui/internal/tooltype"
)

// ErrInvalidToolType is returned when a creation request carries a code
// unknown to this process. Unknown codes are rejected, never silently
// defaulted to 0: reclassifying a run as "not an AI tool" would corrupt
// downstream routing and reporting. The sentinel is the store's: the service
// rejects before touching the database, and the store enforces the same rule
// on its own writes, so errors.Is matches either layer.
var ErrInvalidToolType = storage.ErrInvalidToolType

// Store is the slice of the run store the classifier needs.
type Store interface {
	CreateRun(ctx context.Context, appID string, toolType int, payload map[string]any) (model.RunRecord, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, newStatus model.RunStatus) (model.RunRecord, error)
}

// CancelNotifier receives best-effort advisories when a run is cancelled.
// The dispatcher implements this; a nil notifier disables advisories.
type CancelNotifier interface {
	NotifyCancelled(run model.RunRecord)
}

// Service assigns classifications at run creation and drives status
// transitions afterward.
type Service struct {
	registry *tooltype.Registry
	store    Store
	notifier CancelNotifier
	logger   *slog.Logger
}

// New creates a classifier service. notifier may be nil.
func New(registry *tooltype.Registry, store Store, notifier CancelNotifier, logger *slog.Logger) *Service {
	return &Service{registry: registry, store: store, notifier: notifier, logger: logger}
}

// Create validates the requested tool type against the registry and, if
// valid, persists the run. Nothing is written on rejection.
func (s *Service) Create(ctx context.Context, req model.CreateRunRequest) (model.RunRecord, error) {
	if err := model.ValidateAppID(req.AppID); err != nil {
		return model.RunRecord{}, fmt.Errorf("classifier: %w", err)
	}
	if !s.registry.IsValidForCreation(req.ToolType) {
		return model.RunRecord{}, fmt.Errorf("classifier: create run for app %s with code %d: %w", req.AppID, req.ToolType, ErrInvalidToolType)
	}

	run, err := s.store.CreateRun(ctx, req.AppID, req.ToolType, req.Payload)
	if err != nil {
		return model.RunRecord{}, err
	}

	s.logger.Info("run classified",
		"run_id", run.ID,
		"app_id", run.AppID,
		"tool_type", run.ToolType,
		"kind", tooltype.KindOf(run.ToolType).String(),
	)
	return run, nil
}

// Get reads a run. A record whose classification is unknown to this process
// is returned as-is; callers dispatch on the code, not this method.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	return s.store.GetRun(ctx, id)
}

// Transition applies one status change under the run state machine.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, newStatus model.RunStatus) (model.RunRecord, error) {
	return s.store.UpdateRunStatus(ctx, id, newStatus)
}

// Cancel moves a pending or running run to cancelled and sends a best-effort
// advisory to the collaborator. The status change is authoritative; the
// advisory is not — a collaborator that misses it just finishes work nobody
// will consume.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	run, err := s.store.UpdateRunStatus(ctx, id, model.RunStatusCancelled)
	if err != nil {
		return model.RunRecord{}, err
	}
	if s.notifier != nil && run.ToolType != tooltype.CodeRegularApp {
		s.notifier.NotifyCancelled(run)
	}
	return run, nil
}
