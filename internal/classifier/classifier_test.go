package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/storage"
	"github.com/ashita-ai/bunrui/internal/testutil"
	"github.com/ashita-ai/bunrui/internal/tooltype"
)

// fakeStore records calls and simulates the store's state machine enforcement.
type fakeStore struct {
	runs    map[uuid.UUID]model.RunRecord
	creates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[uuid.UUID]model.RunRecord)}
}

func (f *fakeStore) CreateRun(_ context.Context, appID string, toolType int, payload map[string]any) (model.RunRecord, error) {
	f.creates++
	now := time.Now().UTC()
	run := model.RunRecord{
		ID:        uuid.New(),
		AppID:     appID,
		ToolType:  toolType,
		Status:    model.RunStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeStore) GetRun(_ context.Context, id uuid.UUID) (model.RunRecord, error) {
	run, ok := f.runs[id]
	if !ok {
		return model.RunRecord{}, storage.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, id uuid.UUID, newStatus model.RunStatus) (model.RunRecord, error) {
	run, ok := f.runs[id]
	if !ok {
		return model.RunRecord{}, storage.ErrNotFound
	}
	if !model.CanTransition(run.Status, newStatus) {
		return model.RunRecord{}, storage.ErrInvalidTransition
	}
	run.Status = newStatus
	f.runs[id] = run
	return run, nil
}

type fakeNotifier struct {
	notified []model.RunRecord
}

func (f *fakeNotifier) NotifyCancelled(run model.RunRecord) {
	f.notified = append(f.notified, run)
}

func newService(t *testing.T) (*Service, *fakeStore, *fakeNotifier) {
	t.Helper()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc := New(tooltype.NewRegistry(), store, notifier, testutil.TestLogger())
	return svc, store, notifier
}

func TestCreateAssignsClassificationOnce(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, model.CreateRunRequest{AppID: "A1", ToolType: tooltype.CodeAgentGenerator})
	require.NoError(t, err)
	assert.Equal(t, tooltype.CodeAgentGenerator, run.ToolType)
	assert.Equal(t, model.RunStatusPending, run.Status)

	// The classification survives every later transition untouched.
	run, err = svc.Transition(ctx, run.ID, model.RunStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, tooltype.CodeAgentGenerator, run.ToolType)

	run, err = svc.Transition(ctx, run.ID, model.RunStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, tooltype.CodeAgentGenerator, run.ToolType)
}

func TestCreateRejectsUnknownCode(t *testing.T) {
	svc, store, _ := newService(t)

	_, err := svc.Create(context.Background(), model.CreateRunRequest{AppID: "A1", ToolType: 99})
	require.ErrorIs(t, err, ErrInvalidToolType)
	assert.Zero(t, store.creates, "nothing may be persisted on rejection")
}

func TestCreateDoesNotDefaultUnknownToRegular(t *testing.T) {
	svc, store, _ := newService(t)

	// An unknown code must be an error, never a silent code-0 run.
	_, err := svc.Create(context.Background(), model.CreateRunRequest{AppID: "A1", ToolType: 42})
	require.ErrorIs(t, err, ErrInvalidToolType)
	for _, run := range store.runs {
		t.Fatalf("unexpected persisted run %+v", run)
	}
}

func TestCreateValidatesAppID(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Create(context.Background(), model.CreateRunRequest{AppID: "", ToolType: 0})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToolType)
}

func TestCreateAcceptsDeploymentRegisteredCode(t *testing.T) {
	store := newFakeStore()
	reg := tooltype.NewRegistry()
	require.NoError(t, reg.Register(7, "workflow generator", "workflow_generator"))
	svc := New(reg, store, nil, testutil.TestLogger())

	run, err := svc.Create(context.Background(), model.CreateRunRequest{AppID: "A2", ToolType: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, run.ToolType)
}

func TestTransitionRejectsIllegalChange(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, model.CreateRunRequest{AppID: "A1", ToolType: 0})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, run.ID, model.RunStatusSucceeded)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := svc.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status, "status unchanged after rejected transition")
}

func TestCancelNotifiesCollaborator(t *testing.T) {
	svc, _, notifier := newService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, model.CreateRunRequest{AppID: "A1", ToolType: tooltype.CodeSkillGenerator})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, run.ID, model.RunStatusRunning)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, run.ID, notifier.notified[0].ID)
}

func TestCancelRegularRunSkipsAdvisory(t *testing.T) {
	svc, _, notifier := newService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, model.CreateRunRequest{AppID: "A1", ToolType: tooltype.CodeRegularApp})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, notifier.notified, "regular runs are never routed to a collaborator")
}

func TestGetUnknownRun(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}
