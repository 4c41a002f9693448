package bunrui

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunrui/internal/dispatch"
	"github.com/ashita-ai/bunrui/internal/model"
)

type fakeCollaborator struct {
	delivered []Run
}

func (f *fakeCollaborator) Deliver(_ context.Context, run Run) error {
	f.delivered = append(f.delivered, run)
	return nil
}

type fakeCancellingCollaborator struct {
	fakeCollaborator
	cancelled []Run
}

func (f *fakeCancellingCollaborator) CancelRun(_ context.Context, run Run) error {
	f.cancelled = append(f.cancelled, run)
	return nil
}

func TestAdaptCollaboratorPreservesCancellerCapability(t *testing.T) {
	plain := adaptCollaborator(&fakeCollaborator{})
	_, isCanceller := plain.(dispatch.Canceller)
	assert.False(t, isCanceller, "a collaborator without CancelRun must not advertise it internally")

	cancelling := adaptCollaborator(&fakeCancellingCollaborator{})
	_, isCanceller = cancelling.(dispatch.Canceller)
	assert.True(t, isCanceller)
}

func TestAdapterDeliversPublicSnapshot(t *testing.T) {
	pub := &fakeCancellingCollaborator{}
	adapted := adaptCollaborator(pub)

	rec := model.RunRecord{
		ID:        uuid.New(),
		AppID:     "adapter-app",
		ToolType:  ToolTypeAgentGenerator,
		Status:    model.RunStatusSucceeded,
		Payload:   map[string]any{"k": "v"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	require.NoError(t, adapted.Deliver(context.Background(), rec))
	require.Len(t, pub.delivered, 1)
	got := pub.delivered[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "adapter-app", got.AppID)
	assert.Equal(t, "succeeded", got.Status)
	assert.True(t, got.IsAITool())

	require.NoError(t, adapted.(dispatch.Canceller).CancelRun(context.Background(), rec))
	require.Len(t, pub.cancelled, 1)
	assert.Equal(t, rec.ID, pub.cancelled[0].ID)
}

func TestRunIsAITool(t *testing.T) {
	assert.False(t, Run{ToolType: ToolTypeRegularApp}.IsAITool())
	for _, code := range []int{ToolTypeAgentGenerator, ToolTypeSkillGenerator, ToolTypeRoundTableSummary, ToolTypeRoundTableTargetData, 42} {
		assert.True(t, Run{ToolType: code}.IsAITool())
	}
}
