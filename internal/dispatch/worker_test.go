package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunrui/internal/dispatch"
	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/storage"
	"github.com/ashita-ai/bunrui/internal/testutil"
	"github.com/ashita-ai/bunrui/internal/tooltype"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	// The test DB acts as the writing deployment, so its registry carries
	// every code the tests create runs with. Each worker under test gets
	// its own registry, which may know fewer codes than the writer did.
	writerRegistry := tooltype.NewRegistry()
	for _, tt := range []struct {
		code int
		name string
		key  string
	}{
		{33, "preview generator", "preview_generator"},
		{34, "report generator", "report_generator"},
		{35, "internal experiment", ""},
	} {
		if err := writerRegistry.Register(tt.code, tt.name, tt.key); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register tool type: %v\n", err)
			tc.Terminate()
			os.Exit(1)
		}
	}

	var err error
	testDB, err = tc.NewTestDB(context.Background(), writerRegistry, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// recordingCollaborator records delivered runs and returns a scripted error.
type recordingCollaborator struct {
	mu        sync.Mutex
	delivered []model.RunRecord
	err       error
}

func (c *recordingCollaborator) Deliver(_ context.Context, run model.RunRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, run)
	return nil
}

func (c *recordingCollaborator) runs() []model.RunRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.RunRecord(nil), c.delivered...)
}

// cancellingCollaborator additionally records cancellation advisories.
type cancellingCollaborator struct {
	recordingCollaborator
	cancelled chan model.RunRecord
}

func (c *cancellingCollaborator) CancelRun(_ context.Context, run model.RunRecord) error {
	c.cancelled <- run
	return nil
}

// terminalRun creates a run with the given tool type and walks it to succeeded,
// which enqueues an outbox entry for AI-tool codes.
func terminalRun(t *testing.T, toolType int) model.RunRecord {
	t.Helper()
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, "worker-test-app", toolType, map[string]any{"n": 1})
	require.NoError(t, err)
	run, err = testDB.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning)
	require.NoError(t, err)
	run, err = testDB.UpdateRunStatus(ctx, run.ID, model.RunStatusSucceeded)
	require.NoError(t, err)
	return run
}

func entryState(t *testing.T, run model.RunRecord) model.DispatchEntry {
	t.Helper()
	entries, err := testDB.ListDispatchEntries(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestWorkerDeliversOnce(t *testing.T) {
	ctx := context.Background()
	registry := tooltype.NewRegistry()
	collab := &recordingCollaborator{}

	w := dispatch.NewWorker(testDB, registry,
		map[string]dispatch.Collaborator{"agent_generator": collab},
		testutil.TestLogger(), dispatch.WorkerConfig{})

	run := terminalRun(t, 1)
	w.ProcessOnce(ctx)

	got := collab.runs()
	require.Len(t, got, 1)
	assert.Equal(t, run.ID, got[0].ID)
	assert.Equal(t, 1, got[0].ToolType)
	assert.Equal(t, model.RunStatusSucceeded, got[0].Status)

	entry := entryState(t, run)
	assert.Equal(t, model.DispatchStateDelivered, entry.State)

	// A second pass finds nothing claimable: delivery happened exactly once.
	w.ProcessOnce(ctx)
	assert.Len(t, collab.runs(), 1)
}

func TestWorkerDefersUnknownCode(t *testing.T) {
	ctx := context.Background()
	registry := tooltype.NewRegistry()

	w := dispatch.NewWorker(testDB, registry, nil, testutil.TestLogger(), dispatch.WorkerConfig{})

	run := terminalRun(t, 33)
	w.ProcessOnce(ctx)

	entry := entryState(t, run)
	assert.Equal(t, model.DispatchStateDeferred, entry.State)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "33")
}

func TestWorkerRearmsDeferredOnStart(t *testing.T) {
	ctx := context.Background()

	// Park an entry as deferred with a worker that does not know code 34.
	oldWorker := dispatch.NewWorker(testDB, tooltype.NewRegistry(), nil, testutil.TestLogger(), dispatch.WorkerConfig{})
	run := terminalRun(t, 34)
	oldWorker.ProcessOnce(ctx)
	require.Equal(t, model.DispatchStateDeferred, entryState(t, run).State)

	// A deployment that registers code 34 re-arms and delivers it.
	registry := tooltype.NewRegistry()
	require.NoError(t, registry.Register(34, "report generator", "report_generator"))
	collab := &recordingCollaborator{}
	w := dispatch.NewWorker(testDB, registry,
		map[string]dispatch.Collaborator{"report_generator": collab},
		testutil.TestLogger(), dispatch.WorkerConfig{PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)

	require.Eventually(t, func() bool {
		return entryState(t, run).State == model.DispatchStateDelivered
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	w.Drain(drainCtx)
	drainCancel()

	require.Len(t, collab.runs(), 1)
	assert.Equal(t, run.ID, collab.runs()[0].ID)
}

func TestWorkerFailsWithoutCollaborator(t *testing.T) {
	ctx := context.Background()
	registry := tooltype.NewRegistry()

	// Code 2 is known but no collaborator is bound to its key.
	w := dispatch.NewWorker(testDB, registry, nil, testutil.TestLogger(),
		dispatch.WorkerConfig{MaxAttempts: 1})

	run := terminalRun(t, 2)
	w.ProcessOnce(ctx)

	entry := entryState(t, run)
	assert.Equal(t, model.DispatchStateFailed, entry.State)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "skill_generator")

	// The dispatch failure never touches the run's own status.
	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
}

func TestWorkerFailsOnDeliveryError(t *testing.T) {
	ctx := context.Background()
	registry := tooltype.NewRegistry()
	collab := &recordingCollaborator{err: errors.New("target exploded")}

	w := dispatch.NewWorker(testDB, registry,
		map[string]dispatch.Collaborator{"round_table_summary": collab},
		testutil.TestLogger(), dispatch.WorkerConfig{MaxAttempts: 1})

	run := terminalRun(t, 3)
	w.ProcessOnce(ctx)

	entry := entryState(t, run)
	assert.Equal(t, model.DispatchStateFailed, entry.State)
	require.NotNil(t, entry.LastError)
	assert.Contains(t, *entry.LastError, "target exploded")
}

func TestWorkerSettlesKeylessCodeAsNoop(t *testing.T) {
	ctx := context.Background()
	registry := tooltype.NewRegistry()
	require.NoError(t, registry.Register(35, "internal experiment", ""))

	w := dispatch.NewWorker(testDB, registry, nil, testutil.TestLogger(), dispatch.WorkerConfig{})

	run := terminalRun(t, 35)
	w.ProcessOnce(ctx)

	entry := entryState(t, run)
	assert.Equal(t, model.DispatchStateDelivered, entry.State)
}

func TestNotifyCancelledReachesCanceller(t *testing.T) {
	registry := tooltype.NewRegistry()
	collab := &cancellingCollaborator{cancelled: make(chan model.RunRecord, 1)}

	w := dispatch.NewWorker(testDB, registry,
		map[string]dispatch.Collaborator{"agent_generator": collab},
		testutil.TestLogger(), dispatch.WorkerConfig{})

	run := model.RunRecord{AppID: "cancel-app", ToolType: 1, Status: model.RunStatusCancelled}
	w.NotifyCancelled(run)

	select {
	case got := <-collab.cancelled:
		assert.Equal(t, "cancel-app", got.AppID)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation advisory never arrived")
	}
}

func TestNotifyCancelledSkipsRegularRuns(t *testing.T) {
	registry := tooltype.NewRegistry()
	collab := &cancellingCollaborator{cancelled: make(chan model.RunRecord, 1)}

	w := dispatch.NewWorker(testDB, registry,
		map[string]dispatch.Collaborator{"agent_generator": collab},
		testutil.TestLogger(), dispatch.WorkerConfig{})

	w.NotifyCancelled(model.RunRecord{AppID: "plain", ToolType: 0, Status: model.RunStatusCancelled})

	select {
	case <-collab.cancelled:
		t.Fatal("regular runs have no dispatch target and must not be notified")
	case <-time.After(100 * time.Millisecond):
	}
}
