package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/service"
	"github.com/vantorsec/opflow/pkg/storage"
)

type testLogger struct {
	t *testing.T
}

func (l testLogger) Infof(format string, args ...interface{}) {
	l.t.Logf("INFO: "+format, args...)
}

func (l testLogger) Warnf(format string, args ...interface{}) {
	l.t.Logf("WARN: "+format, args...)
}

func (l testLogger) Errorf(format string, args ...interface{}) {
	l.t.Logf("ERROR: "+format, args...)
}

func newTestService(t *testing.T, store storage.Store, opts ...service.Option) *service.OrchestrationService {
	t.Helper()
	return service.NewOrchestrationService(context.Background(), store, testLogger{t}, opts...)
}

func testAgent(id string, caps []string, quality int) models.ExecutionAgent {
	return models.ExecutionAgent{
		ID:                id,
		Name:              id,
		Status:            models.ConnectedAgentStatus,
		Capabilities:      caps,
		ConnectionQuality: quality,
		Type:              "linux_implant",
	}
}

// taskPlan tells the scripted waiter how one task should end.
type taskPlan struct {
	status models.RemoteTaskStatus
	output string
	errMsg string
	delay  time.Duration
}

// scriptedWaiter stands in for the polling tracker: it drives each record
// straight to its planned terminal status. Tasks without a plan complete
// with a canned output.
type scriptedWaiter struct {
	store storage.Store
	mu    sync.Mutex
	plans map[string]taskPlan
}

func newScriptedWaiter(store storage.Store) *scriptedWaiter {
	return &scriptedWaiter{store: store, plans: make(map[string]taskPlan)}
}

func (w *scriptedWaiter) plan(taskID string, p taskPlan) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.plans[taskID] = p
}

func (w *scriptedWaiter) AwaitCompletion(ctx context.Context, remoteTaskID string, timeout time.Duration) (models.RemoteTask, error) {
	task, err := w.store.GetRemoteTask(remoteTaskID)
	if err != nil {
		return models.RemoteTask{}, err
	}
	w.mu.Lock()
	p, ok := w.plans[task.TaskID]
	w.mu.Unlock()
	if !ok {
		p = taskPlan{status: models.CompletedRemoteTaskStatus, output: "ok"}
	}
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if err := w.store.UpdateRemoteTaskStatus(task.ID, p.status, p.errMsg); err != nil {
		return models.RemoteTask{}, err
	}
	if p.status == models.CompletedRemoteTaskStatus && p.output != "" {
		if err := w.store.SaveTaskResult(models.TaskResult{
			ID:           uuid.NewString(),
			RemoteTaskID: task.ID,
			Output:       p.output,
			CollectedAt:  time.Now(),
		}); err != nil {
			return models.RemoteTask{}, err
		}
	}
	return w.store.GetRemoteTask(remoteTaskID)
}

// fakeFabric reacts to task announcements the way a live execution fabric
// would: asynchronously advancing records and attaching results.
type fakeFabric struct {
	store    storage.Store
	complete bool
	delay    time.Duration

	mu    sync.Mutex
	kills []models.KillReason
}

func (f *fakeFabric) AnnounceTask(task models.RemoteTask) error {
	if !f.complete {
		return nil
	}
	go func() {
		time.Sleep(f.delay)
		_ = f.store.UpdateRemoteTaskStatus(task.ID, models.CompletedRemoteTaskStatus, "")
		_ = f.store.SaveTaskResult(models.TaskResult{
			ID:           uuid.NewString(),
			RemoteTaskID: task.ID,
			Output:       "scan finished",
			CollectedAt:  time.Now(),
		})
	}()
	return nil
}

func (f *fakeFabric) AnnounceKill(workflowID string, reason models.KillReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, reason)
	return nil
}

func (f *fakeFabric) killReasons() []models.KillReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.KillReason, len(f.kills))
	copy(out, f.kills)
	return out
}

func entriesOfType(entries []models.AuditEntry, event models.AuditEventType) []models.AuditEntry {
	var out []models.AuditEntry
	for _, e := range entries {
		if e.EventType == event {
			out = append(out, e)
		}
	}
	return out
}

func TestSubmitWorkflow_DependencyPipeline(t *testing.T) {
	store := storage.NewMockStore()
	waiter := newScriptedWaiter(store)
	svc := newTestService(t, store, service.WithCompletionWaiter(waiter))
	require.NoError(t, svc.RegisterAgent(testAgent("agent-1", []string{"recon", "port_scan"}, 90)))

	waiter.plan("recon", taskPlan{status: models.CompletedRemoteTaskStatus, output: "3 hosts up"})
	waiter.plan("scan-tcp", taskPlan{status: models.CompletedRemoteTaskStatus, output: "22,80 open"})
	waiter.plan("scan-udp", taskPlan{status: models.CompletedRemoteTaskStatus, output: "53 open"})

	result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
		Name: "perimeter-sweep",
		Tasks: []models.TaskSpec{
			{ID: "recon", Command: "discover 10.0.0.0/24", Capabilities: []string{"recon"}},
			{ID: "scan-tcp", Command: "scan --tcp 10.0.0.5", Capabilities: []string{"port_scan"}, DependsOn: []string{"recon"}},
			{ID: "scan-udp", Command: "scan --udp 10.0.0.5", Capabilities: []string{"port_scan"}, DependsOn: []string{"recon"}},
		},
		AutonomyLevel: 5,
		MaxParallel:   2,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Completed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, "3 hosts up", result.Outcomes["recon"].Output)
	assert.Equal(t, "agent-1", result.Assignments["scan-tcp"])

	wf, err := svc.GetWorkflow(result.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.NotNil(t, wf.StartedAt)
	assert.NotNil(t, wf.CompletedAt)

	// The dependent tasks must only run in the wave after their dependency.
	entries, err := svc.AuditTrail(result.WorkflowID)
	require.NoError(t, err)
	waves := entriesOfType(entries, models.WaveDispatchedEvent)
	require.Len(t, waves, 2)
	assert.Equal(t, []string{"recon"}, waves[0].Metadata["task_ids"])
	assert.Equal(t, []string{"scan-tcp", "scan-udp"}, waves[1].Metadata["task_ids"])
	assert.Len(t, entriesOfType(entries, models.AgentMatchedEvent), 3)
	assert.Len(t, entriesOfType(entries, models.TaskCompletedEvent), 3)
	assert.Len(t, entriesOfType(entries, models.WorkflowCompletedEvent), 1)

	tasks, err := svc.RemoteTasks(result.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, "high", task.Priority)
		assert.Equal(t, models.CompletedRemoteTaskStatus, task.Status)
	}
}

func TestSubmitWorkflow_WaveRespectsMaxParallel(t *testing.T) {
	store := storage.NewMockStore()
	svc := newTestService(t, store, service.WithCompletionWaiter(newScriptedWaiter(store)))
	require.NoError(t, svc.RegisterAgent(testAgent("agent-1", []string{"scan"}, 90)))

	result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
		Name: "wide-batch",
		Tasks: []models.TaskSpec{
			{ID: "t1", Command: "scan a"},
			{ID: "t2", Command: "scan b"},
			{ID: "t3", Command: "scan c"},
			{ID: "t4", Command: "scan d"},
		},
		AutonomyLevel: 8,
		MaxParallel:   2,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	entries, err := svc.AuditTrail(result.WorkflowID)
	require.NoError(t, err)
	waves := entriesOfType(entries, models.WaveDispatchedEvent)
	require.Len(t, waves, 2)
	assert.Equal(t, []string{"t1", "t2"}, waves[0].Metadata["task_ids"])
	assert.Equal(t, []string{"t3", "t4"}, waves[1].Metadata["task_ids"])
}

func TestSubmitWorkflow_Blocked(t *testing.T) {
	t.Run("dependency on a nonexistent task", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newTestService(t, store, service.WithCompletionWaiter(newScriptedWaiter(store)))
		require.NoError(t, svc.RegisterAgent(testAgent("agent-1", nil, 80)))

		_, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
			Name: "orphan",
			Tasks: []models.TaskSpec{
				{ID: "d", Command: "run it", DependsOn: []string{"ghost"}},
			},
			AutonomyLevel: 5,
		})
		var blocked *service.WorkflowBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, []string{"d"}, blocked.Remaining)

		wf, err := svc.GetWorkflow(blocked.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)

		entries, err := svc.AuditTrail(blocked.WorkflowID)
		require.NoError(t, err)
		assert.Len(t, entriesOfType(entries, models.WorkflowBlockedEvent), 1)
	})

	t.Run("upstream failure blocks downstream work", func(t *testing.T) {
		store := storage.NewMockStore()
		waiter := newScriptedWaiter(store)
		svc := newTestService(t, store, service.WithCompletionWaiter(waiter))
		require.NoError(t, svc.RegisterAgent(testAgent("agent-1", nil, 80)))

		waiter.plan("first", taskPlan{status: models.FailedRemoteTaskStatus, errMsg: "target unreachable"})

		_, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
			Name: "cascade",
			Tasks: []models.TaskSpec{
				{ID: "first", Command: "probe host"},
				{ID: "second", Command: "enumerate host", DependsOn: []string{"first"}},
			},
			AutonomyLevel: 5,
		})
		var blocked *service.WorkflowBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, []string{"second"}, blocked.Remaining)
	})
}

func TestSubmitWorkflow_TaskFailures(t *testing.T) {
	t.Run("independent failure does not fail the call", func(t *testing.T) {
		store := storage.NewMockStore()
		waiter := newScriptedWaiter(store)
		svc := newTestService(t, store, service.WithCompletionWaiter(waiter))
		require.NoError(t, svc.RegisterAgent(testAgent("agent-1", nil, 80)))

		waiter.plan("bad", taskPlan{status: models.FailedRemoteTaskStatus, errMsg: "exit code 1"})

		result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
			Name: "mixed",
			Tasks: []models.TaskSpec{
				{ID: "good", Command: "scan a"},
				{ID: "bad", Command: "scan b"},
			},
			AutonomyLevel: 5,
		})
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Completed)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, "exit code 1", result.Outcomes["bad"].Error)

		wf, err := svc.GetWorkflow(result.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)

		entries, err := svc.AuditTrail(result.WorkflowID)
		require.NoError(t, err)
		assert.Len(t, entriesOfType(entries, models.WorkflowFailedEvent), 1)
	})

	t.Run("no suitable agent fails only the task", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newTestService(t, store, service.WithCompletionWaiter(newScriptedWaiter(store)))

		result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
			Name: "unmatchable",
			Tasks: []models.TaskSpec{
				{ID: "solo", Command: "scan the perimeter"},
			},
			AutonomyLevel: 5,
		})
		require.NoError(t, err)

		assert.False(t, result.Success)
		outcome := result.Outcomes["solo"]
		assert.Equal(t, models.FailedRemoteTaskStatus, outcome.Status)
		assert.Contains(t, outcome.Error, "no suitable agent")
		assert.Empty(t, outcome.RemoteTaskID)

		entries, err := svc.AuditTrail(result.WorkflowID)
		require.NoError(t, err)
		assert.Empty(t, entriesOfType(entries, models.AgentMatchedEvent))
		assert.Empty(t, entriesOfType(entries, models.TaskDispatchedEvent))
		assert.Len(t, entriesOfType(entries, models.TaskFailedEvent), 1)
	})
}

func TestSubmitWorkflow_InvalidSubmission(t *testing.T) {
	store := storage.NewMockStore()
	svc := newTestService(t, store, service.WithCompletionWaiter(newScriptedWaiter(store)))

	cases := []struct {
		name string
		sub  service.WorkflowSubmission
	}{
		{
			name: "no tasks",
			sub:  service.WorkflowSubmission{Name: "empty", AutonomyLevel: 5},
		},
		{
			name: "duplicate task ids",
			sub: service.WorkflowSubmission{
				Name: "dupes",
				Tasks: []models.TaskSpec{
					{ID: "a", Command: "x"},
					{ID: "a", Command: "y"},
				},
				AutonomyLevel: 5,
			},
		},
		{
			name: "empty command",
			sub: service.WorkflowSubmission{
				Name:          "blank",
				Tasks:         []models.TaskSpec{{ID: "a"}},
				AutonomyLevel: 5,
			},
		},
		{
			name: "autonomy level out of range",
			sub: service.WorkflowSubmission{
				Name:          "wild",
				Tasks:         []models.TaskSpec{{ID: "a", Command: "x"}},
				AutonomyLevel: 11,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitWorkflow(context.Background(), tc.sub)
			var cfgErr *service.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}

	// Every rejection happens before anything is persisted.
	workflows, err := svc.ListWorkflows()
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestSubmitWorkflow_PollingTracksCompletion(t *testing.T) {
	store := storage.NewMockStore()
	fabric := &fakeFabric{store: store, complete: true, delay: 15 * time.Millisecond}
	svc := newTestService(t, store,
		service.WithConfig(service.Config{PollInterval: 5 * time.Millisecond}),
		service.WithNotifier(fabric),
	)
	require.NoError(t, svc.RegisterAgent(testAgent("agent-1", []string{"recon"}, 90)))

	result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
		Name: "live-poll",
		Tasks: []models.TaskSpec{
			{ID: "sweep", Command: "discover 192.168.1.0/24", Capabilities: []string{"recon"}},
		},
		AutonomyLevel: 5,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "scan finished", result.Outcomes["sweep"].Output)
}

func TestSubmitWorkflow_RemoteTimeout(t *testing.T) {
	store := storage.NewMockStore()
	fabric := &fakeFabric{store: store, complete: false}
	svc := newTestService(t, store,
		service.WithConfig(service.Config{
			PollInterval:       5 * time.Millisecond,
			DefaultTaskTimeout: 30 * time.Millisecond,
		}),
		service.WithNotifier(fabric),
	)
	require.NoError(t, svc.RegisterAgent(testAgent("agent-1", nil, 90)))

	result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
		Name: "stuck",
		Tasks: []models.TaskSpec{
			{ID: "hang", Command: "scan --slow"},
		},
		AutonomyLevel: 5,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	outcome := result.Outcomes["hang"]
	assert.Equal(t, models.FailedRemoteTaskStatus, outcome.Status)
	assert.Contains(t, outcome.Error, "timed out")
}

func TestSubmitWorkflow_ApprovalFlag(t *testing.T) {
	run := func(t *testing.T, autonomy int) models.RemoteTask {
		store := storage.NewMockStore()
		svc := newTestService(t, store, service.WithCompletionWaiter(newScriptedWaiter(store)))
		require.NoError(t, svc.RegisterAgent(testAgent("agent-1", []string{"recon"}, 90)))

		result, err := svc.SubmitWorkflow(context.Background(), service.WorkflowSubmission{
			Name: "flagged",
			Tasks: []models.TaskSpec{
				{ID: "look", Command: "survey target", Capabilities: []string{"recon"}},
			},
			AutonomyLevel: autonomy,
		})
		require.NoError(t, err)
		tasks, err := svc.RemoteTasks(result.WorkflowID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		return tasks[0]
	}

	t.Run("low autonomy dispatches with approval required", func(t *testing.T) {
		assert.True(t, run(t, 2).ApprovalRequired)
	})
	t.Run("higher autonomy dispatches without", func(t *testing.T) {
		assert.False(t, run(t, 6).ApprovalRequired)
	})
}
