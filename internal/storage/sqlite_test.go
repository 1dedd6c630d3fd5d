package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/vantorsec/opflow/internal/storage"
	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

func newSQLiteStore(t *testing.T) *internal_storage.SQLiteStore {
	t.Helper()
	store, err := internal_storage.NewSQLiteStore(filepath.Join(t.TempDir(), "opflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	t.Run("workflow lifecycle", func(t *testing.T) {
		store := newSQLiteStore(t)
		require.NoError(t, store.SaveWorkflow(testWorkflow("wf-1")))

		saved, err := store.GetWorkflow("wf-1")
		require.NoError(t, err)
		assert.Equal(t, "perimeter-sweep", saved.Name)
		assert.Equal(t, 5, saved.AutonomyLevel)
		assert.Nil(t, saved.StartedAt)

		require.NoError(t, store.UpdateWorkflowStatus("wf-1", models.RunningWorkflowStatus))
		running, err := store.GetWorkflow("wf-1")
		require.NoError(t, err)
		assert.Equal(t, models.RunningWorkflowStatus, running.Status)
		assert.NotNil(t, running.StartedAt)

		require.NoError(t, store.UpdateWorkflowStatus("wf-1", models.CompletedWorkflowStatus))
		done, err := store.GetWorkflow("wf-1")
		require.NoError(t, err)
		assert.NotNil(t, done.CompletedAt)

		_, err = store.GetWorkflow("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("agents upsert and roundtrip capabilities", func(t *testing.T) {
		store := newSQLiteStore(t)
		now := time.Now()
		agent := models.ExecutionAgent{
			ID:                "agent-1",
			Name:              "One",
			Status:            models.ConnectedAgentStatus,
			Capabilities:      []string{"port_scan", "web_scan"},
			ConnectionQuality: 70,
			Type:              "linux_implant",
			LastSeenAt:        now,
			RegisteredAt:      now,
		}
		require.NoError(t, store.SaveAgent(agent))

		agent.ConnectionQuality = 30
		require.NoError(t, store.SaveAgent(agent))

		saved, err := store.GetAgent("agent-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"port_scan", "web_scan"}, saved.Capabilities)
		assert.Equal(t, 30, saved.ConnectionQuality)

		agents, err := store.ListAgents()
		require.NoError(t, err)
		assert.Len(t, agents, 1)

		require.NoError(t, store.UpdateAgentStatus("agent-1", models.KilledAgentStatus))
		killed, err := store.GetAgent("agent-1")
		require.NoError(t, err)
		assert.Equal(t, models.KilledAgentStatus, killed.Status)
	})

	t.Run("remote tasks and cancellation", func(t *testing.T) {
		store := newSQLiteStore(t)
		require.NoError(t, store.SaveWorkflow(testWorkflow("wf-1")))
		base := time.Now()
		require.NoError(t, store.SaveRemoteTask(testRemoteTask("rt-1", "wf-1", "agent-1", models.QueuedRemoteTaskStatus, base)))
		require.NoError(t, store.SaveRemoteTask(testRemoteTask("rt-2", "wf-1", "agent-1", models.RunningRemoteTaskStatus, base.Add(time.Second))))
		require.NoError(t, store.SaveRemoteTask(testRemoteTask("rt-3", "wf-1", "agent-2", models.CompletedRemoteTaskStatus, base.Add(2*time.Second))))

		saved, err := store.GetRemoteTask("rt-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"depth": "2"}, saved.Params)
		assert.Equal(t, 10*time.Minute, saved.Timeout)
		assert.True(t, saved.ApprovalRequired)

		tasks, err := store.ListRemoteTasks("wf-1")
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, "rt-1", tasks[0].ID)

		active, err := store.CountActiveAgentTasks("agent-1")
		require.NoError(t, err)
		assert.Equal(t, 2, active)

		n, err := store.CancelRemoteTasks("wf-1", "kill switch activated")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		cancelled, err := store.CountRemoteTasks("wf-1", models.CancelledRemoteTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 2, cancelled)
	})

	t.Run("task results keep the newest", func(t *testing.T) {
		store := newSQLiteStore(t)
		require.NoError(t, store.SaveWorkflow(testWorkflow("wf-1")))
		now := time.Now()
		require.NoError(t, store.SaveRemoteTask(testRemoteTask("rt-1", "wf-1", "agent-1", models.CompletedRemoteTaskStatus, now)))
		require.NoError(t, store.SaveTaskResult(models.TaskResult{
			ID: "res-1", RemoteTaskID: "rt-1", Output: "first", CollectedAt: now.Add(-time.Minute),
		}))
		require.NoError(t, store.SaveTaskResult(models.TaskResult{
			ID: "res-2", RemoteTaskID: "rt-1", Output: "second", CollectedAt: now,
		}))

		latest, err := store.GetLatestTaskResult("rt-1")
		require.NoError(t, err)
		assert.Equal(t, "second", latest.Output)

		_, err = store.GetLatestTaskResult("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("audit log sequence", func(t *testing.T) {
		store := newSQLiteStore(t)
		require.NoError(t, store.SaveWorkflow(testWorkflow("wf-1")))
		now := time.Now()

		first, err := store.SaveAuditEntry(models.AuditEntry{
			WorkflowID: "wf-1", EventType: models.WorkflowSubmittedEvent,
			Severity: models.InfoSeverity, Message: "workflow submitted for execution",
			Metadata: map[string]any{"autonomy_level": float64(5)}, CreatedAt: now,
		})
		require.NoError(t, err)
		second, err := store.SaveAuditEntry(models.AuditEntry{
			WorkflowID: "wf-1", EventType: models.TaskDispatchedEvent,
			Severity: models.InfoSeverity, Message: "remote task created for agent", CreatedAt: now,
		})
		require.NoError(t, err)
		assert.Greater(t, second, first)

		entries, err := store.ListAuditEntries("wf-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, float64(5), entries[0].Metadata["autonomy_level"])
	})

	t.Run("kill switch events", func(t *testing.T) {
		store := newSQLiteStore(t)
		require.NoError(t, store.SaveWorkflow(testWorkflow("wf-1")))
		require.NoError(t, store.SaveKillSwitchEvent(models.KillSwitchEvent{
			ID: "kse-1", WorkflowID: "wf-1", Reason: models.TimeoutKillReason,
			Details: "budget exhausted", CreatedAt: time.Now(),
		}))

		events, err := store.ListKillSwitchEvents("wf-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.TimeoutKillReason, events[0].Reason)
	})

	t.Run("transaction rollback discards writes", func(t *testing.T) {
		store := newSQLiteStore(t)
		tx, err := store.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.SaveWorkflow(testWorkflow("wf-tx")))
		require.NoError(t, tx.Rollback())

		_, err = store.GetWorkflow("wf-tx")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
