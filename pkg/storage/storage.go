package storage

import (
	"github.com/pkg/errors"

	"github.com/vantorsec/opflow/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations the orchestrator needs. Begin
// returns a transactional view of the same interface; Commit and Rollback
// only work on that view.
type Store interface {
	// Workflow operations
	SaveWorkflow(w models.Workflow) error
	GetWorkflow(id string) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflowStatus(id string, status models.WorkflowStatus) error

	// Agent operations. Agent records are owned by the execution fabric;
	// SaveAgent upserts so heartbeats can refresh them.
	SaveAgent(a models.ExecutionAgent) error
	GetAgent(id string) (models.ExecutionAgent, error)
	ListAgents() ([]models.ExecutionAgent, error)
	UpdateAgentStatus(id string, status models.AgentStatus) error

	// Remote task operations
	SaveRemoteTask(t models.RemoteTask) error
	GetRemoteTask(id string) (models.RemoteTask, error)
	ListRemoteTasks(workflowID string) ([]models.RemoteTask, error)
	UpdateRemoteTaskStatus(id string, status models.RemoteTaskStatus, errorMsg string) error
	// CancelRemoteTasks moves every queued, assigned or running task of the
	// workflow to cancelled and returns how many rows changed.
	CancelRemoteTasks(workflowID, reason string) (int64, error)
	CountRemoteTasks(workflowID string, status models.RemoteTaskStatus) (int, error)
	// CountActiveAgentTasks reports how many non-terminal tasks an agent
	// currently holds.
	CountActiveAgentTasks(agentID string) (int, error)

	// Task result operations
	SaveTaskResult(r models.TaskResult) error
	GetLatestTaskResult(remoteTaskID string) (models.TaskResult, error)

	// Audit operations. The trail is append-only: entries are never updated
	// or deleted.
	SaveAuditEntry(e models.AuditEntry) (int64, error)
	ListAuditEntries(workflowID string) ([]models.AuditEntry, error)

	// Kill switch operations
	SaveKillSwitchEvent(e models.KillSwitchEvent) error
	ListKillSwitchEvents(workflowID string) ([]models.KillSwitchEvent, error)

	// Transaction control
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error
}
