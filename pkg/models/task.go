package models

import "time"

// TaskSpec declares a unit of work inside a workflow submission. Specs are
// not persisted; the scheduler turns each one into a RemoteTask once its
// dependencies have completed.
type TaskSpec struct {
	ID                 string         `json:"id" yaml:"id"`                                                // Unique within the workflow (e.g., "recon")
	Command            string         `json:"command" yaml:"command"`                                      // Command line the agent will run
	Capabilities       []string       `json:"capabilities,omitempty" yaml:"capabilities"`                  // Capabilities the agent must advertise
	Params             map[string]any `json:"params,omitempty" yaml:"params"`                              // Free-form execution parameters
	DependsOn          []string       `json:"depends_on,omitempty" yaml:"depends_on"`                      // Task IDs that must complete first
	PreferredAgentType string         `json:"preferred_agent_type,omitempty" yaml:"preferred_agent_type"`  // Optional agent platform hint
}

type RemoteTaskStatus string

const (
	QueuedRemoteTaskStatus    RemoteTaskStatus = "queued"
	AssignedRemoteTaskStatus  RemoteTaskStatus = "assigned"
	RunningRemoteTaskStatus   RemoteTaskStatus = "running"
	CompletedRemoteTaskStatus RemoteTaskStatus = "completed"
	FailedRemoteTaskStatus    RemoteTaskStatus = "failed"
	CancelledRemoteTaskStatus RemoteTaskStatus = "cancelled"
)

// Terminal reports whether the execution fabric will never move a task out
// of this status.
func (s RemoteTaskStatus) Terminal() bool {
	switch s {
	case CompletedRemoteTaskStatus, FailedRemoteTaskStatus, CancelledRemoteTaskStatus:
		return true
	}
	return false
}

// RemoteTask is the persisted record of a dispatched task. The orchestrator
// creates it, the execution fabric advances its status, and the lifecycle
// tracker observes it by polling.
type RemoteTask struct {
	ID               string           `json:"id" db:"id"`                               // UUID
	WorkflowID       string           `json:"workflow_id" db:"workflow_id"`             // Parent workflow
	TaskID           string           `json:"task_id" db:"task_id"`                     // Declared spec id within the workflow
	AgentID          string           `json:"agent_id" db:"agent_id"`                   // Assigned agent
	Command          string           `json:"command" db:"command"`                     // Command line to execute
	Params           map[string]any   `json:"params,omitempty" db:"params"`             // Execution parameters (JSON column)
	Status           RemoteTaskStatus `json:"status" db:"status"`                       // "queued" through terminal states
	Priority         string           `json:"priority" db:"priority"`                   // Workflow-originated work is "high"
	Timeout          time.Duration    `json:"timeout" db:"timeout"`                     // Per-task execution budget (stored as nanoseconds)
	ApprovalRequired bool             `json:"approval_required" db:"approval_required"` // Set for low-autonomy workflows
	ErrorMsg         string           `json:"error,omitempty" db:"error_msg"`           // Failure or cancellation detail
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`               // Dispatch timestamp
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`               // Last status transition
}

// TaskResult holds output collected from an agent for a finished task.
// Agents may report several results; consumers read the most recent one.
type TaskResult struct {
	ID           string    `json:"id" db:"id"`                         // UUID
	RemoteTaskID string    `json:"remote_task_id" db:"remote_task_id"` // Owning task record
	Output       string    `json:"output" db:"output"`                 // Raw agent output
	CollectedAt  time.Time `json:"collected_at" db:"collected_at"`     // Collection timestamp
}
