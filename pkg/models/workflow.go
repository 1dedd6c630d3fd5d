package models

import "time"

type WorkflowStatus string

const (
	PendingWorkflowStatus   WorkflowStatus = "pending"
	RunningWorkflowStatus   WorkflowStatus = "running"
	CompletedWorkflowStatus WorkflowStatus = "completed"
	FailedWorkflowStatus    WorkflowStatus = "failed"
)

// Workflow represents one submitted batch of tasks executed under a single
// autonomy level and safety snapshot.
type Workflow struct {
	ID            string         `json:"id" db:"id"`                               // UUID
	Name          string         `json:"name" db:"name"`                           // Descriptive name (e.g., "perimeter-sweep")
	Status        WorkflowStatus `json:"status" db:"status"`                       // "pending", "running", "completed", "failed"
	AutonomyLevel int            `json:"autonomy_level" db:"autonomy_level"`       // 1 (tight oversight) to 10 (full autonomy)
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`               // Submission timestamp
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`               // Last update timestamp
	StartedAt     *time.Time     `json:"started_at,omitempty" db:"started_at"`     // Nullable execution start
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"` // Nullable terminal timestamp
}

// TaskOutcome is the per-task entry in a WorkflowResult.
type TaskOutcome struct {
	TaskID       string           `json:"task_id"`                  // Declared spec id
	RemoteTaskID string           `json:"remote_task_id,omitempty"` // Dispatched record, empty if never dispatched
	AgentID      string           `json:"agent_id,omitempty"`       // Assigned agent, empty if no match
	Status       RemoteTaskStatus `json:"status"`                   // Terminal status reached
	Output       string           `json:"output,omitempty"`         // Most recent collected result
	Error        string           `json:"error,omitempty"`          // Failure detail
}

// WorkflowResult summarizes a finished workflow run. Success means every
// task completed; individual failures are reported here rather than as an
// error from the submitting call.
type WorkflowResult struct {
	WorkflowID  string                 `json:"workflow_id"`
	Success     bool                   `json:"success"`
	Outcomes    map[string]TaskOutcome `json:"outcomes"`    // Keyed by declared task id
	Assignments map[string]string      `json:"assignments"` // Declared task id to agent id
	Total       int                    `json:"total"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
}
