package models

import "time"

// AuditEventType is the closed set of events the audit trail records. Adding
// a value here requires extending Severity and DefaultMessage.
type AuditEventType string

const (
	WorkflowSubmittedEvent   AuditEventType = "workflow_submitted"
	WorkflowCompletedEvent   AuditEventType = "workflow_completed"
	WorkflowFailedEvent      AuditEventType = "workflow_failed"
	WorkflowBlockedEvent     AuditEventType = "workflow_blocked"
	WaveDispatchedEvent      AuditEventType = "wave_dispatched"
	SafetyCheckPassedEvent   AuditEventType = "safety_check_passed"
	ForbiddenCommandEvent    AuditEventType = "forbidden_command"
	CapabilityViolationEvent AuditEventType = "capability_violation"
	TaskLimitExceededEvent   AuditEventType = "task_limit_exceeded"
	ApprovalRequiredEvent    AuditEventType = "approval_required"
	AgentMatchedEvent        AuditEventType = "agent_matched"
	TaskDispatchedEvent      AuditEventType = "task_dispatched"
	TaskCompletedEvent       AuditEventType = "task_completed"
	TaskFailedEvent          AuditEventType = "task_failed"
	KillSwitchActivatedEvent AuditEventType = "kill_switch_activated"
)

type AuditSeverity string

const (
	InfoSeverity    AuditSeverity = "info"
	WarningSeverity AuditSeverity = "warning"
	ErrorSeverity   AuditSeverity = "error"
)

// Severity classifies the event type. Kill-switch activations and failures
// are errors, safety refusals and approval demands are warnings, routine
// lifecycle events are informational.
func (e AuditEventType) Severity() AuditSeverity {
	switch e {
	case KillSwitchActivatedEvent, WorkflowFailedEvent, WorkflowBlockedEvent, TaskFailedEvent:
		return ErrorSeverity
	case ForbiddenCommandEvent, CapabilityViolationEvent, TaskLimitExceededEvent, ApprovalRequiredEvent:
		return WarningSeverity
	default:
		return InfoSeverity
	}
}

// DefaultMessage is the human-readable description recorded for the event
// type; specifics travel in the entry metadata.
func (e AuditEventType) DefaultMessage() string {
	switch e {
	case WorkflowSubmittedEvent:
		return "workflow submitted for execution"
	case WorkflowCompletedEvent:
		return "workflow completed, all tasks succeeded"
	case WorkflowFailedEvent:
		return "workflow finished with failed tasks"
	case WorkflowBlockedEvent:
		return "workflow blocked, no ready tasks but work remains"
	case WaveDispatchedEvent:
		return "wave of ready tasks dispatched"
	case SafetyCheckPassedEvent:
		return "task batch passed safety validation"
	case ForbiddenCommandEvent:
		return "command matched a forbidden pattern"
	case CapabilityViolationEvent:
		return "capability outside the allowed categories"
	case TaskLimitExceededEvent:
		return "batch size exceeds the autonomy tier ceiling"
	case ApprovalRequiredEvent:
		return "task requires human approval before execution"
	case AgentMatchedEvent:
		return "agent selected for task"
	case TaskDispatchedEvent:
		return "remote task created for agent"
	case TaskCompletedEvent:
		return "remote task completed"
	case TaskFailedEvent:
		return "remote task failed"
	case KillSwitchActivatedEvent:
		return "kill switch activated, workflow cancelled"
	default:
		return string(e)
	}
}

// AuditEntry is one append-only record in the audit trail. Entries without a
// workflow id are operational noise and are logged but never persisted.
type AuditEntry struct {
	ID         int64          `json:"id" db:"id"`                             // Auto-incremented
	WorkflowID string         `json:"workflow_id,omitempty" db:"workflow_id"` // Empty for operational-only events
	EventType  AuditEventType `json:"event_type" db:"event_type"`
	Severity   AuditSeverity  `json:"severity" db:"severity"` // Derived from the event type
	Message    string         `json:"message" db:"message"`   // Derived from the event type
	Metadata   map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
