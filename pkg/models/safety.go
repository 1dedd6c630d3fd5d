package models

import "time"

// SafetyLimits is the ceiling set a workflow runs under, derived from its
// autonomy level before any task is dispatched and immutable for the rest of
// the run.
type SafetyLimits struct {
	MaxConcurrentAgents      int           `json:"max_concurrent_agents"`      // Distinct agents a workflow may occupy
	MaxTasksPerAgent         int           `json:"max_tasks_per_agent"`        // Tasks a single agent may receive
	MaxExecutionTime         time.Duration `json:"max_execution_time"`         // Whole-workflow wall-clock budget
	AllowedCapabilities      []string      `json:"allowed_capabilities"`       // Capability categories, substring-matched
	ForbiddenCommands        []string      `json:"forbidden_commands"`         // Case-insensitive command substrings
	ApprovalRequired         []string      `json:"approval_required"`          // Capabilities demanding human sign-off
	MaxExfiltrationMB        int           `json:"max_exfiltration_mb"`        // Data volume ceiling
	AllowPrivilegeEscalation bool          `json:"allow_privilege_escalation"` // Risk toggle
	AllowLateralMovement     bool          `json:"allow_lateral_movement"`     // Risk toggle
	AllowDestructiveOps      bool          `json:"allow_destructive_ops"`      // Risk toggle
}

// SafetyOverrides selectively replaces fields of a tier's SafetyLimits.
// Only non-nil fields take effect; an override always wins over the tier
// value for its key.
type SafetyOverrides struct {
	MaxConcurrentAgents      *int           `json:"max_concurrent_agents,omitempty"`
	MaxTasksPerAgent         *int           `json:"max_tasks_per_agent,omitempty"`
	MaxExecutionTime         *time.Duration `json:"max_execution_time,omitempty"`
	AllowedCapabilities      []string       `json:"allowed_capabilities,omitempty"`
	ForbiddenCommands        []string       `json:"forbidden_commands,omitempty"`
	ApprovalRequired         []string       `json:"approval_required,omitempty"`
	MaxExfiltrationMB        *int           `json:"max_exfiltration_mb,omitempty"`
	AllowPrivilegeEscalation *bool          `json:"allow_privilege_escalation,omitempty"`
	AllowLateralMovement     *bool          `json:"allow_lateral_movement,omitempty"`
	AllowDestructiveOps      *bool          `json:"allow_destructive_ops,omitempty"`
}

// Apply merges the overrides into the given limits and returns the result.
func (o *SafetyOverrides) Apply(limits SafetyLimits) SafetyLimits {
	if o == nil {
		return limits
	}
	if o.MaxConcurrentAgents != nil {
		limits.MaxConcurrentAgents = *o.MaxConcurrentAgents
	}
	if o.MaxTasksPerAgent != nil {
		limits.MaxTasksPerAgent = *o.MaxTasksPerAgent
	}
	if o.MaxExecutionTime != nil {
		limits.MaxExecutionTime = *o.MaxExecutionTime
	}
	if o.AllowedCapabilities != nil {
		limits.AllowedCapabilities = o.AllowedCapabilities
	}
	if o.ForbiddenCommands != nil {
		limits.ForbiddenCommands = o.ForbiddenCommands
	}
	if o.ApprovalRequired != nil {
		limits.ApprovalRequired = o.ApprovalRequired
	}
	if o.MaxExfiltrationMB != nil {
		limits.MaxExfiltrationMB = *o.MaxExfiltrationMB
	}
	if o.AllowPrivilegeEscalation != nil {
		limits.AllowPrivilegeEscalation = *o.AllowPrivilegeEscalation
	}
	if o.AllowLateralMovement != nil {
		limits.AllowLateralMovement = *o.AllowLateralMovement
	}
	if o.AllowDestructiveOps != nil {
		limits.AllowDestructiveOps = *o.AllowDestructiveOps
	}
	return limits
}

type KillReason string

const (
	ManualKillReason        KillReason = "manual"
	TimeoutKillReason       KillReason = "timeout_exceeded"
	CriticalErrorKillReason KillReason = "critical_error"
)

// KillSwitchEvent records one emergency cancellation of a workflow.
type KillSwitchEvent struct {
	ID         string     `json:"id" db:"id"`                   // UUID
	WorkflowID string     `json:"workflow_id" db:"workflow_id"` // Cancelled workflow
	Reason     KillReason `json:"reason" db:"reason"`           // "manual", "timeout_exceeded", "critical_error"
	Details    string     `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
