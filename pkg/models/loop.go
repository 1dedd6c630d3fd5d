package models

import "time"

type LoopStatus string

const (
	RunningLoopStatus       LoopStatus = "running"
	CompletedLoopStatus     LoopStatus = "completed"
	FailedLoopStatus        LoopStatus = "failed"
	MaxIterationsLoopStatus LoopStatus = "max_iterations_reached"
	TimeoutLoopStatus       LoopStatus = "timeout"
	StagnantLoopStatus      LoopStatus = "stagnant"
)

// Terminal reports whether the loop has stopped for good.
func (s LoopStatus) Terminal() bool {
	return s != RunningLoopStatus
}

// ExitCondition names a keyword test applied to loop output after every
// iteration.
type ExitCondition string

const (
	FunctionalPocExit          ExitCondition = "functional_poc"
	VulnerabilityConfirmedExit ExitCondition = "vulnerability_confirmed"
	ExploitSuccessfulExit      ExitCondition = "exploit_successful"
)

// LoopAgentConfig declares an agent's participation in refinement loops:
// whether it may start one and which partner it alternates with.
type LoopAgentConfig struct {
	AgentID       string        `json:"agent_id" yaml:"agent_id"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	PartnerID     string        `json:"partner_id" yaml:"partner_id"`
	ExitCondition ExitCondition `json:"exit_condition,omitempty" yaml:"exit_condition"` // Defaults to functional_poc
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations"` // Defaults to 5
	MaxDuration   time.Duration `json:"max_duration,omitempty" yaml:"max_duration"`     // Defaults to 5m
}

// LoopIteration records one agent invocation inside a refinement loop.
type LoopIteration struct {
	Index            int       `json:"index"`              // 1-based
	AgentID          string    `json:"agent_id"`           // Agent invoked for this iteration
	Input            string    `json:"input"`              // Input handed to the agent
	Output           string    `json:"output"`             // Output produced
	Success          bool      `json:"success"`            // Whether the invocation returned without error
	ExitConditionMet bool      `json:"exit_condition_met"` // Whether the output satisfied the exit condition
	CreatedAt        time.Time `json:"created_at"`
}

// LoopExecution tracks a two-agent refinement loop. Loops live in the
// orchestrator's in-memory registry for their lifetime and are not persisted;
// a restart forgets them.
type LoopExecution struct {
	ID                string          `json:"id"`                 // UUID
	AgentAID          string          `json:"agent_a_id"`         // Initiating agent
	AgentBID          string          `json:"agent_b_id"`         // Partner agent
	TargetID          string          `json:"target_id"`          // Objective the loop refines against
	ExitCondition     ExitCondition   `json:"exit_condition"`     // Keyword test ending the loop early
	CurrentIteration  int             `json:"current_iteration"`  // Count of finished iterations
	MaxIterations     int             `json:"max_iterations"`     // Iteration ceiling
	MaxDuration       time.Duration   `json:"max_duration"`       // Wall-clock ceiling
	Status            LoopStatus      `json:"status"`             // "running" until terminal
	TerminationReason string          `json:"termination_reason,omitempty"`
	Iterations        []LoopIteration `json:"iterations"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// LastOutputs returns up to n most recent iteration outputs, oldest first.
func (l *LoopExecution) LastOutputs(n int) []string {
	if n <= 0 || len(l.Iterations) == 0 {
		return nil
	}
	start := len(l.Iterations) - n
	if start < 0 {
		start = 0
	}
	outputs := make([]string, 0, len(l.Iterations)-start)
	for _, it := range l.Iterations[start:] {
		outputs = append(outputs, it.Output)
	}
	return outputs
}
