package models

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the YAML document accepted by the run command. It
// declares the task batch plus the autonomy level and optional safety
// overrides the batch should run under.
type WorkflowDefinition struct {
	Name            string        `yaml:"name" json:"name"`
	AutonomyLevel   int           `yaml:"autonomy_level" json:"autonomy_level"`
	MaxParallel     int           `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	SafetyOverrides *OverrideSpec `yaml:"safety_overrides,omitempty" json:"safety_overrides,omitempty"`
	Tasks           []TaskSpec    `yaml:"tasks" json:"tasks"`
}

// OverrideSpec is the file form of SafetyOverrides. Durations are strings
// such as "30m" and are parsed when the spec is converted.
type OverrideSpec struct {
	MaxConcurrentAgents      *int     `yaml:"max_concurrent_agents,omitempty" json:"max_concurrent_agents,omitempty"`
	MaxTasksPerAgent         *int     `yaml:"max_tasks_per_agent,omitempty" json:"max_tasks_per_agent,omitempty"`
	MaxExecutionTime         string   `yaml:"max_execution_time,omitempty" json:"max_execution_time,omitempty"`
	AllowedCapabilities      []string `yaml:"allowed_capabilities,omitempty" json:"allowed_capabilities,omitempty"`
	ForbiddenCommands        []string `yaml:"forbidden_commands,omitempty" json:"forbidden_commands,omitempty"`
	ApprovalRequired         []string `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	MaxExfiltrationMB        *int     `yaml:"max_exfiltration_mb,omitempty" json:"max_exfiltration_mb,omitempty"`
	AllowPrivilegeEscalation *bool    `yaml:"allow_privilege_escalation,omitempty" json:"allow_privilege_escalation,omitempty"`
	AllowLateralMovement     *bool    `yaml:"allow_lateral_movement,omitempty" json:"allow_lateral_movement,omitempty"`
	AllowDestructiveOps      *bool    `yaml:"allow_destructive_ops,omitempty" json:"allow_destructive_ops,omitempty"`
}

// Overrides converts the file spec into programmatic SafetyOverrides.
func (o *OverrideSpec) Overrides() (*SafetyOverrides, error) {
	if o == nil {
		return nil, nil
	}
	out := &SafetyOverrides{
		MaxConcurrentAgents:      o.MaxConcurrentAgents,
		MaxTasksPerAgent:         o.MaxTasksPerAgent,
		AllowedCapabilities:      o.AllowedCapabilities,
		ForbiddenCommands:        o.ForbiddenCommands,
		ApprovalRequired:         o.ApprovalRequired,
		MaxExfiltrationMB:        o.MaxExfiltrationMB,
		AllowPrivilegeEscalation: o.AllowPrivilegeEscalation,
		AllowLateralMovement:     o.AllowLateralMovement,
		AllowDestructiveOps:      o.AllowDestructiveOps,
	}
	if o.MaxExecutionTime != "" {
		d, err := time.ParseDuration(o.MaxExecutionTime)
		if err != nil {
			return nil, errors.Wrapf(err, "parse max_execution_time %q", o.MaxExecutionTime)
		}
		out.MaxExecutionTime = &d
	}
	return out, nil
}

// ParseWorkflowDefinition unmarshals and validates a YAML workflow
// definition.
func ParseWorkflowDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "parse workflow definition")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the structural rules a definition must satisfy before
// submission: a name, a sane autonomy level, and uniquely named tasks whose
// dependencies point at declared tasks.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow definition needs a name")
	}
	if d.AutonomyLevel < 1 || d.AutonomyLevel > 10 {
		return errors.Errorf("autonomy_level %d out of range 1-10", d.AutonomyLevel)
	}
	if len(d.Tasks) == 0 {
		return errors.New("workflow definition declares no tasks")
	}
	seen := make(map[string]bool, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			return errors.New("every task needs an id")
		}
		if seen[t.ID] {
			return errors.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Command == "" {
			return errors.Errorf("task %q has no command", t.ID)
		}
	}
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return errors.Errorf("task %q depends on undeclared task %q", t.ID, dep)
			}
		}
	}
	return nil
}
