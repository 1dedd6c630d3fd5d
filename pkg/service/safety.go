package service

import (
	"strings"
	"time"

	"github.com/vantorsec/opflow/pkg/models"
)

// Autonomy tier boundaries. Levels run 1 (tight oversight) to 10 (full
// autonomy); each tier fixes the ceilings a workflow runs under.
const (
	supervisedMaxAutonomy = 3
	guardedMaxAutonomy    = 5
	standardMaxAutonomy   = 7
	maxAutonomyLevel      = 10
)

// approvalAutonomyThreshold marks the levels whose dispatched tasks carry
// the approval-required flag.
const approvalAutonomyThreshold = 3

// Commands no autonomy tier may run. Matched as case-insensitive substrings
// of the declared command text; advisory inspection, not sandboxing.
var baseForbiddenCommands = []string{
	"rm -rf",
	"mkfs",
	"dd if=/dev/zero",
	"format c:",
	":(){",
	"shutdown -h",
	"halt -f",
}

// Additional patterns refused at the two lower tiers.
var lowTierForbiddenCommands = []string{
	"del /f /s /q",
	"vssadmin delete shadows",
	"cipher /w",
}

// DeriveSafetyLimits resolves the tier for an autonomy level and merges the
// caller's overrides on top. The result is a per-workflow snapshot; later
// tier table changes never affect a running workflow.
func DeriveSafetyLimits(autonomyLevel int, overrides *models.SafetyOverrides) (models.SafetyLimits, error) {
	if autonomyLevel < 1 || autonomyLevel > maxAutonomyLevel {
		return models.SafetyLimits{}, &ConfigurationError{
			Detail: "autonomy level must be between 1 and 10",
		}
	}
	return overrides.Apply(tierLimits(autonomyLevel)), nil
}

func tierLimits(autonomyLevel int) models.SafetyLimits {
	switch {
	case autonomyLevel <= supervisedMaxAutonomy:
		return models.SafetyLimits{
			MaxConcurrentAgents: 1,
			MaxTasksPerAgent:    2,
			MaxExecutionTime:    5 * time.Minute,
			AllowedCapabilities: []string{"recon", "scan", "enum", "fingerprint"},
			ForbiddenCommands:   forbidden(lowTierForbiddenCommands),
			ApprovalRequired:    []string{"exploit", "payload", "persistence", "exfiltration"},
			MaxExfiltrationMB:   10,
		}
	case autonomyLevel <= guardedMaxAutonomy:
		return models.SafetyLimits{
			MaxConcurrentAgents: 3,
			MaxTasksPerAgent:    3,
			MaxExecutionTime:    15 * time.Minute,
			AllowedCapabilities: []string{"recon", "scan", "enum", "fingerprint", "vuln", "crack", "brute"},
			ForbiddenCommands:   forbidden(lowTierForbiddenCommands),
			ApprovalRequired:    []string{"exploit", "persistence", "exfiltration"},
			MaxExfiltrationMB:   100,
		}
	case autonomyLevel <= standardMaxAutonomy:
		return models.SafetyLimits{
			MaxConcurrentAgents:      5,
			MaxTasksPerAgent:         5,
			MaxExecutionTime:         30 * time.Minute,
			AllowedCapabilities:      []string{"recon", "scan", "enum", "fingerprint", "vuln", "crack", "brute", "exploit", "payload", "post"},
			ForbiddenCommands:        forbidden(nil),
			ApprovalRequired:         []string{"persistence", "exfiltration"},
			MaxExfiltrationMB:        500,
			AllowPrivilegeEscalation: true,
		}
	default:
		return models.SafetyLimits{
			MaxConcurrentAgents:      10,
			MaxTasksPerAgent:         10,
			MaxExecutionTime:         60 * time.Minute,
			AllowedCapabilities:      []string{"recon", "scan", "enum", "fingerprint", "vuln", "crack", "brute", "exploit", "payload", "post", "persistence", "exfiltration", "lateral", "privilege", "cleanup"},
			ForbiddenCommands:        forbidden(nil),
			ApprovalRequired:         nil,
			MaxExfiltrationMB:        2000,
			AllowPrivilegeEscalation: true,
			AllowLateralMovement:     true,
			AllowDestructiveOps:      true,
		}
	}
}

func forbidden(extra []string) []string {
	out := make([]string, 0, len(baseForbiddenCommands)+len(extra))
	out = append(out, baseForbiddenCommands...)
	out = append(out, extra...)
	return out
}

// CommandPolicy decides whether a command trips one of the forbidden
// patterns. The default implementation matches case-insensitive substrings;
// a stricter matcher can be swapped in without touching validation.
type CommandPolicy interface {
	Violates(command string, forbidden []string) (string, bool)
}

type substringCommandPolicy struct{}

func (substringCommandPolicy) Violates(command string, forbidden []string) (string, bool) {
	lowered := strings.ToLower(command)
	for _, pattern := range forbidden {
		if strings.Contains(lowered, strings.ToLower(pattern)) {
			return pattern, true
		}
	}
	return "", false
}

// validateBatch checks the whole task batch against the limits before any
// dispatch. It fails fast on the first violation; every refusal and every
// clean pass lands in the audit trail. Approval-listed capabilities are
// flagged but do not refuse the batch.
func (s *OrchestrationService) validateBatch(workflowID string, tasks []models.TaskSpec, limits models.SafetyLimits) error {
	ceiling := limits.MaxConcurrentAgents * limits.MaxTasksPerAgent
	if len(tasks) > ceiling {
		s.audit.record(workflowID, models.TaskLimitExceededEvent, map[string]any{
			"task_count": len(tasks),
			"ceiling":    ceiling,
		})
		return &SafetyViolationError{
			Rule:   "task_limit",
			Detail: "batch exceeds the autonomy tier task ceiling",
		}
	}

	for _, t := range tasks {
		if pattern, bad := s.commands.Violates(t.Command, limits.ForbiddenCommands); bad {
			s.audit.record(workflowID, models.ForbiddenCommandEvent, map[string]any{
				"task_id": t.ID,
				"pattern": pattern,
			})
			return &SafetyViolationError{
				Rule:   "forbidden_command",
				Detail: "task " + t.ID + " command matches forbidden pattern " + pattern,
			}
		}
	}

	for _, t := range tasks {
		for _, capability := range t.Capabilities {
			if !capabilityAllowed(capability, limits.AllowedCapabilities) {
				s.audit.record(workflowID, models.CapabilityViolationEvent, map[string]any{
					"task_id":    t.ID,
					"capability": capability,
				})
				return &SafetyViolationError{
					Rule:   "capability_violation",
					Detail: "task " + t.ID + " capability " + capability + " outside allowed categories",
				}
			}
		}
	}

	for _, t := range tasks {
		for _, capability := range t.Capabilities {
			if capabilityListed(capability, limits.ApprovalRequired) {
				s.audit.record(workflowID, models.ApprovalRequiredEvent, map[string]any{
					"task_id":    t.ID,
					"capability": capability,
				})
			}
		}
	}

	s.audit.record(workflowID, models.SafetyCheckPassedEvent, map[string]any{
		"task_count": len(tasks),
	})
	return nil
}

// capabilityAllowed reports whether the capability substring-matches any
// allowed category, e.g. "port_scan" matches the category "scan".
func capabilityAllowed(capability string, categories []string) bool {
	for _, category := range categories {
		if strings.Contains(capability, category) {
			return true
		}
	}
	return false
}

func capabilityListed(capability string, listed []string) bool {
	for _, entry := range listed {
		if strings.Contains(capability, entry) {
			return true
		}
	}
	return false
}
