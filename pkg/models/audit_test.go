package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vantorsec/opflow/pkg/models"
)

func TestAuditEventSeverity(t *testing.T) {
	errorEvents := []models.AuditEventType{
		models.KillSwitchActivatedEvent,
		models.WorkflowFailedEvent,
		models.WorkflowBlockedEvent,
		models.TaskFailedEvent,
	}
	warningEvents := []models.AuditEventType{
		models.ForbiddenCommandEvent,
		models.CapabilityViolationEvent,
		models.TaskLimitExceededEvent,
		models.ApprovalRequiredEvent,
	}
	infoEvents := []models.AuditEventType{
		models.WorkflowSubmittedEvent,
		models.WorkflowCompletedEvent,
		models.WaveDispatchedEvent,
		models.SafetyCheckPassedEvent,
		models.AgentMatchedEvent,
		models.TaskDispatchedEvent,
		models.TaskCompletedEvent,
	}

	for _, e := range errorEvents {
		assert.Equal(t, models.ErrorSeverity, e.Severity(), "event %s", e)
	}
	for _, e := range warningEvents {
		assert.Equal(t, models.WarningSeverity, e.Severity(), "event %s", e)
	}
	for _, e := range infoEvents {
		assert.Equal(t, models.InfoSeverity, e.Severity(), "event %s", e)
	}
}

func TestAuditEventDefaultMessage(t *testing.T) {
	known := []models.AuditEventType{
		models.WorkflowSubmittedEvent,
		models.WorkflowCompletedEvent,
		models.WorkflowFailedEvent,
		models.WorkflowBlockedEvent,
		models.WaveDispatchedEvent,
		models.SafetyCheckPassedEvent,
		models.ForbiddenCommandEvent,
		models.CapabilityViolationEvent,
		models.TaskLimitExceededEvent,
		models.ApprovalRequiredEvent,
		models.AgentMatchedEvent,
		models.TaskDispatchedEvent,
		models.TaskCompletedEvent,
		models.TaskFailedEvent,
		models.KillSwitchActivatedEvent,
	}
	for _, e := range known {
		msg := e.DefaultMessage()
		assert.NotEmpty(t, msg, "event %s", e)
		assert.NotEqual(t, string(e), msg, "event %s should have a real description", e)
	}

	// Unknown events fall back to their raw name.
	assert.Equal(t, "made_up", models.AuditEventType("made_up").DefaultMessage())
}
