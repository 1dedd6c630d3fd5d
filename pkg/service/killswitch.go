package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vantorsec/opflow/pkg/models"
)

// ActivateKillSwitch emergency-cancels a workflow: every record still in a
// cancellable state moves to cancelled, the workflow is marked failed, and
// one terminal audit entry plus a KillSwitchEvent are written. A repeat
// activation finds nothing left to cancel, so task statuses stay unchanged.
func (s *OrchestrationService) ActivateKillSwitch(workflowID string, reason models.KillReason, details string) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin kill switch transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if _, err = txStore.GetWorkflow(workflowID); err != nil {
		return errors.Wrapf(err, "kill switch: workflow %s", workflowID)
	}

	cancelled, err := txStore.CancelRemoteTasks(workflowID, "kill switch: "+string(reason))
	if err != nil {
		return errors.Wrapf(err, "cancel tasks of workflow %s", workflowID)
	}
	if err = txStore.UpdateWorkflowStatus(workflowID, models.FailedWorkflowStatus); err != nil {
		return errors.Wrapf(err, "fail workflow %s", workflowID)
	}
	event := models.KillSwitchEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Reason:     reason,
		Details:    details,
		CreatedAt:  time.Now(),
	}
	if err = txStore.SaveKillSwitchEvent(event); err != nil {
		return errors.Wrap(err, "save kill switch event")
	}
	s.audit.recordIn(txStore, workflowID, models.KillSwitchActivatedEvent, map[string]any{
		"reason":          string(reason),
		"cancelled_tasks": cancelled,
		"details":         details,
	})
	s.logger.Errorf("Kill switch activated for workflow %s: %s (%d tasks cancelled)", workflowID, reason, cancelled)

	if s.notifier != nil {
		if announceErr := s.notifier.AnnounceKill(workflowID, reason); announceErr != nil {
			s.logger.Warnf("Failed to announce kill switch for workflow %s: %v", workflowID, announceErr)
		}
	}
	return nil
}

// CheckKillSwitchTriggers evaluates the polled triggers for a workflow:
// wall clock beyond the tier's execution budget, or more failed tasks than
// the engine tolerates. The scheduler calls it between waves; external
// watchdogs may call it on a timer. It only reports; the caller decides to
// activate.
func (s *OrchestrationService) CheckKillSwitchTriggers(workflowID string, limits models.SafetyLimits) (models.KillReason, bool, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return "", false, errors.Wrapf(err, "check triggers for workflow %s", workflowID)
	}

	start := wf.CreatedAt
	if wf.StartedAt != nil {
		start = *wf.StartedAt
	}
	if limits.MaxExecutionTime > 0 && time.Since(start) > limits.MaxExecutionTime {
		return models.TimeoutKillReason, true, nil
	}

	failed, err := s.store.CountRemoteTasks(workflowID, models.FailedRemoteTaskStatus)
	if err != nil {
		return "", false, errors.Wrapf(err, "count failed tasks for workflow %s", workflowID)
	}
	if failed > s.cfg.FailedTaskThreshold {
		return models.CriticalErrorKillReason, true, nil
	}
	return "", false, nil
}

// KillSwitchEvents lists the recorded activations for a workflow.
func (s *OrchestrationService) KillSwitchEvents(workflowID string) ([]models.KillSwitchEvent, error) {
	return s.store.ListKillSwitchEvents(workflowID)
}
