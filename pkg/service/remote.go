package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

// Workflow-originated tasks always dispatch at high priority.
const workflowTaskPriority = "high"

// CompletionWaiter blocks until a dispatched record reaches a terminal
// status. The polling implementation is the default; a push-based waiter
// can replace it without touching the scheduler.
type CompletionWaiter interface {
	AwaitCompletion(ctx context.Context, remoteTaskID string, timeout time.Duration) (models.RemoteTask, error)
}

// pollingWaiter re-reads the record on a fixed interval, so every status
// transition is observed up to one interval late. The trade-off for not
// having a push channel from the execution fabric.
type pollingWaiter struct {
	store    storage.Store
	interval time.Duration
}

func (w *pollingWaiter) AwaitCompletion(ctx context.Context, remoteTaskID string, timeout time.Duration) (models.RemoteTask, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		task, err := w.store.GetRemoteTask(remoteTaskID)
		if err != nil {
			return models.RemoteTask{}, errors.Wrapf(err, "poll remote task %s", remoteTaskID)
		}
		if task.Status.Terminal() {
			return task, nil
		}
		if time.Now().After(deadline) {
			return task, ErrRemoteTimeout
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatchTask writes the durable record that hands one task to the
// execution fabric. The record is the only dispatch channel; agents are
// never called directly.
func (s *OrchestrationService) dispatchTask(wf models.Workflow, spec models.TaskSpec, agentID string) (models.RemoteTask, error) {
	now := time.Now()
	task := models.RemoteTask{
		ID:               uuid.NewString(),
		WorkflowID:       wf.ID,
		TaskID:           spec.ID,
		AgentID:          agentID,
		Command:          spec.Command,
		Params:           spec.Params,
		Status:           models.QueuedRemoteTaskStatus,
		Priority:         workflowTaskPriority,
		Timeout:          s.cfg.DefaultTaskTimeout,
		ApprovalRequired: wf.AutonomyLevel <= approvalAutonomyThreshold,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveRemoteTask(task); err != nil {
		return models.RemoteTask{}, errors.Wrapf(err, "dispatch task '%s'", spec.ID)
	}
	s.audit.record(wf.ID, models.TaskDispatchedEvent, map[string]any{
		"task_id":        spec.ID,
		"remote_task_id": task.ID,
		"agent_id":       agentID,
	})
	if s.notifier != nil {
		if err := s.notifier.AnnounceTask(task); err != nil {
			s.logger.Warnf("Failed to announce task '%s' to agent '%s': %v", task.ID, agentID, err)
		}
	}
	return task, nil
}

// awaitOutcome drives one dispatched record to its terminal outcome and
// collects the freshest result for completed work.
func (s *OrchestrationService) awaitOutcome(ctx context.Context, spec models.TaskSpec, task models.RemoteTask) models.TaskOutcome {
	outcome := models.TaskOutcome{
		TaskID:       spec.ID,
		RemoteTaskID: task.ID,
		AgentID:      task.AgentID,
	}

	final, err := s.waiter.AwaitCompletion(ctx, task.ID, task.Timeout)
	if err != nil {
		outcome.Status = models.FailedRemoteTaskStatus
		outcome.Error = err.Error()
		s.audit.record(task.WorkflowID, models.TaskFailedEvent, map[string]any{
			"task_id": spec.ID,
			"reason":  err.Error(),
		})
		return outcome
	}

	outcome.Status = final.Status
	switch final.Status {
	case models.CompletedRemoteTaskStatus:
		result, err := s.store.GetLatestTaskResult(task.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Errorf("Failed to fetch result for remote task %s: %v", task.ID, err)
		}
		outcome.Output = result.Output
		s.audit.record(task.WorkflowID, models.TaskCompletedEvent, map[string]any{
			"task_id":  spec.ID,
			"agent_id": task.AgentID,
		})
	case models.FailedRemoteTaskStatus:
		outcome.Error = final.ErrorMsg
		s.audit.record(task.WorkflowID, models.TaskFailedEvent, map[string]any{
			"task_id": spec.ID,
			"reason":  final.ErrorMsg,
		})
	case models.CancelledRemoteTaskStatus:
		// Cancellations are covered by the kill switch audit entry.
		outcome.Error = final.ErrorMsg
	}
	return outcome
}
