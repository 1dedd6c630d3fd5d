package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vantorsec/opflow/pkg/models"
)

// WorkflowSubmission describes one batch of tasks to execute as a workflow.
// MaxParallel of zero falls back to the service configuration.
type WorkflowSubmission struct {
	Name          string
	Tasks         []models.TaskSpec
	AutonomyLevel int
	Overrides     *models.SafetyOverrides
	MaxParallel   int
}

// workflowRun is the in-flight state of one SubmitWorkflow call. It is owned
// by a single goroutine; wave results are merged into it between waves.
type workflowRun struct {
	wf          models.Workflow
	specs       []models.TaskSpec
	limits      models.SafetyLimits
	maxParallel int
	completed   map[string]bool
	failed      map[string]bool
	outcomes    map[string]models.TaskOutcome
	assignments map[string]string
}

// SubmitWorkflow validates, schedules and executes a batch of tasks, blocking
// until the workflow reaches a terminal state. Tasks whose dependencies have
// all completed are dispatched together in waves of at most MaxParallel;
// every task in a wave is awaited before the next wave is computed. The
// returned result carries a terminal outcome for every declared task.
//
// A safety violation, an unsatisfiable dependency graph or an invalid
// submission fails the workflow and returns an error; individual task
// failures do not, they are reported through the result.
func (s *OrchestrationService) SubmitWorkflow(ctx context.Context, sub WorkflowSubmission) (result *models.WorkflowResult, err error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	limits, err := DeriveSafetyLimits(sub.AutonomyLevel, sub.Overrides)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	wf := models.Workflow{
		ID:            uuid.NewString(),
		Name:          sub.Name,
		Status:        models.PendingWorkflowStatus,
		AutonomyLevel: sub.AutonomyLevel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SaveWorkflow(wf); err != nil {
		return nil, errors.Wrap(err, "failed to save workflow")
	}

	ctx, span := startWorkflowSpan(ctx, wf.ID, len(sub.Tasks))
	defer func() { endWorkflowSpan(span, result, err) }()

	s.logger.Infof("Workflow '%s' (%s) submitted with %d tasks at autonomy level %d",
		wf.Name, wf.ID, len(sub.Tasks), sub.AutonomyLevel)
	s.audit.record(wf.ID, models.WorkflowSubmittedEvent, map[string]any{
		"name":           wf.Name,
		"task_count":     len(sub.Tasks),
		"autonomy_level": sub.AutonomyLevel,
	})

	if err := s.validateBatch(wf.ID, sub.Tasks, limits); err != nil {
		if stErr := s.store.UpdateWorkflowStatus(wf.ID, models.FailedWorkflowStatus); stErr != nil {
			s.logger.Errorf("Failed to mark workflow %s failed: %v", wf.ID, stErr)
		}
		return nil, err
	}

	if err := s.store.UpdateWorkflowStatus(wf.ID, models.RunningWorkflowStatus); err != nil {
		return nil, errors.Wrap(err, "failed to start workflow")
	}

	maxParallel := sub.MaxParallel
	if maxParallel <= 0 {
		maxParallel = s.cfg.MaxParallelTasks
	}
	run := &workflowRun{
		wf:          wf,
		specs:       sub.Tasks,
		limits:      limits,
		maxParallel: maxParallel,
		completed:   make(map[string]bool),
		failed:      make(map[string]bool),
		outcomes:    make(map[string]models.TaskOutcome),
		assignments: make(map[string]string),
	}
	return s.executeWaves(ctx, run)
}

// validateSubmission rejects structurally broken batches before anything is
// persisted.
func validateSubmission(sub WorkflowSubmission) error {
	if len(sub.Tasks) == 0 {
		return &ConfigurationError{Detail: "workflow has no tasks"}
	}
	seen := make(map[string]bool, len(sub.Tasks))
	for _, t := range sub.Tasks {
		if t.ID == "" {
			return &ConfigurationError{Detail: "task with empty id"}
		}
		if seen[t.ID] {
			return &ConfigurationError{Detail: fmt.Sprintf("duplicate task id '%s'", t.ID)}
		}
		seen[t.ID] = true
		if t.Command == "" {
			return &ConfigurationError{Detail: fmt.Sprintf("task '%s' has no command", t.ID)}
		}
	}
	return nil
}

// executeWaves runs the wave loop until every task is terminal, the graph
// blocks, or the kill switch fires.
func (s *OrchestrationService) executeWaves(ctx context.Context, run *workflowRun) (*models.WorkflowResult, error) {
	wave := 0
	for run.terminalCount() < len(run.specs) {
		ready := run.readyTasks()
		if len(ready) == 0 {
			remaining := run.remainingIDs()
			s.logger.Errorf("Workflow %s blocked: %d tasks remain with no ready work", run.wf.ID, len(remaining))
			s.audit.record(run.wf.ID, models.WorkflowBlockedEvent, map[string]any{
				"remaining_tasks": remaining,
			})
			if err := s.store.UpdateWorkflowStatus(run.wf.ID, models.FailedWorkflowStatus); err != nil {
				s.logger.Errorf("Failed to mark blocked workflow %s failed: %v", run.wf.ID, err)
			}
			return nil, &WorkflowBlockedError{WorkflowID: run.wf.ID, Remaining: remaining}
		}
		if len(ready) > run.maxParallel {
			ready = ready[:run.maxParallel]
		}
		wave++

		s.audit.record(run.wf.ID, models.WaveDispatchedEvent, map[string]any{
			"wave":     wave,
			"size":     len(ready),
			"task_ids": taskIDs(ready),
		})
		s.logger.Infof("Workflow %s wave %d: dispatching %d tasks", run.wf.ID, wave, len(ready))

		waveCtx, span := startWaveSpan(ctx, run.wf.ID, wave, len(ready))
		outcomes := s.dispatchWave(waveCtx, run.wf, ready)
		span.End()
		for _, o := range outcomes {
			run.record(o)
		}

		interrupted, err := s.interruptedByKillSwitch(run)
		if err != nil {
			return nil, err
		}
		if interrupted {
			run.cancelRemaining("kill switch activated")
			return run.result(), nil
		}
	}
	return s.finishWorkflow(run)
}

// dispatchWave runs one wave concurrently and waits for every task in it to
// reach a terminal outcome.
func (s *OrchestrationService) dispatchWave(ctx context.Context, wf models.Workflow, wave []models.TaskSpec) []models.TaskOutcome {
	outcomes := make([]models.TaskOutcome, len(wave))
	var wg sync.WaitGroup
	for i, spec := range wave {
		wg.Add(1)
		go func(i int, spec models.TaskSpec) {
			defer wg.Done()
			outcomes[i] = s.runTask(ctx, wf, spec)
		}(i, spec)
	}
	wg.Wait()
	return outcomes
}

// runTask matches an agent, dispatches the task and waits for its terminal
// status. Every path produces a terminal outcome; nothing here fails the
// workflow as a whole.
func (s *OrchestrationService) runTask(ctx context.Context, wf models.Workflow, spec models.TaskSpec) models.TaskOutcome {
	ctx, span := startTaskSpan(ctx, spec.ID)
	outcome := s.runTaskInner(ctx, wf, spec)
	endTaskSpan(span, outcome)
	return outcome
}

func (s *OrchestrationService) runTaskInner(ctx context.Context, wf models.Workflow, spec models.TaskSpec) models.TaskOutcome {
	match, err := s.matcher.Match(MatchCriteria{
		RequiredCapabilities: spec.Capabilities,
		PreferredType:        spec.PreferredAgentType,
		MinConnectionQuality: s.cfg.MinConnectionQuality,
		RequireConnected:     true,
	})
	if err != nil {
		s.logger.Errorf("No agent for task '%s' in workflow %s: %v", spec.ID, wf.ID, err)
		s.audit.record(wf.ID, models.TaskFailedEvent, map[string]any{
			"task_id": spec.ID,
			"reason":  err.Error(),
		})
		return models.TaskOutcome{
			TaskID: spec.ID,
			Status: models.FailedRemoteTaskStatus,
			Error:  err.Error(),
		}
	}
	s.audit.record(wf.ID, models.AgentMatchedEvent, map[string]any{
		"task_id":              spec.ID,
		"agent_id":             match.Agent.ID,
		"score":                match.Score,
		"matched_capabilities": match.MatchedCapabilities,
	})

	task, err := s.dispatchTask(wf, spec, match.Agent.ID)
	if err != nil {
		s.logger.Errorf("Failed to dispatch task '%s' in workflow %s: %v", spec.ID, wf.ID, err)
		s.audit.record(wf.ID, models.TaskFailedEvent, map[string]any{
			"task_id":  spec.ID,
			"agent_id": match.Agent.ID,
			"reason":   err.Error(),
		})
		return models.TaskOutcome{
			TaskID:  spec.ID,
			AgentID: match.Agent.ID,
			Status:  models.FailedRemoteTaskStatus,
			Error:   err.Error(),
		}
	}
	return s.awaitOutcome(ctx, spec, task)
}

// interruptedByKillSwitch is evaluated between waves. It notices a kill
// switch activated externally while the wave ran, and evaluates the automatic
// triggers itself, activating the switch when one fires.
func (s *OrchestrationService) interruptedByKillSwitch(run *workflowRun) (bool, error) {
	wf, err := s.store.GetWorkflow(run.wf.ID)
	if err != nil {
		return false, errors.Wrap(err, "failed to re-read workflow between waves")
	}
	if wf.Status == models.FailedWorkflowStatus {
		s.logger.Warnf("Workflow %s was killed externally, stopping scheduling", run.wf.ID)
		return true, nil
	}

	reason, triggered, err := s.CheckKillSwitchTriggers(run.wf.ID, run.limits)
	if err != nil {
		return false, errors.Wrap(err, "failed to evaluate kill switch triggers")
	}
	if !triggered {
		return false, nil
	}
	if err := s.ActivateKillSwitch(run.wf.ID, reason, "triggered between waves"); err != nil {
		s.logger.Errorf("Failed to activate kill switch for workflow %s: %v", run.wf.ID, err)
	}
	return true, nil
}

// finishWorkflow records the terminal status once every task has an outcome.
func (s *OrchestrationService) finishWorkflow(run *workflowRun) (*models.WorkflowResult, error) {
	result := run.result()
	status := models.CompletedWorkflowStatus
	event := models.WorkflowCompletedEvent
	if !result.Success {
		status = models.FailedWorkflowStatus
		event = models.WorkflowFailedEvent
	}
	if err := s.store.UpdateWorkflowStatus(run.wf.ID, status); err != nil {
		return nil, errors.Wrap(err, "failed to finish workflow")
	}
	s.audit.record(run.wf.ID, event, map[string]any{
		"total":     result.Total,
		"completed": result.Completed,
		"failed":    result.Failed,
	})
	s.logger.Infof("Workflow '%s' (%s) finished: %d/%d tasks completed",
		run.wf.Name, run.wf.ID, result.Completed, result.Total)
	return result, nil
}

func (r *workflowRun) terminalCount() int {
	return len(r.completed) + len(r.failed)
}

// readyTasks returns, in declaration order, every task that is not yet
// terminal and whose dependencies have all completed. A dependency that
// failed never satisfies readiness, so downstream tasks surface as blocked.
func (r *workflowRun) readyTasks() []models.TaskSpec {
	var ready []models.TaskSpec
	for _, spec := range r.specs {
		if r.completed[spec.ID] || r.failed[spec.ID] {
			continue
		}
		if r.depsCompleted(spec) {
			ready = append(ready, spec)
		}
	}
	return ready
}

func (r *workflowRun) depsCompleted(spec models.TaskSpec) bool {
	for _, dep := range spec.DependsOn {
		if !r.completed[dep] {
			return false
		}
	}
	return true
}

func (r *workflowRun) remainingIDs() []string {
	var remaining []string
	for _, spec := range r.specs {
		if !r.completed[spec.ID] && !r.failed[spec.ID] {
			remaining = append(remaining, spec.ID)
		}
	}
	return remaining
}

func (r *workflowRun) record(o models.TaskOutcome) {
	r.outcomes[o.TaskID] = o
	if o.Status == models.CompletedRemoteTaskStatus {
		r.completed[o.TaskID] = true
	} else {
		r.failed[o.TaskID] = true
	}
	if o.AgentID != "" {
		r.assignments[o.TaskID] = o.AgentID
	}
}

// cancelRemaining fills a cancelled outcome for every task that never ran,
// used when the kill switch stops the workflow mid-graph.
func (r *workflowRun) cancelRemaining(reason string) {
	for _, spec := range r.specs {
		if _, ok := r.outcomes[spec.ID]; ok {
			continue
		}
		r.record(models.TaskOutcome{
			TaskID: spec.ID,
			Status: models.CancelledRemoteTaskStatus,
			Error:  reason,
		})
	}
}

func (r *workflowRun) result() *models.WorkflowResult {
	completed := len(r.completed)
	return &models.WorkflowResult{
		WorkflowID:  r.wf.ID,
		Success:     completed == len(r.specs),
		Outcomes:    r.outcomes,
		Assignments: r.assignments,
		Total:       len(r.specs),
		Completed:   completed,
		Failed:      len(r.specs) - completed,
	}
}

func taskIDs(specs []models.TaskSpec) []string {
	ids := make([]string, len(specs))
	for i, spec := range specs {
		ids[i] = spec.ID
	}
	return ids
}
