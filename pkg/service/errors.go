package service

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoSuitableAgent is recorded against a task when no agent clears the
// matching thresholds. It never fails the surrounding workflow call.
var ErrNoSuitableAgent = errors.New("no suitable agent")

// ErrRemoteTimeout is recorded against a task when polling exhausts the
// wall-clock budget before the record turns terminal. Distinct from a
// failure the task itself reported.
var ErrRemoteTimeout = errors.New("remote task timed out")

// ErrLoopNotRunning is returned by StopLoop when the loop has already
// reached a terminal status.
var ErrLoopNotRunning = errors.New("loop is not running")

// ConfigurationError reports an invalid or missing piece of caller-supplied
// configuration, such as a loop agent without a partner.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

// SafetyViolationError aborts a workflow submission before any dispatch.
type SafetyViolationError struct {
	Rule   string // Which check refused the batch
	Detail string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("safety violation (%s): %s", e.Rule, e.Detail)
}

// WorkflowBlockedError means the ready set went empty while undispatched
// work remained: either a dependency cycle or a cascade of upstream
// failures. The two causes are not distinguished.
type WorkflowBlockedError struct {
	WorkflowID string
	Remaining  []string // Declared ids of the tasks that can never run
}

func (e *WorkflowBlockedError) Error() string {
	return fmt.Sprintf("workflow %s blocked: no ready tasks, %d remaining (%s)",
		e.WorkflowID, len(e.Remaining), strings.Join(e.Remaining, ", "))
}
