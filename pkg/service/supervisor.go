package service

import (
	"context"
	"time"

	"github.com/vantorsec/opflow/pkg/models"
)

const (
	// supervisorCeilingRatio of the iteration budget spent without meeting
	// the exit condition counts as runaway.
	supervisorCeilingRatio = 0.8
	// supervisorOutputTruncateAt bounds the pairwise output comparison.
	supervisorOutputTruncateAt = 200
	// supervisorMinRate is the slowest acceptable progress in iterations per
	// minute once a loop is past its first couple of iterations.
	supervisorMinRate = 0.5
	// supervisorStallElapsed with fewer than supervisorStallIterations
	// finished marks a loop as stalled.
	supervisorStallElapsed    = 10 * time.Minute
	supervisorStallIterations = 3
)

// StartSupervisor launches the loop watchdog. On every tick it re-evaluates
// each running loop against the runaway heuristics and stops offenders
// through the same path as a manual stop, tagged automatic. The watchdog
// exits when either the given context or the service context is done.
func (s *OrchestrationService) StartSupervisor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SupervisorInterval)
		defer ticker.Stop()
		s.logger.Infof("Loop supervisor started, checking every %s", s.cfg.SupervisorInterval)
		for {
			select {
			case <-ctx.Done():
				s.logger.Infof("Loop supervisor stopped")
				return
			case <-s.ctx.Done():
				s.logger.Infof("Loop supervisor stopped")
				return
			case <-ticker.C:
				s.superviseLoops()
			}
		}
	}()
}

func (s *OrchestrationService) superviseLoops() {
	for _, loop := range s.loops.running() {
		reason, stop := superviseVerdict(loop, time.Now())
		if !stop {
			continue
		}
		s.logger.Warnf("Supervisor stopping loop %s: %s", loop.ID, reason)
		if err := s.stopLoop(loop.ID, reason); err != nil {
			// The loop finished on its own between listing and stopping.
			s.logger.Infof("Loop %s already terminal: %v", loop.ID, err)
		}
	}
}

// superviseVerdict applies the three runaway heuristics to one loop:
// nearing the iteration ceiling without meeting the exit condition, repeating
// the same output, or progressing too slowly.
func superviseVerdict(l models.LoopExecution, now time.Time) (string, bool) {
	if l.MaxIterations > 0 &&
		float64(l.CurrentIteration) >= supervisorCeilingRatio*float64(l.MaxIterations) &&
		!anyExitConditionMet(l) {
		return "automatic: nearing iteration ceiling without meeting exit condition", true
	}

	if repeatsLastOutputs(l) {
		return "automatic: last outputs are identical, loop is not progressing", true
	}

	elapsed := now.Sub(l.StartedAt)
	if l.CurrentIteration > 2 && elapsed > 0 {
		rate := float64(l.CurrentIteration) / elapsed.Minutes()
		if rate < supervisorMinRate {
			return "automatic: iteration rate below threshold", true
		}
	}
	if elapsed > supervisorStallElapsed && l.CurrentIteration < supervisorStallIterations {
		return "automatic: stalled, too few iterations for elapsed time", true
	}

	return "", false
}

func anyExitConditionMet(l models.LoopExecution) bool {
	for _, it := range l.Iterations {
		if it.ExitConditionMet {
			return true
		}
	}
	return false
}

// repeatsLastOutputs reports whether the loop's last three outputs, truncated
// for comparison, are pairwise identical. A softer early warning than the
// runner's own normalized-hash breaker.
func repeatsLastOutputs(l models.LoopExecution) bool {
	outputs := l.LastOutputs(stagnationRunLength)
	if len(outputs) < stagnationRunLength {
		return false
	}
	first := truncateOutput(outputs[0])
	for _, out := range outputs[1:] {
		if truncateOutput(out) != first {
			return false
		}
	}
	return true
}

func truncateOutput(out string) string {
	if len(out) > supervisorOutputTruncateAt {
		return out[:supervisorOutputTruncateAt]
	}
	return out
}
