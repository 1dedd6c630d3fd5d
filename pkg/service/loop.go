package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

const (
	// negationWindow is how far back (in characters) a negation phrase can
	// sit and still cancel a keyword match.
	negationWindow = 50
	// stagnationRunLength identical normalized outputs in a row trip the
	// circuit breaker.
	stagnationRunLength = 3
)

// negationPhrases cancel a keyword found within negationWindow characters
// after them. Matching is approximate by design; this is a heuristic over
// free-form agent output, not a semantic classifier.
var negationPhrases = []string{
	"not a", "not an", "not yet", "is not", "isn't",
	"was not", "wasn't", "no ", "failed to", "unable to",
	"cannot", "can't", "couldn't", "without", "does not",
	"doesn't", "never",
}

// exitRule describes one exit condition: every group in all must contribute
// at least one affirmed keyword, or any single keyword in any suffices.
type exitRule struct {
	all [][]string
	any []string
}

var exitRules = map[models.ExitCondition]exitRule{
	models.FunctionalPocExit: {all: [][]string{
		{"functional"},
		{"poc", "proof of concept"},
		{"working", "successful"},
	}},
	models.VulnerabilityConfirmedExit: {any: []string{
		"confirmed", "verified", "exploitable",
	}},
	models.ExploitSuccessfulExit: {all: [][]string{
		{"exploit"},
		{"successful", "working"},
	}},
}

// evaluateExitCondition reports whether the output satisfies the named
// condition. Unknown conditions never match.
func evaluateExitCondition(cond models.ExitCondition, output string) bool {
	rule, ok := exitRules[cond]
	if !ok {
		return false
	}
	lowered := strings.ToLower(output)
	if len(rule.any) > 0 {
		for _, keyword := range rule.any {
			if keywordAffirmed(lowered, keyword) {
				return true
			}
		}
		return false
	}
	for _, group := range rule.all {
		affirmed := false
		for _, keyword := range group {
			if keywordAffirmed(lowered, keyword) {
				affirmed = true
				break
			}
		}
		if !affirmed {
			return false
		}
	}
	return true
}

// keywordAffirmed reports whether the keyword occurs and its first occurrence
// is not preceded by a negation phrase within the window.
func keywordAffirmed(lowered, keyword string) bool {
	idx := strings.Index(lowered, keyword)
	if idx < 0 {
		return false
	}
	start := idx - negationWindow
	if start < 0 {
		start = 0
	}
	window := lowered[start:idx]
	for _, phrase := range negationPhrases {
		if strings.Contains(window, phrase) {
			return false
		}
	}
	return true
}

// normalizedOutputHash collapses case and whitespace before hashing, so
// trivially reformatted output still counts as identical.
func normalizedOutputHash(output string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(output)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func allIdentical(hashes []string) bool {
	for _, h := range hashes[1:] {
		if h != hashes[0] {
			return false
		}
	}
	return true
}

// loopHandle pairs a loop with the cancel func that unblocks its goroutine.
type loopHandle struct {
	loop   *models.LoopExecution
	cancel context.CancelFunc
}

// loopRegistry owns every loop started by one service instance. Loops are
// in-memory only; a restart forgets them.
type loopRegistry struct {
	mu    sync.RWMutex
	loops map[string]*loopHandle
}

func newLoopRegistry() *loopRegistry {
	return &loopRegistry{loops: make(map[string]*loopHandle)}
}

func (r *loopRegistry) add(l *models.LoopExecution, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops[l.ID] = &loopHandle{loop: l, cancel: cancel}
}

// snapshot returns a copy of the loop safe to hand out; the iterations slice
// is duplicated so callers never alias registry state.
func (r *loopRegistry) snapshot(id string) (models.LoopExecution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.loops[id]
	if !ok {
		return models.LoopExecution{}, false
	}
	return copyLoop(handle.loop), true
}

// update applies fn while the loop is still running. It reports whether the
// mutation was applied; terminal loops are immutable.
func (r *loopRegistry) update(id string, fn func(*models.LoopExecution)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.loops[id]
	if !ok || handle.loop.Status.Terminal() {
		return false
	}
	fn(handle.loop)
	return true
}

// finish moves a running loop to a terminal status and cancels its context.
// A loop that is already terminal is left untouched.
func (r *loopRegistry) finish(id string, status models.LoopStatus, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.loops[id]
	if !ok || handle.loop.Status.Terminal() {
		return false
	}
	now := time.Now()
	handle.loop.Status = status
	handle.loop.TerminationReason = reason
	handle.loop.CompletedAt = &now
	handle.cancel()
	return true
}

func (r *loopRegistry) running() []models.LoopExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.LoopExecution
	for _, handle := range r.loops {
		if handle.loop.Status == models.RunningLoopStatus {
			out = append(out, copyLoop(handle.loop))
		}
	}
	return out
}

func (r *loopRegistry) all() []models.LoopExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.LoopExecution, 0, len(r.loops))
	for _, handle := range r.loops {
		out = append(out, copyLoop(handle.loop))
	}
	return out
}

func copyLoop(l *models.LoopExecution) models.LoopExecution {
	cp := *l
	cp.Iterations = make([]models.LoopIteration, len(l.Iterations))
	copy(cp.Iterations, l.Iterations)
	return cp
}

// StartLoop begins a two-agent refinement loop and returns immediately with
// its initial state. The initiating agent must be loop-enabled with a
// configured partner, and both agents must be registered. Execution runs in
// the background until an exit condition, ceiling or breaker stops it; track
// progress through GetLoop.
func (s *OrchestrationService) StartLoop(agentID, targetID, initialInput string) (models.LoopExecution, error) {
	if s.invoker == nil {
		return models.LoopExecution{}, &ConfigurationError{Detail: "no agent invoker configured"}
	}
	if targetID == "" {
		return models.LoopExecution{}, &ConfigurationError{Detail: "loop requires a target id"}
	}
	cfg, ok := s.loopConfigs[agentID]
	if !ok || !cfg.Enabled {
		return models.LoopExecution{}, &ConfigurationError{Detail: fmt.Sprintf("agent '%s' is not loop enabled", agentID)}
	}
	if cfg.PartnerID == "" {
		return models.LoopExecution{}, &ConfigurationError{Detail: fmt.Sprintf("agent '%s' has no loop partner configured", agentID)}
	}
	for _, id := range []string{agentID, cfg.PartnerID} {
		if _, err := s.store.GetAgent(id); err != nil {
			return models.LoopExecution{}, &ConfigurationError{Detail: fmt.Sprintf("loop agent '%s' is not registered", id)}
		}
	}

	exit := cfg.ExitCondition
	if exit == "" {
		exit = models.FunctionalPocExit
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = s.cfg.LoopMaxIterations
	}
	maxDuration := cfg.MaxDuration
	if maxDuration <= 0 {
		maxDuration = s.cfg.LoopMaxDuration
	}

	loop := &models.LoopExecution{
		ID:            uuid.NewString(),
		AgentAID:      agentID,
		AgentBID:      cfg.PartnerID,
		TargetID:      targetID,
		ExitCondition: exit,
		MaxIterations: maxIterations,
		MaxDuration:   maxDuration,
		Status:        models.RunningLoopStatus,
		StartedAt:     time.Now(),
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.loops.add(loop, cancel)
	s.logger.Infof("Loop %s started: '%s' and '%s' refining target '%s' (exit condition '%s')",
		loop.ID, loop.AgentAID, loop.AgentBID, targetID, exit)

	go s.runLoop(ctx, loop.ID, initialInput)
	return copyLoop(loop), nil
}

// runLoop drives one loop to a terminal status. Output feeds the next
// iteration's input and participants alternate after every successful
// iteration.
func (s *OrchestrationService) runLoop(ctx context.Context, loopID, initialInput string) {
	snap, ok := s.loops.snapshot(loopID)
	if !ok {
		return
	}
	active, idle := snap.AgentAID, snap.AgentBID
	input := initialInput
	var recentHashes []string

	for i := 1; ; i++ {
		if ctx.Err() != nil {
			// Stopped externally or the service is shutting down.
			s.finishLoop(loopID, models.FailedLoopStatus, "loop context cancelled")
			return
		}

		iterCtx, span := startIterationSpan(ctx, loopID, i, active)
		output, err := s.invoker.Invoke(iterCtx, active, snap.TargetID, input)
		exitMet := err == nil && evaluateExitCondition(snap.ExitCondition, output)
		endIterationSpan(span, err == nil, exitMet, err)

		iteration := models.LoopIteration{
			Index:            i,
			AgentID:          active,
			Input:            input,
			Output:           output,
			Success:          err == nil,
			ExitConditionMet: exitMet,
			CreatedAt:        time.Now(),
		}
		if !s.loops.update(loopID, func(l *models.LoopExecution) {
			l.Iterations = append(l.Iterations, iteration)
			l.CurrentIteration = i
		}) {
			// Terminal while the invocation was in flight; drop the result.
			return
		}

		recentHashes = append(recentHashes, normalizedOutputHash(output))
		if len(recentHashes) > stagnationRunLength {
			recentHashes = recentHashes[1:]
		}

		switch {
		case time.Since(snap.StartedAt) > snap.MaxDuration:
			s.finishLoop(loopID, models.TimeoutLoopStatus,
				fmt.Sprintf("exceeded maximum duration of %s", snap.MaxDuration))
		case len(recentHashes) == stagnationRunLength && allIdentical(recentHashes):
			s.finishLoop(loopID, models.StagnantLoopStatus,
				fmt.Sprintf("%d consecutive identical outputs", stagnationRunLength))
		case exitMet:
			s.finishLoop(loopID, models.CompletedLoopStatus,
				fmt.Sprintf("exit condition '%s' met", snap.ExitCondition))
		case err != nil:
			s.finishLoop(loopID, models.FailedLoopStatus,
				fmt.Sprintf("agent '%s' failed on iteration %d: %v", active, i, err))
		case i >= snap.MaxIterations:
			s.finishLoop(loopID, models.MaxIterationsLoopStatus,
				fmt.Sprintf("reached iteration ceiling of %d", snap.MaxIterations))
		default:
			input = output
			active, idle = idle, active
			continue
		}
		return
	}
}

func (s *OrchestrationService) finishLoop(id string, status models.LoopStatus, reason string) {
	if s.loops.finish(id, status, reason) {
		s.logger.Infof("Loop %s finished with status '%s': %s", id, status, reason)
	}
}

// StopLoop manually terminates a running loop. The loop keeps the
// "completed" status; the termination reason records that an operator
// stopped it rather than the exit condition.
func (s *OrchestrationService) StopLoop(id string) error {
	return s.stopLoop(id, "manually stopped by operator")
}

func (s *OrchestrationService) stopLoop(id, reason string) error {
	if _, ok := s.loops.snapshot(id); !ok {
		return storage.ErrNotFound
	}
	if !s.loops.finish(id, models.CompletedLoopStatus, reason) {
		return ErrLoopNotRunning
	}
	s.logger.Infof("Loop %s stopped: %s", id, reason)
	return nil
}

// GetLoop returns a point-in-time copy of the loop's state.
func (s *OrchestrationService) GetLoop(id string) (models.LoopExecution, error) {
	loop, ok := s.loops.snapshot(id)
	if !ok {
		return models.LoopExecution{}, storage.ErrNotFound
	}
	return loop, nil
}

// ActiveLoops lists every loop still running.
func (s *OrchestrationService) ActiveLoops() []models.LoopExecution {
	return s.loops.running()
}

// Loops lists every loop the service has started, running or terminal.
func (s *OrchestrationService) Loops() []models.LoopExecution {
	return s.loops.all()
}
