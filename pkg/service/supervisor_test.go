package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vantorsec/opflow/pkg/models"
)

func supervisedLoop(maxIterations int, startedAgo time.Duration, outputs ...string) models.LoopExecution {
	loop := models.LoopExecution{
		ID:            "loop-under-watch",
		ExitCondition: models.FunctionalPocExit,
		MaxIterations: maxIterations,
		Status:        models.RunningLoopStatus,
		StartedAt:     time.Now().Add(-startedAgo),
	}
	for i, out := range outputs {
		loop.Iterations = append(loop.Iterations, models.LoopIteration{
			Index:   i + 1,
			Output:  out,
			Success: true,
		})
	}
	loop.CurrentIteration = len(outputs)
	return loop
}

func TestSuperviseVerdict(t *testing.T) {
	now := time.Now()

	t.Run("nearing ceiling without exit condition", func(t *testing.T) {
		loop := supervisedLoop(5, time.Minute, "one", "two", "three", "four")
		reason, stop := superviseVerdict(loop, now)
		assert.True(t, stop)
		assert.Contains(t, reason, "ceiling")
	})

	t.Run("ceiling does not fire once exit condition was met", func(t *testing.T) {
		loop := supervisedLoop(5, time.Minute, "one", "two", "three", "four")
		loop.Iterations[3].ExitConditionMet = true
		_, stop := superviseVerdict(loop, now)
		assert.False(t, stop)
	})

	t.Run("unlimited iteration budget skips the ceiling check", func(t *testing.T) {
		loop := supervisedLoop(0, time.Minute, "one", "two", "three", "four")
		_, stop := superviseVerdict(loop, now)
		assert.False(t, stop)
	})

	t.Run("identical recent outputs", func(t *testing.T) {
		loop := supervisedLoop(10, time.Minute, "fresh", "same text", "same text", "same text")
		reason, stop := superviseVerdict(loop, now)
		assert.True(t, stop)
		assert.Contains(t, reason, "not progressing")
	})

	t.Run("outputs differing only past the comparison cutoff", func(t *testing.T) {
		prefix := strings.Repeat("a", supervisorOutputTruncateAt)
		loop := supervisedLoop(10, time.Minute,
			prefix+"tail one", prefix+"tail two", prefix+"tail three")
		reason, stop := superviseVerdict(loop, now)
		assert.True(t, stop)
		assert.Contains(t, reason, "not progressing")
	})

	t.Run("outputs differing within the cutoff", func(t *testing.T) {
		loop := supervisedLoop(10, time.Minute, "pass one", "pass two", "pass three")
		_, stop := superviseVerdict(loop, now)
		assert.False(t, stop)
	})

	t.Run("iteration rate below threshold", func(t *testing.T) {
		loop := supervisedLoop(10, 10*time.Minute, "one", "two", "three")
		reason, stop := superviseVerdict(loop, now)
		assert.True(t, stop)
		assert.Contains(t, reason, "rate")
	})

	t.Run("stalled with too few iterations", func(t *testing.T) {
		loop := supervisedLoop(10, 11*time.Minute, "one", "two")
		reason, stop := superviseVerdict(loop, now)
		assert.True(t, stop)
		assert.Contains(t, reason, "stalled")
	})

	t.Run("healthy loop is left alone", func(t *testing.T) {
		loop := supervisedLoop(10, 2*time.Minute, "one", "two", "three")
		_, stop := superviseVerdict(loop, now)
		assert.False(t, stop)
	})
}
