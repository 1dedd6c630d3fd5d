package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vantorsec/opflow/pkg/models"
)

func TestLoopExecution_LastOutputs(t *testing.T) {
	loop := &models.LoopExecution{
		Iterations: []models.LoopIteration{
			{Index: 1, Output: "first"},
			{Index: 2, Output: "second"},
			{Index: 3, Output: "third"},
			{Index: 4, Output: "fourth"},
		},
	}

	assert.Equal(t, []string{"second", "third", "fourth"}, loop.LastOutputs(3))
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, loop.LastOutputs(10))
	assert.Nil(t, loop.LastOutputs(0))
	assert.Nil(t, (&models.LoopExecution{}).LastOutputs(3))
}

func TestLoopStatusTerminal(t *testing.T) {
	assert.False(t, models.RunningLoopStatus.Terminal())
	for _, s := range []models.LoopStatus{
		models.CompletedLoopStatus,
		models.FailedLoopStatus,
		models.MaxIterationsLoopStatus,
		models.TimeoutLoopStatus,
		models.StagnantLoopStatus,
	} {
		assert.True(t, s.Terminal(), "status %s", s)
	}
}
