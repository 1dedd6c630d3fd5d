package fabric

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorsec/opflow/pkg/models"
)

type fakeBus struct {
	published map[string][][]byte
	pubErr    error
	drained   bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeBus) Drain() error {
	f.drained = true
	return nil
}

func TestAnnounceTask(t *testing.T) {
	bus := newFakeBus()
	a := &Announcer{conn: bus}

	task := models.RemoteTask{
		ID:         "rt-1",
		WorkflowID: "wf-1",
		TaskID:     "recon",
		AgentID:    "agent-7",
		Command:    "nmap -sV 10.0.0.0/24",
		Status:     models.QueuedRemoteTaskStatus,
		Priority:   "high",
		Timeout:    10 * time.Minute,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, a.AnnounceTask(task))

	msgs := bus.published["opflow.agent.agent-7.tasks"]
	require.Len(t, msgs, 1)

	var decoded models.RemoteTask
	require.NoError(t, json.Unmarshal(msgs[0], &decoded))
	assert.Equal(t, "rt-1", decoded.ID)
	assert.Equal(t, "nmap -sV 10.0.0.0/24", decoded.Command)
	assert.Equal(t, models.QueuedRemoteTaskStatus, decoded.Status)
}

func TestAnnounceKill(t *testing.T) {
	bus := newFakeBus()
	a := &Announcer{conn: bus}

	require.NoError(t, a.AnnounceKill("wf-1", models.ManualKillReason))

	msgs := bus.published["opflow.workflow.wf-1.kill"]
	require.Len(t, msgs, 1)

	var decoded struct {
		WorkflowID string `json:"workflow_id"`
		Reason     string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &decoded))
	assert.Equal(t, "wf-1", decoded.WorkflowID)
	assert.Equal(t, "manual", decoded.Reason)
}

func TestAnnouncePublishFailure(t *testing.T) {
	bus := newFakeBus()
	bus.pubErr = errors.New("bus unavailable")
	a := &Announcer{conn: bus}

	err := a.AnnounceTask(models.RemoteTask{ID: "rt-1", AgentID: "agent-7"})
	assert.ErrorContains(t, err, "announce task rt-1")

	err = a.AnnounceKill("wf-1", models.TimeoutKillReason)
	assert.ErrorContains(t, err, "announce kill for workflow wf-1")
}

func TestClose(t *testing.T) {
	bus := newFakeBus()
	a := &Announcer{conn: bus}

	require.NoError(t, a.Close())
	assert.True(t, bus.drained)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "opflow.agent.a1.tasks", TaskSubject("a1"))
	assert.Equal(t, "opflow.workflow.wf-9.kill", KillSubject("wf-9"))
}
