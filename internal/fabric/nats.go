// Package fabric announces engine events on the NATS bus shared with the
// execution agents. The persisted record plus polling contract stays
// authoritative; announcements only let agents pick up work and kills
// without waiting for their next poll.
package fabric

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/vantorsec/opflow/pkg/models"
)

// publisher is the slice of *nats.Conn the announcer needs.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Announcer publishes task dispatches and kill broadcasts. It satisfies
// service.DispatchNotifier.
type Announcer struct {
	conn publisher
}

// Connect dials the NATS server and returns an announcer over the
// connection. Reconnects are unbounded; a flaky bus should not take the
// engine down with it.
func Connect(url string) (*Announcer, error) {
	nc, err := nats.Connect(url,
		nats.Name("opflow"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to fabric at %s", url)
	}
	return &Announcer{conn: nc}, nil
}

// TaskSubject is the per-agent subject queued task records are announced on.
func TaskSubject(agentID string) string {
	return "opflow.agent." + agentID + ".tasks"
}

// KillSubject is the per-workflow subject kill broadcasts go out on.
func KillSubject(workflowID string) string {
	return "opflow.workflow." + workflowID + ".kill"
}

type killMessage struct {
	WorkflowID string            `json:"workflow_id"`
	Reason     models.KillReason `json:"reason"`
}

// AnnounceTask publishes a queued record on the assigned agent's subject.
func (a *Announcer) AnnounceTask(t models.RemoteTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrapf(err, "encode task %s", t.ID)
	}
	if err := a.conn.Publish(TaskSubject(t.AgentID), data); err != nil {
		return errors.Wrapf(err, "announce task %s to agent %s", t.ID, t.AgentID)
	}
	return nil
}

// AnnounceKill broadcasts a kill switch activation for a workflow.
func (a *Announcer) AnnounceKill(workflowID string, reason models.KillReason) error {
	data, err := json.Marshal(killMessage{WorkflowID: workflowID, Reason: reason})
	if err != nil {
		return errors.Wrap(err, "encode kill message")
	}
	if err := a.conn.Publish(KillSubject(workflowID), data); err != nil {
		return errors.Wrapf(err, "announce kill for workflow %s", workflowID)
	}
	return nil
}

// Close drains the connection, flushing pending announcements.
func (a *Announcer) Close() error {
	return a.conn.Drain()
}
