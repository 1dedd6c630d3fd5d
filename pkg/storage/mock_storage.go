package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/vantorsec/opflow/pkg/models"
)

// mockStore implements Store with in-memory slices. It is safe for
// concurrent use but offers no transaction isolation: Begin returns the
// same instance and Commit/Rollback are no-ops.
type mockStore struct {
	mu          sync.Mutex
	workflows   []models.Workflow
	agents      []models.ExecutionAgent
	remoteTasks []models.RemoteTask
	results     []models.TaskResult
	audit       []models.AuditEntry
	killEvents  []models.KillSwitchEvent
	nextAuditID int64
}

// NewMockStore returns an empty in-memory Store for tests.
func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = append(m.workflows, w)
	return nil
}

func (m *mockStore) GetWorkflow(id string) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workflows {
		if w.ID == id {
			return w, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, len(m.workflows))
	copy(out, m.workflows)
	return out, nil
}

func (m *mockStore) UpdateWorkflowStatus(id string, status models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i, w := range m.workflows {
		if w.ID != id {
			continue
		}
		m.workflows[i].Status = status
		m.workflows[i].UpdatedAt = now
		if status == models.RunningWorkflowStatus && m.workflows[i].StartedAt == nil {
			m.workflows[i].StartedAt = &now
		}
		if status == models.CompletedWorkflowStatus || status == models.FailedWorkflowStatus {
			m.workflows[i].CompletedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) SaveAgent(a models.ExecutionAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.agents {
		if existing.ID == a.ID {
			m.agents[i] = a
			return nil
		}
	}
	m.agents = append(m.agents, a)
	return nil
}

func (m *mockStore) GetAgent(id string) (models.ExecutionAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return models.ExecutionAgent{}, ErrNotFound
}

func (m *mockStore) ListAgents() ([]models.ExecutionAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ExecutionAgent, len(m.agents))
	copy(out, m.agents)
	return out, nil
}

func (m *mockStore) UpdateAgentStatus(id string, status models.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if a.ID == id {
			m.agents[i].Status = status
			m.agents[i].LastSeenAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveRemoteTask(t models.RemoteTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteTasks = append(m.remoteTasks, t)
	return nil
}

func (m *mockStore) GetRemoteTask(id string) (models.RemoteTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.remoteTasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.RemoteTask{}, ErrNotFound
}

func (m *mockStore) ListRemoteTasks(workflowID string) ([]models.RemoteTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RemoteTask
	for _, t := range m.remoteTasks {
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateRemoteTaskStatus(id string, status models.RemoteTaskStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.remoteTasks {
		if t.ID == id {
			m.remoteTasks[i].Status = status
			m.remoteTasks[i].ErrorMsg = errorMsg
			m.remoteTasks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) CancelRemoteTasks(workflowID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, t := range m.remoteTasks {
		if t.WorkflowID != workflowID || t.Status.Terminal() {
			continue
		}
		m.remoteTasks[i].Status = models.CancelledRemoteTaskStatus
		m.remoteTasks[i].ErrorMsg = reason
		m.remoteTasks[i].UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

func (m *mockStore) CountRemoteTasks(workflowID string, status models.RemoteTaskStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.remoteTasks {
		if t.WorkflowID == workflowID && t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CountActiveAgentTasks(agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.remoteTasks {
		if t.AgentID == agentID && !t.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) SaveTaskResult(r models.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *mockStore) GetLatestTaskResult(remoteTaskID string) (models.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []models.TaskResult
	for _, r := range m.results {
		if r.RemoteTaskID == remoteTaskID {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return models.TaskResult{}, ErrNotFound
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CollectedAt.After(matches[j].CollectedAt)
	})
	return matches[0], nil
}

func (m *mockStore) SaveAuditEntry(e models.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	e.ID = m.nextAuditID
	m.audit = append(m.audit, e)
	return e.ID, nil
}

func (m *mockStore) ListAuditEntries(workflowID string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.audit {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) SaveKillSwitchEvent(e models.KillSwitchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killEvents = append(m.killEvents, e)
	return nil
}

func (m *mockStore) ListKillSwitchEvents(workflowID string) ([]models.KillSwitchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.KillSwitchEvent
	for _, e := range m.killEvents {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}
