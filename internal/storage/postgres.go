package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *PostgresStore) SaveWorkflow(w models.Workflow) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, name, status, autonomy_level, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.Name, w.Status, w.AutonomyLevel, w.CreatedAt, w.UpdatedAt, w.StartedAt, w.CompletedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(id string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT * FROM workflows ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// UpdateWorkflowStatus moves the workflow and stamps started_at on the first
// transition to running and completed_at on any terminal transition.
func (s *PostgresStore) UpdateWorkflowStatus(id string, status models.WorkflowStatus) error {
	res, err := s.db.Exec(`
		UPDATE workflows
		SET status = $1,
		updated_at = CURRENT_TIMESTAMP,
		started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $4`,
		// PostgreSQL treats the parameters inside the CASE clauses as separate, so the status travels three times
		status, status, status, id)
	if err != nil {
		return err
	}
	return errNotFoundIfZero(res)
}

// agentRow carries the JSONB capabilities column.
type agentRow struct {
	ID                string             `db:"id"`
	Name              string             `db:"name"`
	Status            models.AgentStatus `db:"status"`
	Capabilities      []byte             `db:"capabilities"`
	ConnectionQuality int                `db:"connection_quality"`
	Type              string             `db:"type"`
	LastSeenAt        time.Time          `db:"last_seen_at"`
	RegisteredAt      time.Time          `db:"registered_at"`
}

func (r agentRow) toModel() (models.ExecutionAgent, error) {
	a := models.ExecutionAgent{
		ID:                r.ID,
		Name:              r.Name,
		Status:            r.Status,
		ConnectionQuality: r.ConnectionQuality,
		Type:              r.Type,
		LastSeenAt:        r.LastSeenAt,
		RegisteredAt:      r.RegisteredAt,
	}
	if err := unmarshalColumn(r.Capabilities, &a.Capabilities); err != nil {
		return models.ExecutionAgent{}, fmt.Errorf("agent %s capabilities: %w", r.ID, err)
	}
	return a, nil
}

// SaveAgent upserts so the execution fabric can refresh records on every
// heartbeat.
func (s *PostgresStore) SaveAgent(a models.ExecutionAgent) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, status, capabilities, connection_quality, type, last_seen_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities,
			connection_quality = EXCLUDED.connection_quality,
			type = EXCLUDED.type,
			last_seen_at = EXCLUDED.last_seen_at`,
		a.ID, a.Name, a.Status, capabilities, a.ConnectionQuality, a.Type, a.LastSeenAt, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(id string) (models.ExecutionAgent, error) {
	var row agentRow
	err := s.db.Get(&row, "SELECT * FROM agents WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ExecutionAgent{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionAgent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	return row.toModel()
}

func (s *PostgresStore) ListAgents() ([]models.ExecutionAgent, error) {
	var rows []agentRow
	if err := s.db.Select(&rows, "SELECT * FROM agents ORDER BY registered_at"); err != nil {
		return nil, err
	}
	agents := make([]models.ExecutionAgent, 0, len(rows))
	for _, row := range rows {
		a, err := row.toModel()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (s *PostgresStore) UpdateAgentStatus(id string, status models.AgentStatus) error {
	res, err := s.db.Exec(
		"UPDATE agents SET status = $1, last_seen_at = CURRENT_TIMESTAMP WHERE id = $2",
		status, id)
	if err != nil {
		return err
	}
	return errNotFoundIfZero(res)
}

// remoteTaskRow carries the JSONB params column and the timeout stored as
// nanoseconds.
type remoteTaskRow struct {
	ID               string                  `db:"id"`
	WorkflowID       string                  `db:"workflow_id"`
	TaskID           string                  `db:"task_id"`
	AgentID          string                  `db:"agent_id"`
	Command          string                  `db:"command"`
	Params           []byte                  `db:"params"`
	Status           models.RemoteTaskStatus `db:"status"`
	Priority         string                  `db:"priority"`
	Timeout          int64                   `db:"timeout_ns"`
	ApprovalRequired bool                    `db:"approval_required"`
	ErrorMsg         string                  `db:"error_msg"`
	CreatedAt        time.Time               `db:"created_at"`
	UpdatedAt        time.Time               `db:"updated_at"`
}

func (r remoteTaskRow) toModel() (models.RemoteTask, error) {
	t := models.RemoteTask{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		TaskID:           r.TaskID,
		AgentID:          r.AgentID,
		Command:          r.Command,
		Status:           r.Status,
		Priority:         r.Priority,
		Timeout:          time.Duration(r.Timeout),
		ApprovalRequired: r.ApprovalRequired,
		ErrorMsg:         r.ErrorMsg,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if err := unmarshalColumn(r.Params, &t.Params); err != nil {
		return models.RemoteTask{}, fmt.Errorf("remote task %s params: %w", r.ID, err)
	}
	return t, nil
}

func (s *PostgresStore) SaveRemoteTask(t models.RemoteTask) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO remote_tasks (id, workflow_id, task_id, agent_id, command, params, status, priority, timeout_ns, approval_required, error_msg, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.WorkflowID, t.TaskID, t.AgentID, t.Command, params, t.Status,
		t.Priority, int64(t.Timeout), t.ApprovalRequired, t.ErrorMsg, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save remote task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRemoteTask(id string) (models.RemoteTask, error) {
	var row remoteTaskRow
	err := s.db.Get(&row, "SELECT * FROM remote_tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.RemoteTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.RemoteTask{}, fmt.Errorf("get remote task %s: %w", id, err)
	}
	return row.toModel()
}

func (s *PostgresStore) ListRemoteTasks(workflowID string) ([]models.RemoteTask, error) {
	var rows []remoteTaskRow
	err := s.db.Select(&rows, "SELECT * FROM remote_tasks WHERE workflow_id = $1 ORDER BY created_at", workflowID)
	if err != nil {
		return nil, err
	}
	tasks := make([]models.RemoteTask, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateRemoteTaskStatus(id string, status models.RemoteTaskStatus, errorMsg string) error {
	res, err := s.db.Exec(
		"UPDATE remote_tasks SET status = $1, error_msg = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		status, errorMsg, id)
	if err != nil {
		return err
	}
	return errNotFoundIfZero(res)
}

// CancelRemoteTasks flips every non-terminal task of the workflow to
// cancelled in one statement, so a kill switch cannot race individual
// updates.
func (s *PostgresStore) CancelRemoteTasks(workflowID, reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE remote_tasks
		SET status = 'cancelled', error_msg = $2, updated_at = CURRENT_TIMESTAMP
		WHERE workflow_id = $1 AND status IN ('queued', 'assigned', 'running')`,
		workflowID, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel remote tasks for workflow %s: %w", workflowID, err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CountRemoteTasks(workflowID string, status models.RemoteTaskStatus) (int, error) {
	var n int
	err := s.db.Get(&n,
		"SELECT COUNT(*) FROM remote_tasks WHERE workflow_id = $1 AND status = $2",
		workflowID, status)
	return n, err
}

func (s *PostgresStore) CountActiveAgentTasks(agentID string) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM remote_tasks
		WHERE agent_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		agentID)
	return n, err
}

func (s *PostgresStore) SaveTaskResult(r models.TaskResult) error {
	_, err := s.db.Exec(
		"INSERT INTO task_results (id, remote_task_id, output, collected_at) VALUES ($1, $2, $3, $4)",
		r.ID, r.RemoteTaskID, r.Output, r.CollectedAt)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatestTaskResult(remoteTaskID string) (models.TaskResult, error) {
	var result models.TaskResult
	err := s.db.Get(&result,
		"SELECT * FROM task_results WHERE remote_task_id = $1 ORDER BY collected_at DESC LIMIT 1",
		remoteTaskID)
	if err == sql.ErrNoRows {
		return models.TaskResult{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("get latest result for %s: %w", remoteTaskID, err)
	}
	return result, nil
}

// auditRow carries the JSONB metadata column.
type auditRow struct {
	ID         int64                 `db:"id"`
	WorkflowID string                `db:"workflow_id"`
	EventType  models.AuditEventType `db:"event_type"`
	Severity   models.AuditSeverity  `db:"severity"`
	Message    string                `db:"message"`
	Metadata   []byte                `db:"metadata"`
	CreatedAt  time.Time             `db:"created_at"`
}

func (r auditRow) toModel() (models.AuditEntry, error) {
	e := models.AuditEntry{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		EventType:  r.EventType,
		Severity:   r.Severity,
		Message:    r.Message,
		CreatedAt:  r.CreatedAt,
	}
	if err := unmarshalColumn(r.Metadata, &e.Metadata); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit entry %d metadata: %w", r.ID, err)
	}
	return e, nil
}

// SaveAuditEntry appends to the trail and returns the assigned sequence id.
func (s *PostgresStore) SaveAuditEntry(e models.AuditEntry) (int64, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	var id int64
	err = s.db.QueryRowx(`
		INSERT INTO audit_log (workflow_id, event_type, severity, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.WorkflowID, e.EventType, e.Severity, e.Message, metadata, e.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save audit entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListAuditEntries(workflowID string) ([]models.AuditEntry, error) {
	var rows []auditRow
	err := s.db.Select(&rows, "SELECT * FROM audit_log WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toModel()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *PostgresStore) SaveKillSwitchEvent(e models.KillSwitchEvent) error {
	_, err := s.db.Exec(
		"INSERT INTO kill_switch_events (id, workflow_id, reason, details, created_at) VALUES ($1, $2, $3, $4, $5)",
		e.ID, e.WorkflowID, e.Reason, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save kill switch event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListKillSwitchEvents(workflowID string) ([]models.KillSwitchEvent, error) {
	events := []models.KillSwitchEvent{}
	err := s.db.Select(&events,
		"SELECT * FROM kill_switch_events WHERE workflow_id = $1 ORDER BY created_at",
		workflowID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func unmarshalColumn(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func errNotFoundIfZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
