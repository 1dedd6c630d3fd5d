package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

// sqliteDB is the subset of database/sql shared by *sql.DB and *sql.Tx.
type sqliteDB interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// SQLiteStore is the single-file alternative to Postgres, for local runs and
// small deployments. The schema is created on open; there is no separate
// migration step.
type SQLiteStore struct {
	db sqliteDB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The driver returns busy errors under concurrent writers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		autonomy_level INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		connection_quality INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL DEFAULT '',
		last_seen_at TIMESTAMP NOT NULL,
		registered_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS remote_tasks (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(id),
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		command TEXT NOT NULL,
		params TEXT,
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		timeout_ns INTEGER NOT NULL DEFAULT 0,
		approval_required BOOLEAN NOT NULL DEFAULT 0,
		error_msg TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_results (
		id TEXT PRIMARY KEY,
		remote_task_id TEXT NOT NULL REFERENCES remote_tasks(id),
		output TEXT NOT NULL DEFAULT '',
		collected_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kill_switch_events (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_remote_tasks_workflow_status ON remote_tasks(workflow_id, status);
	CREATE INDEX IF NOT EXISTS idx_remote_tasks_agent_status ON remote_tasks(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_task_results_remote_task ON task_results(remote_task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_workflow ON audit_log(workflow_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sql.DB); ok {
		tx, err := db.Begin()
		if err != nil {
			return nil, err
		}
		return &SQLiteStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *SQLiteStore) Commit() error {
	if tx, ok := s.db.(*sql.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *SQLiteStore) Rollback() error {
	if tx, ok := s.db.(*sql.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *SQLiteStore) Close() error {
	if db, ok := s.db.(*sql.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sql.Tx
}

func (s *SQLiteStore) SaveWorkflow(w models.Workflow) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, name, status, autonomy_level, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Status, w.AutonomyLevel, w.CreatedAt, w.UpdatedAt, w.StartedAt, w.CompletedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var wf models.Workflow
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&wf.ID, &wf.Name, &wf.Status, &wf.AutonomyLevel,
		&wf.CreatedAt, &wf.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return models.Workflow{}, err
	}
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

const workflowColumns = "id, name, status, autonomy_level, created_at, updated_at, started_at, completed_at"

func (s *SQLiteStore) GetWorkflow(id string) (models.Workflow, error) {
	row := s.db.QueryRow("SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *SQLiteStore) ListWorkflows() ([]models.Workflow, error) {
	rows, err := s.db.Query("SELECT " + workflowColumns + " FROM workflows ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows := []models.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflowStatus(id string, status models.WorkflowStatus) error {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE workflows
		SET status = ?,
		updated_at = ?,
		started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
		completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END
		WHERE id = ?`,
		status, now, status, now, status, now, id)
	if err != nil {
		return err
	}
	return errNotFoundIfZero(res)
}

func (s *SQLiteStore) SaveAgent(a models.ExecutionAgent) error {
	capabilities, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, status, capabilities, connection_quality, type, last_seen_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			capabilities = excluded.capabilities,
			connection_quality = excluded.connection_quality,
			type = excluded.type,
			last_seen_at = excluded.last_seen_at`,
		a.ID, a.Name, a.Status, string(capabilities), a.ConnectionQuality, a.Type, a.LastSeenAt, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

const agentColumns = "id, name, status, capabilities, connection_quality, type, last_seen_at, registered_at"

func scanAgent(row rowScanner) (models.ExecutionAgent, error) {
	var a models.ExecutionAgent
	var capabilities string
	err := row.Scan(&a.ID, &a.Name, &a.Status, &capabilities,
		&a.ConnectionQuality, &a.Type, &a.LastSeenAt, &a.RegisteredAt)
	if err != nil {
		return models.ExecutionAgent{}, err
	}
	if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
		return models.ExecutionAgent{}, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	return a, nil
}

func (s *SQLiteStore) GetAgent(id string) (models.ExecutionAgent, error) {
	row := s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return models.ExecutionAgent{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionAgent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAgents() ([]models.ExecutionAgent, error) {
	rows, err := s.db.Query("SELECT " + agentColumns + " FROM agents ORDER BY registered_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := []models.ExecutionAgent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) UpdateAgentStatus(id string, status models.AgentStatus) error {
	res, err := s.db.Exec("UPDATE agents SET status = ?, last_seen_at = ? WHERE id = ?",
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return errNotFoundIfZero(res)
}

func (s *SQLiteStore) SaveRemoteTask(t models.RemoteTask) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO remote_tasks (id, workflow_id, task_id, agent_id, command, params, status, priority, timeout_ns, approval_required, error_msg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.TaskID, t.AgentID, t.Command, string(params), t.Status,
		t.Priority, int64(t.Timeout), t.ApprovalRequired, t.ErrorMsg, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save remote task %s: %w", t.ID, err)
	}
	return nil
}

const remoteTaskColumns = "id, workflow_id, task_id, agent_id, command, params, status, priority, timeout_ns, approval_required, error_msg, created_at, updated_at"

func scanRemoteTask(row rowScanner) (models.RemoteTask, error) {
	var t models.RemoteTask
	var params string
	var timeoutNs int64
	err := row.Scan(&t.ID, &t.WorkflowID, &t.TaskID, &t.AgentID, &t.Command, &params,
		&t.Status, &t.Priority, &timeoutNs, &t.ApprovalRequired, &t.ErrorMsg,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.RemoteTask{}, err
	}
	t.Timeout = time.Duration(timeoutNs)
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return models.RemoteTask{}, fmt.Errorf("remote task %s params: %w", t.ID, err)
	}
	return t, nil
}

func (s *SQLiteStore) GetRemoteTask(id string) (models.RemoteTask, error) {
	row := s.db.QueryRow("SELECT "+remoteTaskColumns+" FROM remote_tasks WHERE id = ?", id)
	t, err := scanRemoteTask(row)
	if err == sql.ErrNoRows {
		return models.RemoteTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.RemoteTask{}, fmt.Errorf("get remote task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListRemoteTasks(workflowID string) ([]models.RemoteTask, error) {
	rows, err := s.db.Query(
		"SELECT "+remoteTaskColumns+" FROM remote_tasks WHERE workflow_id = ? ORDER BY created_at",
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []models.RemoteTask{}
	for rows.Next() {
		t, err := scanRemoteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateRemoteTaskStatus(id string, status models.RemoteTaskStatus, errorMsg string) error {
	res, err := s.db.Exec(
		"UPDATE remote_tasks SET status = ?, error_msg = ?, updated_at = ? WHERE id = ?",
		status, errorMsg, time.Now(), id)
	if err != nil {
		return err
	}
	return errNotFoundIfZero(res)
}

func (s *SQLiteStore) CancelRemoteTasks(workflowID, reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE remote_tasks
		SET status = 'cancelled', error_msg = ?, updated_at = ?
		WHERE workflow_id = ? AND status IN ('queued', 'assigned', 'running')`,
		reason, time.Now(), workflowID)
	if err != nil {
		return 0, fmt.Errorf("cancel remote tasks for workflow %s: %w", workflowID, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountRemoteTasks(workflowID string, status models.RemoteTaskStatus) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM remote_tasks WHERE workflow_id = ? AND status = ?",
		workflowID, status).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountActiveAgentTasks(agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM remote_tasks
		WHERE agent_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		agentID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) SaveTaskResult(r models.TaskResult) error {
	_, err := s.db.Exec(
		"INSERT INTO task_results (id, remote_task_id, output, collected_at) VALUES (?, ?, ?, ?)",
		r.ID, r.RemoteTaskID, r.Output, r.CollectedAt)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestTaskResult(remoteTaskID string) (models.TaskResult, error) {
	var result models.TaskResult
	err := s.db.QueryRow(`
		SELECT id, remote_task_id, output, collected_at FROM task_results
		WHERE remote_task_id = ? ORDER BY collected_at DESC LIMIT 1`,
		remoteTaskID).Scan(&result.ID, &result.RemoteTaskID, &result.Output, &result.CollectedAt)
	if err == sql.ErrNoRows {
		return models.TaskResult{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("get latest result for %s: %w", remoteTaskID, err)
	}
	return result, nil
}

func (s *SQLiteStore) SaveAuditEntry(e models.AuditEntry) (int64, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO audit_log (workflow_id, event_type, severity, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, e.EventType, e.Severity, e.Message, string(metadata), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save audit entry: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListAuditEntries(workflowID string) ([]models.AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, event_type, severity, message, metadata, created_at
		FROM audit_log WHERE workflow_id = ? ORDER BY id`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var metadata string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.EventType, &e.Severity,
			&e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit entry %d metadata: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SaveKillSwitchEvent(e models.KillSwitchEvent) error {
	_, err := s.db.Exec(
		"INSERT INTO kill_switch_events (id, workflow_id, reason, details, created_at) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.WorkflowID, e.Reason, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save kill switch event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListKillSwitchEvents(workflowID string) ([]models.KillSwitchEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, reason, details, created_at
		FROM kill_switch_events WHERE workflow_id = ? ORDER BY created_at`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.KillSwitchEvent{}
	for rows.Next() {
		var e models.KillSwitchEvent
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Reason, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
