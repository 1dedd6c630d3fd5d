package service

import (
	"time"

	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/storage"
)

// auditRecorder appends entries to the audit trail and mirrors each one to
// the operational log at its derived level. Entries without a workflow id
// carry no evidentiary value and are logged only, never persisted.
type auditRecorder struct {
	store  storage.Store
	logger Logger
}

// record derives severity and message from the event type and appends the
// entry. A persistence failure is logged and swallowed so a broken audit
// sink cannot take the engine down with it.
func (r *auditRecorder) record(workflowID string, event models.AuditEventType, metadata map[string]any) {
	r.recordIn(r.store, workflowID, event, metadata)
}

// recordIn is record against an explicit store, so callers holding a
// transaction can write audit entries atomically with their other changes.
func (r *auditRecorder) recordIn(st storage.Store, workflowID string, event models.AuditEventType, metadata map[string]any) {
	entry := models.AuditEntry{
		WorkflowID: workflowID,
		EventType:  event,
		Severity:   event.Severity(),
		Message:    event.DefaultMessage(),
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	r.mirror(entry)
	if workflowID == "" {
		return
	}
	if _, err := st.SaveAuditEntry(entry); err != nil {
		r.logger.Errorf("Failed to persist audit entry '%s' for workflow %s: %v", event, workflowID, err)
	}
}

func (r *auditRecorder) mirror(e models.AuditEntry) {
	switch e.Severity {
	case models.ErrorSeverity:
		r.logger.Errorf("Audit [%s] workflow '%s': %s %v", e.EventType, e.WorkflowID, e.Message, e.Metadata)
	case models.WarningSeverity:
		r.logger.Warnf("Audit [%s] workflow '%s': %s %v", e.EventType, e.WorkflowID, e.Message, e.Metadata)
	default:
		r.logger.Infof("Audit [%s] workflow '%s': %s %v", e.EventType, e.WorkflowID, e.Message, e.Metadata)
	}
}
