package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/vantorsec/opflow/internal/log"
	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/service"
	"github.com/vantorsec/opflow/pkg/storage"
)

// StartServer exposes the introspection endpoints and blocks serving them.
// The API is read-only except for the kill switch.
func StartServer(port string, svc *service.OrchestrationService) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/workflows", WorkflowsHandler(svc))
	mux.HandleFunc("/workflows/", WorkflowByIDHandler(svc))
	mux.HandleFunc("/agents", AgentsHandler(svc))
	mux.HandleFunc("/loops", LoopsHandler(svc))
	mux.HandleFunc("/loops/", LoopByIDHandler(svc))

	log.GetLogger().Infof("Starting OpFlow server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "OpFlow server is running")
}

// WorkflowsHandler lists workflows. Submission happens through the engine
// API or the CLI, not over HTTP, so POST is rejected here.
func WorkflowsHandler(svc *service.OrchestrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		workflows, err := svc.ListWorkflows()
		if err != nil {
			log.GetLogger().Errorf("Failed to list workflows: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list workflows: %v", err))
			return
		}
		if workflows == nil {
			workflows = []models.Workflow{}
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

// workflowDetail is the GET /workflows/{id} payload: the workflow row plus
// every remote task dispatched for it.
type workflowDetail struct {
	Workflow models.Workflow     `json:"workflow"`
	Tasks    []models.RemoteTask `json:"tasks"`
}

type killSwitchRequest struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

// WorkflowByIDHandler serves /workflows/{id}, /workflows/{id}/audit and
// POST /workflows/{id}/killswitch.
func WorkflowByIDHandler(svc *service.OrchestrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/workflows/"), "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			writeError(w, http.StatusBadRequest, "Missing workflow id")
			return
		}
		id := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			getWorkflowHTTP(w, svc, id)
		case len(parts) == 2 && parts[1] == "audit" && r.Method == http.MethodGet:
			getAuditTrailHTTP(w, svc, id)
		case len(parts) == 2 && parts[1] == "killswitch" && r.Method == http.MethodPost:
			activateKillSwitchHTTP(w, r, svc, id)
		default:
			writeError(w, http.StatusNotFound, "Not found")
		}
	}
}

func getWorkflowHTTP(w http.ResponseWriter, svc *service.OrchestrationService, id string) {
	wf, err := svc.GetWorkflow(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Workflow '%s' not found", id))
			return
		}
		log.GetLogger().Errorf("Failed to get workflow %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get workflow: %v", err))
		return
	}
	tasks, err := svc.RemoteTasks(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks of workflow %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list tasks: %v", err))
		return
	}
	if tasks == nil {
		tasks = []models.RemoteTask{}
	}
	writeJSON(w, http.StatusOK, workflowDetail{Workflow: wf, Tasks: tasks})
}

func getAuditTrailHTTP(w http.ResponseWriter, svc *service.OrchestrationService, id string) {
	entries, err := svc.AuditTrail(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to list audit entries of workflow %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list audit entries: %v", err))
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func activateKillSwitchHTTP(w http.ResponseWriter, r *http.Request, svc *service.OrchestrationService, id string) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reason := models.KillReason(req.Reason)
	if reason == "" {
		reason = models.ManualKillReason
	}
	switch reason {
	case models.ManualKillReason, models.TimeoutKillReason, models.CriticalErrorKillReason:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown kill reason '%s'", req.Reason))
		return
	}
	if err := svc.ActivateKillSwitch(id, reason, req.Details); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Workflow '%s' not found", id))
			return
		}
		log.GetLogger().Errorf("Failed to activate kill switch on workflow %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to activate kill switch: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": id,
		"message":     fmt.Sprintf("Kill switch activated on workflow '%s'", id),
	})
}

func AgentsHandler(svc *service.OrchestrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		agents, err := svc.ListAgents()
		if err != nil {
			log.GetLogger().Errorf("Failed to list agents: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list agents: %v", err))
			return
		}
		if agents == nil {
			agents = []models.ExecutionAgent{}
		}
		writeJSON(w, http.StatusOK, agents)
	}
}

// LoopsHandler lists active refinement loops; ?all=true includes terminal
// ones still held in memory.
func LoopsHandler(svc *service.OrchestrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var loops []models.LoopExecution
		if r.URL.Query().Get("all") == "true" {
			loops = svc.Loops()
		} else {
			loops = svc.ActiveLoops()
		}
		if loops == nil {
			loops = []models.LoopExecution{}
		}
		writeJSON(w, http.StatusOK, loops)
	}
}

func LoopByIDHandler(svc *service.OrchestrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/loops/"), "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "Missing loop id")
			return
		}
		loop, err := svc.GetLoop(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("Loop '%s' not found", id))
				return
			}
			log.GetLogger().Errorf("Failed to get loop %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get loop: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, loop)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
