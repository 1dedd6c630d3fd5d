package models

import "time"

type AgentStatus string

const (
	ConnectedAgentStatus    AgentStatus = "connected"
	IdleAgentStatus         AgentStatus = "idle"
	BusyAgentStatus         AgentStatus = "busy"
	DisconnectedAgentStatus AgentStatus = "disconnected"
	KilledAgentStatus       AgentStatus = "killed"
)

// ExecutionAgent is a remote worker that executes dispatched tasks. Agent
// records are kept current by the execution fabric through heartbeats; the
// orchestrator only reads them.
type ExecutionAgent struct {
	ID                string      `json:"id" db:"id"`                                 // Unique identifier (e.g., "agent-epsilon")
	Name              string      `json:"name" db:"name"`                             // Descriptive name
	Status            AgentStatus `json:"status" db:"status"`                         // "connected", "idle", "busy", "disconnected", "killed"
	Capabilities      []string    `json:"capabilities" db:"capabilities"`             // Advertised capability names (e.g., "network_scanning")
	ConnectionQuality int         `json:"connection_quality" db:"connection_quality"` // Link quality, 0-100
	Type              string      `json:"type" db:"type"`                             // Platform type (e.g., "linux_implant")
	LastSeenAt        time.Time   `json:"last_seen_at" db:"last_seen_at"`             // Last heartbeat
	RegisteredAt      time.Time   `json:"registered_at" db:"registered_at"`           // First registration
}

// Schedulable reports whether the agent is in a state that can accept work.
func (a *ExecutionAgent) Schedulable() bool {
	switch a.Status {
	case ConnectedAgentStatus, IdleAgentStatus, BusyAgentStatus:
		return true
	}
	return false
}

// HasCapability reports whether the agent advertises the given capability.
func (a *ExecutionAgent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
