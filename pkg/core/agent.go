package core

import "time"

// Role describes the broad specialization of an agent.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleAnalyzer   Role = "analyzer"
	RolePlanner    Role = "planner"
	RoleExecutor   Role = "executor"
	RoleCustom     Role = "custom"
)

// AgentStatus is the lifecycle state of an agent record.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentFailed  AgentStatus = "failed"
	AgentStopped AgentStatus = "stopped"
)

// AgentInfo is a point-in-time snapshot of an agent record. The live
// record is owned by the registry; snapshots are safe to retain.
type AgentInfo struct {
	ID           string
	Role         Role
	Capabilities []string
	Status       AgentStatus
	RegisteredAt time.Time
	InboxLen     int
	TasksHandled int
}

// HasCapability reports whether the snapshot advertises the given tag.
func (a AgentInfo) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
