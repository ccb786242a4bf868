// Package events provides event types and utilities for the Clawdeck event system.
package events

// Event types for missions
const (
	MissionUpdated = "mission:updated"
)

// Event types for agents
const (
	AgentCreated = "agent:created"
	AgentUpdated = "agent:updated"
	AgentDeleted = "agent:deleted"
)

// Event types for team chat
const (
	ChatMessage = "chat:message"
)

// Event types for branch merges (published by the HTTP layer when a
// sub-mission branch lands; relayed to front ends like the rest)
const (
	MergeCompleted = "merge:completed"
)

// All returns every subject a front-end relay should mirror.
// Concrete subjects are listed individually so the set works on both the
// in-memory bus and NATS (where * only matches a full dot-separated token).
func All() []string {
	return []string{
		MissionUpdated,
		AgentCreated,
		AgentUpdated,
		AgentDeleted,
		ChatMessage,
		MergeCompleted,
	}
}
