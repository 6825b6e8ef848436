package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the coordination core.
type EventType string

const (
	EventTaskSubmitted   EventType = "task.submitted"
	EventTaskDispatched  EventType = "task.dispatched"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventTaskCancelled   EventType = "task.cancelled"
	EventAgentRegistered EventType = "agent.registered"
	EventAgentRetired    EventType = "agent.retired"
	EventAgentFailed     EventType = "agent.failed"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	Agent     string
	TaskID    string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, agent string, taskID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Agent:     agent,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
