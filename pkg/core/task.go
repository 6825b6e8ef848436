package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the unit of work tracked by the scheduler. The scheduler owns
// the live record; callers observe snapshots.
type Task struct {
	ID          string
	Description map[string]any
	Capability  string
	Priority    int
	DependsOn   []string
	Status      TaskStatus
	AssignedTo  string
	Result      any
	Error       string
	Retries     int
	// Fallback, when non-nil, substitutes for the result if a dependency
	// fails terminally, instead of cascading cancellation into this task.
	Fallback any
	// Seq is the submission order, used to break priority ties.
	Seq        uint64
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewTask creates a pending task with a generated ID.
func NewTask(description map[string]any, capability string, priority int, dependsOn []string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		Capability:  capability,
		Priority:    priority,
		DependsOn:   append([]string(nil), dependsOn...),
		Status:      TaskStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Snapshot returns a copy safe to hand outside the scheduler.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	return cp
}
