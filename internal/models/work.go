package models

import "time"

// WorkArea is a logical partition of work. At most one initiative may be
// locked to an area at a time.
type WorkArea struct {
	AreaID    string    `json:"area_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Initiative is a batch of tasks belonging to one area.
type Initiative struct {
	InitiativeID string    `json:"initiative_id"`
	AreaID       string    `json:"area_id"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
)

// InProgress reports whether the task holds its initiative's lock open.
func (s TaskStatus) InProgress() bool {
	return s == TaskStatusDispatched || s == TaskStatusRunning
}

// Task represents a unit of work queued against an initiative.
type Task struct {
	TaskID       string     `json:"task_id"`
	InitiativeID string     `json:"initiative_id"`
	AreaID       string     `json:"area_id"`
	Title        string     `json:"title"`
	Status       TaskStatus `json:"status"`
	Outcome      SpanStatus `json:"outcome,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Seq          int64      `json:"seq"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// LockReason explains why an area lock is held.
type LockReason string

const (
	LockInProgress LockReason = "in_progress"
	LockFIFO       LockReason = "fifo"
)

// AreaLock binds an area to the single initiative allowed to progress.
type AreaLock struct {
	AreaID       string     `json:"area_id"`
	InitiativeID string     `json:"initiative_id"`
	Reason       LockReason `json:"lock_reason"`
	AcquiredAt   time.Time  `json:"acquired_at"`
}

// TaskRef is what the scheduler hands the dispatcher.
type TaskRef struct {
	TaskID       string     `json:"task_id"`
	Title        string     `json:"title"`
	AreaID       string     `json:"area_id"`
	InitiativeID string     `json:"initiative_id"`
	LockReason   LockReason `json:"lock_reason"`
}

// InitiativeProgress summarizes one initiative's task counts.
type InitiativeProgress struct {
	Initiative
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

// WorkStream is the per-area view exposed to dashboards.
type WorkStream struct {
	Area        WorkArea             `json:"area"`
	Lock        *AreaLock            `json:"lock"`
	Initiatives []InitiativeProgress `json:"initiatives"`
}

// LastDispatch is the dispatcher's most recent admission. Success reports
// whether the orchestrator accepted the handoff, not how the run ended.
type LastDispatch struct {
	TaskID       string    `json:"task_id"`
	TaskTitle    string    `json:"task_title"`
	RunID        string    `json:"run_id,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}
