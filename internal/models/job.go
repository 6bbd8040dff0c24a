package models

import "time"

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Active reports whether the job still blocks a new trigger for its family.
func (s JobStatus) Active() bool {
	return s == JobRunning || s == JobPaused
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// CanTransition reports whether from -> to is a legal edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobRunning:
		return to == JobPaused || to == JobCancelled || to == JobCompleted || to == JobFailed
	case JobPaused:
		return to == JobRunning || to == JobCancelled
	default:
		return false
	}
}

// Trigger records what started a job.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// ParseTrigger maps user input to a Trigger, defaulting to manual.
func ParseTrigger(s string) Trigger {
	if Trigger(s) == TriggerAuto {
		return TriggerAuto
	}
	return TriggerManual
}

// DefaultFamily is used when a trigger does not name a scan family.
const DefaultFamily = "default"

// Job is the persisted record of one scan session.
type Job struct {
	ID           string     `json:"id"`
	Family       string     `json:"family"`
	Status       JobStatus  `json:"status"`
	Trigger      Trigger    `json:"trigger"`
	Progress     int        `json:"progress"`
	Total        int        `json:"total"`
	FoundCount   int        `json:"found_count"`
	StartedAt    time.Time  `json:"started_at"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
