package models

import "time"

// TargetFailure captures a target whose attempts were exhausted, for the DLQ.
type TargetFailure struct {
	JobID    string    `json:"job_id"`
	TargetID string    `json:"target_id"`
	Attempts int       `json:"attempts"`
	Class    string    `json:"class"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
