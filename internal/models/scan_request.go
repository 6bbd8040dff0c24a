package models

import "time"

// ScanRequest asks a worker to execute an already-created job.
type ScanRequest struct {
	JobID     string    `json:"job_id"`
	Family    string    `json:"family"`
	Trigger   Trigger   `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}
