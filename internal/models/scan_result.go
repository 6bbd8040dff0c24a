package models

import "time"

// ScanResult is the payload written to the results topic for each qualifying listing.
type ScanResult struct {
	JobID     string     `json:"job_id"`
	Target    ScanTarget `json:"target"`
	Listing   Listing    `json:"listing"`
	Score     Score      `json:"score"`
	Benchmark Benchmarks `json:"benchmark"`
	FoundAt   time.Time  `json:"found_at"`
}
