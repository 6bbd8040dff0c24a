package models

import "time"

// Tier is a target's priority classification derived from recent yield.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// ColdAfterEmptyScans is the number of consecutive empty scans that make a target cold.
const ColdAfterEmptyScans = 3

// ScanTarget is one unit of work for the scan engine together with its yield history.
type ScanTarget struct {
	ID               string     `json:"id" yaml:"id"`
	DisplayName      string     `json:"display_name" yaml:"display_name"`
	Enabled          bool       `json:"enabled" yaml:"enabled"`
	BenchmarkPrice   float64    `json:"benchmark_price" yaml:"benchmark_price"`
	Tier             Tier       `json:"tier" yaml:"-"`
	LastYield        int        `json:"last_yield" yaml:"-"`
	LastQualifying   int        `json:"last_qualifying" yaml:"-"`
	ConsecutiveEmpty int        `json:"consecutive_empty" yaml:"-"`
	LastScannedAt    *time.Time `json:"last_scanned_at,omitempty" yaml:"-"`
}

// ClassifyTier derives the tier from the most recent scan yield.
// A target never scanned is warm so it is picked up on the first session.
func ClassifyTier(lastQualifying, consecutiveEmpty int) Tier {
	switch {
	case lastQualifying > 0:
		return TierHot
	case consecutiveEmpty >= ColdAfterEmptyScans:
		return TierCold
	default:
		// raw yield without qualifying results, or fewer than ColdAfterEmptyScans empty scans
		return TierWarm
	}
}

// TargetScanOutcome is what a session learned about one target.
type TargetScanOutcome struct {
	TargetID   string
	RawCount   int
	Qualifying int
	ScannedAt  time.Time
}
