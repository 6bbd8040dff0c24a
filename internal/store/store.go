package store

import (
	"context"
	"errors"
	"time"

	"relentless-harvester/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update finds the record in an unexpected state.
	ErrConflict = errors.New("store: status conflict")
)

// JobStore persists scan job records. Counters are updated with atomic increments so
// concurrent workers never read-modify-write.
type JobStore interface {
	// CreateJobIfNoneActive inserts job unless a running or paused job exists for its family,
	// in which case the existing job is returned with created=false.
	CreateJobIfNoneActive(ctx context.Context, job models.Job) (existing models.Job, created bool, err error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ActiveJob(ctx context.Context, family string) (models.Job, error)
	LatestJob(ctx context.Context, family string) (models.Job, error)
	// TransitionJob moves the job from one of the allowed statuses to `to`, returning
	// ErrConflict when the current status is not in from.
	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, at time.Time) error
	SetJobTotal(ctx context.Context, id string, total int) error
	IncrementProgress(ctx context.Context, id string, found int) error
	// CompleteJob marks a running or paused job completed with progress = total.
	CompleteJob(ctx context.Context, id string, at time.Time) error
	// FailJob marks a running or paused job failed with msg.
	FailJob(ctx context.Context, id string, msg string, at time.Time) error
}

// EgressStore persists egress health.
type EgressStore interface {
	ListAliveEgresses(ctx context.Context) ([]models.Egress, error)
	ListEgresses(ctx context.Context) ([]models.Egress, error)
	UpdateEgressHealth(ctx context.Context, egress models.Egress) error
	UpsertEgress(ctx context.Context, egress models.Egress) error
	DeleteEgress(ctx context.Context, id string) error
}

// TargetStore persists scan targets and their yield history.
type TargetStore interface {
	// ListEnabledTargets returns enabled targets ordered by last qualifying yield, highest first.
	ListEnabledTargets(ctx context.Context) ([]models.ScanTarget, error)
	RecordTargetScan(ctx context.Context, outcome models.TargetScanOutcome) error
	UpsertTarget(ctx context.Context, target models.ScanTarget) error
}

// Store bundles every persistence concern a worker process needs.
type Store interface {
	JobStore
	EgressStore
	TargetStore
	Close() error
}

// split serves jobs from one backend and everything else from another.
type split struct {
	JobStore
	EgressStore
	TargetStore
	closers []func() error
}

func (s *split) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WithJobStore returns a Store that reads and writes job records through jobs and
// delegates egress and target persistence to base. Close closes both.
func WithJobStore(base Store, jobs JobStore) Store {
	s := &split{
		JobStore:    jobs,
		EgressStore: base,
		TargetStore: base,
		closers:     []func() error{base.Close},
	}
	if c, ok := jobs.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}
	return s
}
