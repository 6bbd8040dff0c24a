package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/store"
)

var (
	// ErrInvalidTransition is returned when the job is not in a state the operation applies to.
	ErrInvalidTransition = errors.New("job: invalid state transition")
	// ErrNotFound is returned when no matching job exists.
	ErrNotFound = errors.New("job: not found")
)

// DefaultPollInterval is how often WaitUntilRunnable re-reads a paused job.
const DefaultPollInterval = 2 * time.Second

// Controller drives the job state machine on top of a JobStore. All state lives in
// the store, so a controller in one process and workers in another stay consistent.
type Controller struct {
	store store.JobStore
	poll  time.Duration
	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

// NewController returns a controller polling every poll interval (DefaultPollInterval when zero).
func NewController(s store.JobStore, poll time.Duration) *Controller {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Controller{
		store: s,
		poll:  poll,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
		log:   logger.WithComponent("job"),
	}
}

// Trigger creates a running job for family. When the family already has a running or
// paused job, that job is returned with created=false and nothing is written.
func (c *Controller) Trigger(ctx context.Context, family string, kind models.Trigger) (models.Job, bool, error) {
	if family == "" {
		family = models.DefaultFamily
	}
	job := models.Job{
		ID:        c.newID(),
		Family:    family,
		Status:    models.JobRunning,
		Trigger:   kind,
		StartedAt: c.now(),
	}
	existing, created, err := c.store.CreateJobIfNoneActive(ctx, job)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if !created {
		c.log.Info().Str("family", family).Str("job_id", existing.ID).Str("status", string(existing.Status)).Msg("trigger refused, job already active")
		return existing, false, nil
	}
	c.log.Info().Str("family", family).Str("job_id", existing.ID).Str("trigger", string(kind)).Msg("job created")
	return existing, true, nil
}

// Pause moves the family's running job to paused.
func (c *Controller) Pause(ctx context.Context, family string) (models.Job, error) {
	return c.transitionActive(ctx, family, []models.JobStatus{models.JobRunning}, models.JobPaused)
}

// Resume moves the family's paused job back to running.
func (c *Controller) Resume(ctx context.Context, family string) (models.Job, error) {
	return c.transitionActive(ctx, family, []models.JobStatus{models.JobPaused}, models.JobRunning)
}

// Cancel ends the family's running or paused job. In-flight units finish; workers stop
// before their next dequeue.
func (c *Controller) Cancel(ctx context.Context, family string) (models.Job, error) {
	return c.transitionActive(ctx, family, []models.JobStatus{models.JobRunning, models.JobPaused}, models.JobCancelled)
}

// Status returns the family's active job, or its most recent one when none is active.
func (c *Controller) Status(ctx context.Context, family string) (models.Job, error) {
	if family == "" {
		family = models.DefaultFamily
	}
	job, err := c.store.ActiveJob(ctx, family)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Job{}, err
	}
	job, err = c.store.LatestJob(ctx, family)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// Get returns a job by id.
func (c *Controller) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// WaitUntilRunnable blocks while the job is paused, re-reading it every poll interval.
// It returns true when the job is running and false when it is cancelled, finished or
// gone. Store errors are returned as-is.
func (c *Controller) WaitUntilRunnable(ctx context.Context, jobID string) (bool, error) {
	for {
		job, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("read job %s: %w", jobID, err)
		}
		switch job.Status {
		case models.JobRunning:
			return true, nil
		case models.JobPaused:
			timer := time.NewTimer(c.poll)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case <-timer.C:
			}
		default:
			return false, nil
		}
	}
}

// SetTotal records how many targets the session will process.
func (c *Controller) SetTotal(ctx context.Context, jobID string, total int) error {
	return c.store.SetJobTotal(ctx, jobID, total)
}

// RecordProgress counts one processed target and the qualifying listings it produced.
func (c *Controller) RecordProgress(ctx context.Context, jobID string, found int) error {
	return c.store.IncrementProgress(ctx, jobID, found)
}

// Complete marks the job completed if it is still running or paused. A job that was
// cancelled meanwhile is left untouched and ErrInvalidTransition is returned.
func (c *Controller) Complete(ctx context.Context, jobID string) error {
	err := c.store.CompleteJob(ctx, jobID, c.now())
	return c.mapConditional(err)
}

// Fail marks the job failed with msg if it is still running or paused.
func (c *Controller) Fail(ctx context.Context, jobID string, msg string) error {
	err := c.store.FailJob(ctx, jobID, msg, c.now())
	return c.mapConditional(err)
}

func (c *Controller) transitionActive(ctx context.Context, family string, from []models.JobStatus, to models.JobStatus) (models.Job, error) {
	if family == "" {
		family = models.DefaultFamily
	}
	job, err := c.store.ActiveJob(ctx, family)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, err
	}
	if !models.CanTransition(job.Status, to) {
		return models.Job{}, ErrInvalidTransition
	}
	if err := c.store.TransitionJob(ctx, job.ID, from, to, c.now()); err != nil {
		return models.Job{}, c.mapConditional(err)
	}
	c.log.Info().Str("family", family).Str("job_id", job.ID).Str("from", string(job.Status)).Str("to", string(to)).Msg("job transition")
	return c.Get(ctx, job.ID)
}

func (c *Controller) mapConditional(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return ErrInvalidTransition
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return err
	}
}
