package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"relentless-harvester/internal/models"
)

const maxWatchRetries = 8

// RedisJobStore keeps job records in Redis hashes so the api and worker processes share
// one view of job state. An "active:<family>" key holds the id of the running or
// paused job and is claimed with SETNX.
type RedisJobStore struct {
	client   *redis.Client
	prefix   string
	claimTTL time.Duration
}

// NewRedisJobStore initializes a Redis-backed JobStore.
func NewRedisJobStore(addr, prefix string, claimTTL time.Duration) *RedisJobStore {
	return newRedisJobStore(redis.NewClient(&redis.Options{Addr: addr}), prefix, claimTTL)
}

func newRedisJobStore(client *redis.Client, prefix string, claimTTL time.Duration) *RedisJobStore {
	return &RedisJobStore{
		client:   client,
		prefix:   prefix,
		claimTTL: claimTTL,
	}
}

// Close closes the Redis client.
func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisJobStore) jobKey(id string) string        { return s.prefix + "job:" + id }
func (s *RedisJobStore) activeKey(family string) string { return s.prefix + "active:" + family }
func (s *RedisJobStore) latestKey(family string) string { return s.prefix + "latest:" + family }
func (s *RedisJobStore) claimKey(id string) string      { return s.prefix + "claim:" + id }

// ClaimRequest marks a scan request as taken by this worker. It returns false when
// another consumer already claimed it within the claim TTL.
func (s *RedisJobStore) ClaimRequest(ctx context.Context, jobID, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(jobID), owner, s.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim request %s: %w", jobID, err)
	}
	return ok, nil
}

// CreateJobIfNoneActive claims the family's active slot and writes the job hash in one
// MULTI while watching the slot, so a concurrent creator either sees the complete job or
// has its EXEC aborted and retries. A slot left pointing at a finished job is taken over.
func (s *RedisJobStore) CreateJobIfNoneActive(ctx context.Context, job models.Job) (models.Job, bool, error) {
	slot := s.activeKey(job.Family)
	var (
		existing models.Job
		created  bool
	)
	txf := func(tx *redis.Tx) error {
		created = false
		cur, err := tx.Get(ctx, slot).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != "" {
			vals, err := tx.HGetAll(ctx, s.jobKey(cur)).Result()
			if err != nil {
				return err
			}
			if len(vals) > 0 {
				j, err := parseJobFields(vals)
				if err != nil {
					return err
				}
				if j.Status.Active() {
					existing = j
					return nil
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.jobKey(job.ID), jobFields(job))
			pipe.Set(ctx, slot, job.ID, 0)
			pipe.Set(ctx, s.latestKey(job.Family), job.ID, 0)
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, slot)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("create job %s: %w", job.ID, err)
		}
		if created {
			return job, true, nil
		}
		return existing, false, nil
	}
	return models.Job{}, false, fmt.Errorf("claim active slot for %s: %w", job.Family, ErrConflict)
}

func (s *RedisJobStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return models.Job{}, ErrNotFound
	}
	return parseJobFields(vals)
}

// ActiveJob returns the job holding the family's slot. The slot is only ever moved by
// CreateJobIfNoneActive and cleared by terminal updates, so reads never modify it.
func (s *RedisJobStore) ActiveJob(ctx context.Context, family string) (models.Job, error) {
	id, err := s.client.Get(ctx, s.activeKey(family)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get active job for %s: %w", family, err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !job.Status.Active() {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *RedisJobStore) LatestJob(ctx context.Context, family string) (models.Job, error) {
	id, err := s.client.Get(ctx, s.latestKey(family)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get latest job for %s: %w", family, err)
	}
	return s.GetJob(ctx, id)
}

func (s *RedisJobStore) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, at time.Time) error {
	return s.conditionalUpdate(ctx, id, from, func(job models.Job) map[string]any {
		fields := map[string]any{"status": string(to)}
		switch {
		case to == models.JobPaused:
			fields["paused_at"] = at.UnixMilli()
		case to.Terminal():
			fields["completed_at"] = at.UnixMilli()
		}
		return fields
	})
}

func (s *RedisJobStore) SetJobTotal(ctx context.Context, id string, total int) error {
	key := s.jobKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("set total for job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, key, "total", total).Err()
}

func (s *RedisJobStore) IncrementProgress(ctx context.Context, id string, found int) error {
	key := s.jobKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("increment progress for job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "progress", 1)
		if found > 0 {
			pipe.HIncrBy(ctx, key, "found_count", int64(found))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment progress for job %s: %w", id, err)
	}
	return nil
}

func (s *RedisJobStore) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.conditionalUpdate(ctx, id, activeStatuses, func(job models.Job) map[string]any {
		return map[string]any{
			"status":       string(models.JobCompleted),
			"progress":     job.Total,
			"completed_at": at.UnixMilli(),
		}
	})
}

func (s *RedisJobStore) FailJob(ctx context.Context, id string, msg string, at time.Time) error {
	return s.conditionalUpdate(ctx, id, activeStatuses, func(job models.Job) map[string]any {
		return map[string]any{
			"status":        string(models.JobFailed),
			"error_message": msg,
			"completed_at":  at.UnixMilli(),
		}
	})
}

var activeStatuses = []models.JobStatus{models.JobRunning, models.JobPaused}

// conditionalUpdate applies the fields produced by update when the job's status is in
// from, retrying when a concurrent writer touches the hash between read and write.
func (s *RedisJobStore) conditionalUpdate(ctx context.Context, id string, from []models.JobStatus, update func(models.Job) map[string]any) error {
	key := s.jobKey(id)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		job, err := parseJobFields(vals)
		if err != nil {
			return err
		}
		if !statusIn(job.Status, from) {
			return ErrConflict
		}
		fields := update(job)
		newStatus := models.JobStatus(fmt.Sprint(fields["status"]))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if newStatus.Terminal() {
				pipe.Del(ctx, s.activeKey(job.Family))
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		return err
	}
	return fmt.Errorf("update job %s: %w", id, redis.TxFailedErr)
}

func jobFields(job models.Job) map[string]any {
	fields := map[string]any{
		"id":            job.ID,
		"family":        job.Family,
		"status":        string(job.Status),
		"trigger":       string(job.Trigger),
		"progress":      job.Progress,
		"total":         job.Total,
		"found_count":   job.FoundCount,
		"started_at":    job.StartedAt.UnixMilli(),
		"error_message": job.ErrorMessage,
	}
	if job.PausedAt != nil {
		fields["paused_at"] = job.PausedAt.UnixMilli()
	}
	if job.CompletedAt != nil {
		fields["completed_at"] = job.CompletedAt.UnixMilli()
	}
	return fields
}

func parseJobFields(vals map[string]string) (models.Job, error) {
	job := models.Job{
		ID:           vals["id"],
		Family:       vals["family"],
		Status:       models.JobStatus(vals["status"]),
		Trigger:      models.Trigger(vals["trigger"]),
		ErrorMessage: vals["error_message"],
	}
	ints := map[string]*int{
		"progress":    &job.Progress,
		"total":       &job.Total,
		"found_count": &job.FoundCount,
	}
	for name, dst := range ints {
		raw, ok := vals[name]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse job field %s: %w", name, err)
		}
		*dst = v
	}
	started, err := parseMillisField(vals, "started_at")
	if err != nil {
		return models.Job{}, err
	}
	if started != nil {
		job.StartedAt = *started
	}
	if job.PausedAt, err = parseMillisField(vals, "paused_at"); err != nil {
		return models.Job{}, err
	}
	if job.CompletedAt, err = parseMillisField(vals, "completed_at"); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func parseMillisField(vals map[string]string, name string) (*time.Time, error) {
	raw, ok := vals[name]
	if !ok || raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse job field %s: %w", name, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
