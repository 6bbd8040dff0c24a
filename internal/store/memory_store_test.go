package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relentless-harvester/internal/models"
)

func newJob(id, family string) models.Job {
	return models.Job{
		ID:        id,
		Family:    family,
		Status:    models.JobRunning,
		Trigger:   models.TriggerManual,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// exerciseJobStore runs the same contract checks against any JobStore.
func exerciseJobStore(t *testing.T, s JobStore) {
	t.Helper()
	ctx := context.Background()

	created, ok, err := s.CreateJobIfNoneActive(ctx, newJob("job-1", "default"))
	if err != nil || !ok {
		t.Fatalf("expected job created, got ok=%v err=%v", ok, err)
	}
	if created.ID != "job-1" {
		t.Fatalf("unexpected created id %q", created.ID)
	}

	existing, ok, err := s.CreateJobIfNoneActive(ctx, newJob("job-2", "default"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || existing.ID != "job-1" {
		t.Fatalf("expected existing job-1, got ok=%v id=%q", ok, existing.ID)
	}

	if _, ok, err := s.CreateJobIfNoneActive(ctx, newJob("job-3", "other")); err != nil || !ok {
		t.Fatalf("expected independent family to create, got ok=%v err=%v", ok, err)
	}

	if err := s.SetJobTotal(ctx, "job-1", 3); err != nil {
		t.Fatalf("set total: %v", err)
	}
	if err := s.IncrementProgress(ctx, "job-1", 2); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementProgress(ctx, "job-1", 0); err != nil {
		t.Fatalf("increment: %v", err)
	}
	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Progress != 2 || job.FoundCount != 2 || job.Total != 3 {
		t.Fatalf("unexpected counters: %+v", job)
	}

	pausedAt := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	if err := s.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobRunning}, models.JobPaused, pausedAt); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err = s.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobRunning}, models.JobPaused, pausedAt)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict pausing a paused job, got %v", err)
	}
	job, _ = s.GetJob(ctx, "job-1")
	if job.Status != models.JobPaused || job.PausedAt == nil || !job.PausedAt.Equal(pausedAt) {
		t.Fatalf("unexpected paused job: %+v", job)
	}

	if err := s.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobRunning, models.JobPaused}, models.JobCancelled, pausedAt); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CompleteJob(ctx, "job-1", pausedAt); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict completing cancelled job, got %v", err)
	}
	if _, err := s.ActiveJob(ctx, "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active job after cancel, got %v", err)
	}

	if _, ok, err := s.CreateJobIfNoneActive(ctx, newJob("job-4", "default")); err != nil || !ok {
		t.Fatalf("expected new job after terminal, got ok=%v err=%v", ok, err)
	}
	if err := s.SetJobTotal(ctx, "job-4", 5); err != nil {
		t.Fatalf("set total: %v", err)
	}
	if err := s.CompleteJob(ctx, "job-4", pausedAt); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job, _ = s.GetJob(ctx, "job-4")
	if job.Status != models.JobCompleted || job.Progress != 5 || job.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", job)
	}
	latest, err := s.LatestJob(ctx, "default")
	if err != nil || latest.ID != "job-4" {
		t.Fatalf("expected latest job-4, got %q err=%v", latest.ID, err)
	}

	if err := s.FailJob(ctx, "job-3", "boom", pausedAt); err != nil {
		t.Fatalf("fail: %v", err)
	}
	job, _ = s.GetJob(ctx, "job-3")
	if job.Status != models.JobFailed || job.ErrorMessage != "boom" {
		t.Fatalf("unexpected failed job: %+v", job)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.IncrementProgress(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.TransitionJob(ctx, "missing", []models.JobStatus{models.JobRunning}, models.JobPaused, pausedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func exerciseTargetStore(t *testing.T, s TargetStore) {
	t.Helper()
	ctx := context.Background()
	for _, target := range []models.ScanTarget{
		{ID: "a", DisplayName: "A", Enabled: true, BenchmarkPrice: 100},
		{ID: "b", DisplayName: "B", Enabled: true, BenchmarkPrice: 50},
		{ID: "c", DisplayName: "C", Enabled: false, BenchmarkPrice: 10},
	} {
		if err := s.UpsertTarget(ctx, target); err != nil {
			t.Fatalf("upsert %s: %v", target.ID, err)
		}
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := s.RecordTargetScan(ctx, models.TargetScanOutcome{TargetID: "b", RawCount: 4, Qualifying: 2, ScannedAt: now}); err != nil {
		t.Fatalf("record b: %v", err)
	}
	for i := 0; i < models.ColdAfterEmptyScans; i++ {
		if err := s.RecordTargetScan(ctx, models.TargetScanOutcome{TargetID: "a", ScannedAt: now}); err != nil {
			t.Fatalf("record a: %v", err)
		}
	}

	targets, err := s.ListEnabledTargets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 enabled targets, got %d", len(targets))
	}
	if targets[0].ID != "b" || targets[0].Tier != models.TierHot || targets[0].LastYield != 4 {
		t.Fatalf("unexpected first target: %+v", targets[0])
	}
	if targets[1].ID != "a" || targets[1].Tier != models.TierCold || targets[1].ConsecutiveEmpty != models.ColdAfterEmptyScans {
		t.Fatalf("unexpected second target: %+v", targets[1])
	}
	if targets[1].LastScannedAt == nil || !targets[1].LastScannedAt.Equal(now) {
		t.Fatalf("expected last scanned at %v, got %v", now, targets[1].LastScannedAt)
	}

	if err := s.RecordTargetScan(ctx, models.TargetScanOutcome{TargetID: "a", RawCount: 1, ScannedAt: now}); err != nil {
		t.Fatalf("record a: %v", err)
	}
	targets, _ = s.ListEnabledTargets(ctx)
	if targets[1].ConsecutiveEmpty != 0 || targets[1].Tier != models.TierWarm {
		t.Fatalf("expected raw yield to reset empty streak, got %+v", targets[1])
	}

	if err := s.RecordTargetScan(ctx, models.TargetScanOutcome{TargetID: "missing", ScannedAt: now}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func exerciseEgressStore(t *testing.T, s EgressStore) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []models.Egress{
		{ID: "e1", Address: "http://10.0.0.1:8080", Kind: models.EgressHTTPProxy, IsAlive: true},
		{ID: "e2", Address: "socks5://10.0.0.2:1080", Kind: models.EgressSOCKSProxy, IsAlive: true},
	} {
		if err := s.UpsertEgress(ctx, e); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}
	failedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := s.UpdateEgressHealth(ctx, models.Egress{ID: "e2", IsAlive: false, FailCount: 3, LastFailedAt: &failedAt}); err != nil {
		t.Fatalf("update health: %v", err)
	}

	alive, err := s.ListAliveEgresses(ctx)
	if err != nil {
		t.Fatalf("list alive: %v", err)
	}
	if len(alive) != 1 || alive[0].ID != "e1" {
		t.Fatalf("unexpected alive egresses: %+v", alive)
	}
	all, err := s.ListEgresses(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[1].FailCount != 3 || all[1].LastFailedAt == nil {
		t.Fatalf("unexpected egresses: %+v", all)
	}
	if all[1].Kind != models.EgressSOCKSProxy {
		t.Fatalf("expected kind to round-trip, got %q", all[1].Kind)
	}

	if err := s.DeleteEgress(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteEgress(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.UpdateEgressHealth(ctx, models.Egress{ID: "e1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreJobs(t *testing.T) {
	exerciseJobStore(t, NewMemoryStore())
}

func TestMemoryStoreTargets(t *testing.T) {
	exerciseTargetStore(t, NewMemoryStore())
}

func TestMemoryStoreEgresses(t *testing.T) {
	exerciseEgressStore(t, NewMemoryStore())
}

func TestMemoryStoreConcurrentProgress(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := s.CreateJobIfNoneActive(ctx, newJob("job-1", "default")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementProgress(ctx, "job-1", 1)
		}()
	}
	wg.Wait()

	job, _ := s.GetJob(ctx, "job-1")
	if job.Progress != 50 || job.FoundCount != 50 {
		t.Fatalf("expected 50/50, got %d/%d", job.Progress, job.FoundCount)
	}
}

func TestWithJobStoreRoutesJobs(t *testing.T) {
	base := NewMemoryStore()
	jobs := NewMemoryStore()
	s := WithJobStore(base, jobs)
	ctx := context.Background()

	if _, _, err := s.CreateJobIfNoneActive(ctx, newJob("job-1", "default")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := jobs.GetJob(ctx, "job-1"); err != nil {
		t.Fatalf("expected job in job backend: %v", err)
	}
	if _, err := base.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected job absent from base, got %v", err)
	}
	if err := s.UpsertEgress(ctx, models.Egress{ID: "e1", IsAlive: true}); err != nil {
		t.Fatalf("upsert egress: %v", err)
	}
	if got, _ := base.ListEgresses(ctx); len(got) != 1 {
		t.Fatalf("expected egress in base, got %d", len(got))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreRejectsIllegalEdge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := s.CreateJobIfNoneActive(ctx, newJob("job-1", "default")); err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	if err := s.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobRunning}, models.JobPaused, at); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// paused -> completed is not an edge even when the caller lists paused as allowed
	err := s.TransitionJob(ctx, "job-1", []models.JobStatus{models.JobPaused}, models.JobCompleted, at)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != models.JobPaused {
		t.Fatalf("expected job to stay paused, got %s", job.Status)
	}
}
