package store

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"relentless-harvester/internal/models"
)

func newTestRedisJobStore(t *testing.T, mr *miniredis.Miniredis) *RedisJobStore {
	t.Helper()
	s := newRedisJobStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", time.Minute)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisJobStoreJobs(t *testing.T) {
	exerciseJobStore(t, newTestRedisJobStore(t, miniredis.RunT(t)))
}

func TestRedisJobStoreClaimRequest(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestRedisJobStore(t, mr)
	ctx := context.Background()

	ok, err := s.ClaimRequest(ctx, "job-1", "worker-a")
	if err != nil || !ok {
		t.Fatalf("expected first claim, got ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimRequest(ctx, "job-1", "worker-b")
	if err != nil || ok {
		t.Fatalf("expected second claim refused, got ok=%v err=%v", ok, err)
	}
	if owner, _ := mr.Get("test:claim:job-1"); owner != "worker-a" {
		t.Fatalf("expected worker-a to own the claim, got %q", owner)
	}

	mr.FastForward(2 * time.Minute)
	if ok, err := s.ClaimRequest(ctx, "job-1", "worker-b"); err != nil || !ok {
		t.Fatalf("expected claim after ttl, got ok=%v err=%v", ok, err)
	}
}

func TestRedisJobStoreTakesOverStaleSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestRedisJobStore(t, mr)
	ctx := context.Background()

	// slot left behind by a job whose hash is gone
	if err := mr.Set("test:active:default", "ghost"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveJob(ctx, "default"); err == nil {
		t.Fatal("expected no active job for a missing hash")
	}
	if _, ok, err := s.CreateJobIfNoneActive(ctx, newJob("job-1", "default")); err != nil || !ok {
		t.Fatalf("expected stale slot to be taken over, got ok=%v err=%v", ok, err)
	}
	active, err := s.ActiveJob(ctx, "default")
	if err != nil || active.ID != "job-1" {
		t.Fatalf("expected job-1 active, got %q err=%v", active.ID, err)
	}
}

// interleaveHook runs fn once, right after the first GET its client sends.
type interleaveHook struct {
	once sync.Once
	fn   func()
}

func (h *interleaveHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *interleaveHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "get" {
			h.once.Do(h.fn)
		}
		return err
	}
}

func (h *interleaveHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisJobStoreCreateRacingCreatorGetsExisting(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestRedisJobStore(t, mr)
	second := newTestRedisJobStore(t, mr)
	ctx := context.Background()

	var (
		secondJob     models.Job
		secondCreated bool
		secondErr     error
	)
	first.client.AddHook(&interleaveHook{fn: func() {
		secondJob, secondCreated, secondErr = second.CreateJobIfNoneActive(ctx, newJob("job-b", "f"))
	}})

	firstJob, firstCreated, err := first.CreateJobIfNoneActive(ctx, newJob("job-a", "f"))
	if err != nil || secondErr != nil {
		t.Fatalf("unexpected errors: %v / %v", err, secondErr)
	}
	if firstCreated || !secondCreated {
		t.Fatalf("expected the interleaved creator to win, got first=%v second=%v", firstCreated, secondCreated)
	}
	if firstJob.ID != "job-b" || secondJob.ID != "job-b" {
		t.Fatalf("expected both callers to see job-b, got %q and %q", firstJob.ID, secondJob.ID)
	}

	active, err := first.ActiveJob(ctx, "f")
	if err != nil || active.ID != "job-b" || active.Status != models.JobRunning {
		t.Fatalf("expected job-b running, got %+v err=%v", active, err)
	}
	if _, err := first.GetJob(ctx, "job-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected aborted creator to leave no job record, got %v", err)
	}
}

func TestRedisJobStoreConcurrentCreatesOneActive(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < callers; i++ {
		s := newTestRedisJobStore(t, mr)
		id := "job-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, ok, err := s.CreateJobIfNoneActive(ctx, newJob(id, "f"))
			if err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[j.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 || len(ids) != 1 {
		t.Fatalf("expected one created job seen by all callers, got created=%d ids=%v", created, ids)
	}
}
