package scan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relentless-harvester/internal/job"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/proxypool"
	"relentless-harvester/internal/queue"
	"relentless-harvester/internal/store"
	"relentless-harvester/internal/upstream"
)

// egressTag marks which egress a client belongs to so fake searchers can tell routes apart.
type egressTag string

func (egressTag) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("not used")
}

func routeEgress(r upstream.Route) string {
	if r.HTTP == nil {
		return "direct"
	}
	if tag, ok := r.HTTP.Transport.(egressTag); ok {
		return string(tag)
	}
	return "direct"
}

type searchFunc func(ctx context.Context, route upstream.Route, targetID string) ([]models.Listing, error)

type fakeSearcher struct {
	mu    sync.Mutex
	calls []string
	fn    searchFunc
}

func (f *fakeSearcher) Search(ctx context.Context, route upstream.Route, targetID string, _ models.SearchFilters) ([]models.Listing, error) {
	f.mu.Lock()
	f.calls = append(f.calls, routeEgress(route)+":"+targetID)
	f.mu.Unlock()
	return f.fn(ctx, route, targetID)
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingSink struct {
	mu       sync.Mutex
	results  []models.ScanResult
	failures []models.TargetFailure
}

func (s *recordingSink) PublishResult(_ context.Context, r models.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) PublishFailure(_ context.Context, f models.TargetFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

type harness struct {
	store    *store.MemoryStore
	jobs     *job.Controller
	searcher *fakeSearcher
	sink     *recordingSink
	pool     *proxypool.Pool
	sleeps   []time.Duration
	sleepMu  sync.Mutex
	jobID    string
	queue    *queue.Queue
}

func newHarness(t *testing.T, targets int, egressIDs []string, fn searchFunc) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:    store.NewMemoryStore(),
		searcher: &fakeSearcher{fn: fn},
		sink:     &recordingSink{},
	}
	h.jobs = job.NewController(h.store, 5*time.Millisecond)

	for i := 0; i < targets; i++ {
		target := models.ScanTarget{ID: fmt.Sprintf("t%02d", i), DisplayName: "target", Enabled: true, BenchmarkPrice: 100}
		if err := h.store.UpsertTarget(ctx, target); err != nil {
			t.Fatalf("upsert target: %v", err)
		}
	}

	if len(egressIDs) > 0 {
		var egresses []models.Egress
		for _, id := range egressIDs {
			e := models.Egress{ID: id, Address: "http://" + id + ":3128", Kind: models.EgressHTTPProxy, IsAlive: true}
			egresses = append(egresses, e)
			if err := h.store.UpsertEgress(ctx, e); err != nil {
				t.Fatalf("upsert egress: %v", err)
			}
		}
		pool, err := proxypool.New(egresses, proxypool.Options{
			MaxFail:   3,
			RateLimit: 1000,
			RateBurst: 10,
			Health:    h.store,
			ClientFactory: func(e models.Egress) (*http.Client, error) {
				return &http.Client{Transport: egressTag(e.ID)}, nil
			},
		})
		if err != nil {
			t.Fatalf("new pool: %v", err)
		}
		h.pool = pool
	}

	j, created, err := h.jobs.Trigger(ctx, "", models.TriggerManual)
	if err != nil || !created {
		t.Fatalf("trigger: created=%v err=%v", created, err)
	}
	h.jobID = j.ID
	q, err := queue.Build(ctx, h.store, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("build queue: %v", err)
	}
	h.queue = q
	return h
}

func (h *harness) engine(workers, attempts int) *Engine {
	deps := Deps{
		Jobs:     h.jobs,
		Searcher: h.searcher,
		Targets:  h.store,
		Sink:     h.sink,
		Score:    DiscountScorer(0.2),
	}
	if h.pool != nil {
		deps.Pool = h.pool
	}
	e := NewEngine(deps, Options{Workers: workers, MaxAttempts: attempts})
	e.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleepMu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.sleepMu.Unlock()
		return ctx.Err()
	}
	return e
}

func (h *harness) job(t *testing.T) models.Job {
	t.Helper()
	j, err := h.jobs.Get(context.Background(), h.jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func cheapListing(targetID string) []models.Listing {
	return []models.Listing{
		{ID: targetID + "-cheap", TargetID: targetID, Price: 50},
		{ID: targetID + "-full", TargetID: targetID, Price: 100},
	}
}

func TestEngineBlockedEgressRetiredAndJobCompletes(t *testing.T) {
	var blockedCalls int32
	h := newHarness(t, 10, []string{"e1", "e2", "e3"}, func(_ context.Context, route upstream.Route, targetID string) ([]models.Listing, error) {
		if routeEgress(route) == "e2" {
			atomic.AddInt32(&blockedCalls, 1)
			return nil, &upstream.StatusError{StatusCode: http.StatusForbidden, Proxied: route.Proxied}
		}
		return cheapListing(targetID), nil
	})

	if err := h.engine(2, 10).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := atomic.LoadInt32(&blockedCalls); n > 1 {
		t.Fatalf("blocked egress used %d times, want at most 1", n)
	}
	j := h.job(t)
	if j.Status != models.JobCompleted || j.Progress != 10 || j.Total != 10 {
		t.Fatalf("unexpected job: %+v", j)
	}
	if j.FoundCount != 10 || len(h.sink.results) != 10 {
		t.Fatalf("expected 10 qualifying results, found=%d published=%d", j.FoundCount, len(h.sink.results))
	}
	if len(h.sink.failures) != 0 {
		t.Fatalf("unexpected target failures: %+v", h.sink.failures)
	}
	if h.pool.Count() != 2 {
		t.Fatalf("expected 2 egresses left, got %d", h.pool.Count())
	}
	egresses, _ := h.store.ListEgresses(context.Background())
	for _, e := range egresses {
		if e.ID == "e2" && (e.IsAlive || e.FailCount < 3) {
			t.Fatalf("expected e2 persisted as retired, got %+v", e)
		}
		if e.ID != "e2" && !e.IsAlive {
			t.Fatalf("healthy egress %s marked dead", e.ID)
		}
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("egress failures must rotate without sleeping, slept %v", h.sleeps)
	}
}

func TestEngineDirectModeSingleWorker(t *testing.T) {
	var inFlight, maxInFlight int32
	h := newHarness(t, 6, nil, func(_ context.Context, route upstream.Route, targetID string) ([]models.Listing, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if route.Proxied {
			t.Errorf("direct route must not be proxied")
		}
		return cheapListing(targetID), nil
	})

	if err := h.engine(5, 10).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}
	if maxInFlight != 1 {
		t.Fatalf("expected single worker without egresses, saw %d concurrent calls", maxInFlight)
	}
	j := h.job(t)
	if j.Status != models.JobCompleted || j.Progress != 6 {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestEngineFallsBackToDirectWhenPoolEmpties(t *testing.T) {
	var directInFlight, maxDirect int32
	h := newHarness(t, 8, []string{"e1", "e2"}, func(_ context.Context, route upstream.Route, targetID string) ([]models.Listing, error) {
		if routeEgress(route) != "direct" {
			return nil, &upstream.StatusError{StatusCode: http.StatusForbidden, Proxied: route.Proxied}
		}
		n := atomic.AddInt32(&directInFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxDirect)
			if n <= cur || atomic.CompareAndSwapInt32(&maxDirect, cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&directInFlight, -1)
		return cheapListing(targetID), nil
	})

	e := h.engine(4, 10)
	if err := e.Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}

	j := h.job(t)
	if j.Status != models.JobCompleted || j.Progress != 8 || j.FoundCount != 8 {
		t.Fatalf("unexpected job: %+v", j)
	}
	if h.pool.Count() != 0 {
		t.Fatalf("expected every blocked egress retired, %d left", h.pool.Count())
	}
	if e.Stats().DirectFallbacks.Load() == 0 {
		t.Fatal("expected direct fallbacks to be counted")
	}
	if maxDirect != 1 {
		t.Fatalf("direct route must serve one worker at a time, saw %d concurrent calls", maxDirect)
	}
	if len(h.sink.failures) != 0 {
		t.Fatalf("unexpected target failures: %+v", h.sink.failures)
	}
}

func TestEngineRateLimitBacksOffAndRotates(t *testing.T) {
	var first int32
	h := newHarness(t, 1, []string{"e1", "e2"}, func(_ context.Context, route upstream.Route, targetID string) ([]models.Listing, error) {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			return nil, &upstream.StatusError{StatusCode: http.StatusTooManyRequests}
		}
		return cheapListing(targetID), nil
	})

	if err := h.engine(1, 10).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.searcher.calls) != 2 {
		t.Fatalf("expected 2 calls, got %v", h.searcher.calls)
	}
	if h.searcher.calls[0] == h.searcher.calls[1] {
		t.Fatalf("retry must use a different egress, got %v", h.searcher.calls)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 500*time.Millisecond {
		t.Fatalf("expected one 500ms backoff, got %v", h.sleeps)
	}
	egresses, _ := h.store.ListEgresses(context.Background())
	for _, e := range egresses {
		if e.FailCount > 1 {
			t.Fatalf("unexpected fail count on %s: %d", e.ID, e.FailCount)
		}
	}
}

func TestEngineRetryAfterIsMinimumBackoff(t *testing.T) {
	var first int32
	h := newHarness(t, 1, nil, func(context.Context, upstream.Route, string) ([]models.Listing, error) {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			return nil, &upstream.StatusError{StatusCode: http.StatusServiceUnavailable, RetryAfter: 3 * time.Second}
		}
		return nil, nil
	})
	if err := h.engine(1, 10).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 3*time.Second {
		t.Fatalf("expected Retry-After backoff of 3s, got %v", h.sleeps)
	}
}

func TestEngineExhaustedTargetIsRecordedAndSessionContinues(t *testing.T) {
	h := newHarness(t, 2, nil, func(_ context.Context, _ upstream.Route, targetID string) ([]models.Listing, error) {
		if targetID == "t00" {
			return nil, &upstream.StatusError{StatusCode: http.StatusTooManyRequests}
		}
		return cheapListing(targetID), nil
	})

	if err := h.engine(1, 3).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}
	j := h.job(t)
	if j.Status != models.JobCompleted || j.Progress != 2 || j.FoundCount != 1 {
		t.Fatalf("unexpected job: %+v", j)
	}
	if len(h.sink.failures) != 1 {
		t.Fatalf("expected one failure record, got %+v", h.sink.failures)
	}
	f := h.sink.failures[0]
	if f.TargetID != "t00" || f.Attempts != 3 || f.Class != "rate_limit" || f.JobID != h.jobID {
		t.Fatalf("unexpected failure record: %+v", f)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(h.sleeps) != len(want) || h.sleeps[0] != want[0] || h.sleeps[1] != want[1] {
		t.Fatalf("expected backoff %v, got %v", want, h.sleeps)
	}
	targets, _ := h.store.ListEnabledTargets(context.Background())
	for _, target := range targets {
		if target.ID == "t00" && (target.ConsecutiveEmpty != 1 || target.LastScannedAt == nil) {
			t.Fatalf("expected zero yield recorded for t00, got %+v", target)
		}
		if target.ID == "t01" && target.Tier != models.TierHot {
			t.Fatalf("expected t01 hot, got %+v", target)
		}
	}
}

func TestEngineTargetErrorDoesNotRetry(t *testing.T) {
	h := newHarness(t, 1, []string{"e1"}, func(context.Context, upstream.Route, string) ([]models.Listing, error) {
		return nil, &upstream.StatusError{StatusCode: http.StatusNotFound}
	})
	if err := h.engine(1, 10).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.searcher.callCount() != 1 {
		t.Fatalf("target errors must not be retried, got %d calls", h.searcher.callCount())
	}
	if len(h.sink.failures) != 1 || h.sink.failures[0].Class != "target" {
		t.Fatalf("unexpected failures: %+v", h.sink.failures)
	}
	if h.pool.Count() != 1 || h.pool.Available() != 1 {
		t.Fatalf("egress must be returned after a target error")
	}
}

func TestEnginePauseAndResume(t *testing.T) {
	h := newHarness(t, 4, nil, func(_ context.Context, _ upstream.Route, targetID string) ([]models.Listing, error) {
		return cheapListing(targetID), nil
	})
	ctx := context.Background()
	if _, err := h.jobs.Pause(ctx, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.engine(2, 10).Run(ctx, h.jobID, h.queue) }()

	time.Sleep(40 * time.Millisecond)
	if h.searcher.callCount() != 0 {
		t.Fatalf("paused job must not dequeue, got %d calls", h.searcher.callCount())
	}
	if _, err := h.jobs.Resume(ctx, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not finish after resume")
	}
	j := h.job(t)
	if j.Status != models.JobCompleted || j.Progress != 4 {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestEngineCancelIsFinal(t *testing.T) {
	var h *harness
	h = newHarness(t, 20, nil, func(ctx context.Context, _ upstream.Route, targetID string) ([]models.Listing, error) {
		if targetID == "t02" {
			if _, err := h.jobs.Cancel(ctx, ""); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
		return cheapListing(targetID), nil
	})

	if err := h.engine(1, 10).Run(context.Background(), h.jobID, h.queue); err != nil {
		t.Fatalf("run: %v", err)
	}
	j := h.job(t)
	if j.Status != models.JobCancelled {
		t.Fatalf("cancelled job must stay cancelled, got %s", j.Status)
	}
	if j.Progress != 3 {
		t.Fatalf("in-flight target should finish and nothing else start, progress=%d", j.Progress)
	}
	if h.queue.Len() != 17 {
		t.Fatalf("expected 17 targets left, got %d", h.queue.Len())
	}
}

type failingTargets struct{}

func (failingTargets) RecordTargetScan(context.Context, models.TargetScanOutcome) error {
	return errors.New("database is locked")
}

func TestEngineStoreFailureFailsJob(t *testing.T) {
	h := newHarness(t, 3, nil, func(_ context.Context, _ upstream.Route, targetID string) ([]models.Listing, error) {
		return cheapListing(targetID), nil
	})
	e := h.engine(1, 10)
	e.deps.Targets = failingTargets{}

	err := e.Run(context.Background(), h.jobID, h.queue)
	if err == nil {
		t.Fatalf("expected job-level error")
	}
	j := h.job(t)
	if j.Status != models.JobFailed || j.ErrorMessage == "" {
		t.Fatalf("expected failed job with message, got %+v", j)
	}
}

func TestEnginePanicFailsJob(t *testing.T) {
	h := newHarness(t, 2, nil, func(_ context.Context, _ upstream.Route, targetID string) ([]models.Listing, error) {
		return cheapListing(targetID), nil
	})
	e := h.engine(1, 10)
	e.deps.Score = func(models.ScanTarget, models.Listing, models.Benchmarks) models.Score {
		panic("bad scorer")
	}
	if err := e.Run(context.Background(), h.jobID, h.queue); err == nil {
		t.Fatalf("expected error from panic")
	}
	if j := h.job(t); j.Status != models.JobFailed {
		t.Fatalf("expected failed job, got %s", j.Status)
	}
}

func TestEngineInterruptedFailsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, 5, nil, func(_ context.Context, _ upstream.Route, targetID string) ([]models.Listing, error) {
		if targetID == "t01" {
			cancel()
		}
		return nil, nil
	})
	if err := h.engine(1, 10).Run(ctx, h.jobID, h.queue); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if j := h.job(t); j.Status != models.JobFailed {
		t.Fatalf("expected interrupted job failed, got %s", j.Status)
	}
}

func TestDiscountScorer(t *testing.T) {
	score := DiscountScorer(0.2)
	target := models.ScanTarget{ID: "t"}
	bench := models.Benchmarks{Price: 100}
	if s := score(target, models.Listing{Price: 80}, bench); !s.Qualifies || s.Value < 0.199 {
		t.Fatalf("expected 20%% discount to qualify, got %+v", s)
	}
	if s := score(target, models.Listing{Price: 81}, bench); s.Qualifies {
		t.Fatalf("expected 19%% discount not to qualify, got %+v", s)
	}
	if s := score(target, models.Listing{Price: 10}, models.Benchmarks{}); s.Qualifies {
		t.Fatalf("no benchmark must not qualify")
	}
}
