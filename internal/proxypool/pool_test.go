package proxypool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relentless-harvester/internal/models"
)

type recordingHealth struct {
	mu      sync.Mutex
	updates []models.Egress
}

func (r *recordingHealth) UpdateEgressHealth(_ context.Context, e models.Egress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, e)
	return nil
}

func (r *recordingHealth) last(id string) (models.Egress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.updates) - 1; i >= 0; i-- {
		if r.updates[i].ID == id {
			return r.updates[i], true
		}
	}
	return models.Egress{}, false
}

func testEgresses(ids ...string) []models.Egress {
	out := make([]models.Egress, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Egress{ID: id, Address: "http://127.0.0.1:1", Kind: models.EgressHTTPProxy, IsAlive: true})
	}
	return out
}

func newTestPool(t *testing.T, health HealthStore, ids ...string) *Pool {
	t.Helper()
	p, err := New(testEgresses(ids...), Options{
		MaxFail:       3,
		RateLimit:     100,
		RateBurst:     1,
		Health:        health,
		ClientFactory: func(models.Egress) (*http.Client, error) { return http.DefaultClient, nil },
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestCheckoutEmptyPool(t *testing.T) {
	p := newTestPool(t, nil)
	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrNoEgress) {
		t.Fatalf("expected ErrNoEgress, got %v", err)
	}
}

func TestNewSkipsDeadEgresses(t *testing.T) {
	egresses := testEgresses("a", "b")
	egresses[1].IsAlive = false
	p, err := New(egresses, Options{ClientFactory: func(models.Egress) (*http.Client, error) { return http.DefaultClient, nil }})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if p.Count() != 1 {
		t.Fatalf("expected 1 egress, got %d", p.Count())
	}
}

func TestCheckoutIsExclusive(t *testing.T) {
	p := newTestPool(t, nil, "a", "b", "c")
	ctx := context.Background()

	var holders [3]int32
	index := map[string]int{"a": 0, "b": 1, "c": 2}
	var wg sync.WaitGroup
	var violations int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				lease, err := p.Checkout(ctx)
				if err != nil {
					t.Errorf("checkout: %v", err)
					return
				}
				slot := &holders[index[lease.ID()]]
				if atomic.AddInt32(slot, 1) != 1 {
					atomic.AddInt32(&violations, 1)
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(slot, -1)
				p.Checkin(lease.ID())
			}
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Fatalf("egress held by two workers at once %d times", violations)
	}
	if p.Count() != 3 || p.Available() != 3 {
		t.Fatalf("expected all egresses back, count=%d available=%d", p.Count(), p.Available())
	}
}

func TestCheckoutPrefersNotAvoided(t *testing.T) {
	p := newTestPool(t, nil, "a", "b")
	lease, err := p.Checkout(context.Background(), "a")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if lease.ID() != "b" {
		t.Fatalf("expected b, got %s", lease.ID())
	}
	// only the avoided one is left; it is still handed out
	lease, err = p.Checkout(context.Background(), "a")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if lease.ID() != "a" {
		t.Fatalf("expected fallback to a, got %s", lease.ID())
	}
}

func TestCheckinHandsOffFIFO(t *testing.T) {
	p := newTestPool(t, nil, "a")
	ctx := context.Background()
	first, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	order := make(chan int, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			lease, err := p.Checkout(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			time.Sleep(10 * time.Millisecond)
			p.Checkin(lease.ID())
		}()
		waitForWaiters(t, p, i+1)
	}

	p.Checkin(first.ID())
	if got := <-order; got != 0 {
		t.Fatalf("expected oldest waiter first, got %d", got)
	}
	if got := <-order; got != 1 {
		t.Fatalf("expected second waiter next, got %d", got)
	}
}

func TestCheckoutCancelledWhileWaiting(t *testing.T) {
	p := newTestPool(t, nil, "a")
	lease, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	p.Checkin(lease.ID())
	if p.Available() != 1 {
		t.Fatalf("expected egress available after abandoned wait, got %d", p.Available())
	}
}

func TestMarkFailedRetiresAtThreshold(t *testing.T) {
	health := &recordingHealth{}
	p := newTestPool(t, health, "a")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		lease, err := p.Checkout(ctx)
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}
		p.MarkFailed(ctx, lease.ID())
	}

	if p.Count() != 0 {
		t.Fatalf("expected retired egress removed, count=%d", p.Count())
	}
	if _, err := p.Checkout(ctx); !errors.Is(err, ErrNoEgress) {
		t.Fatalf("expected ErrNoEgress after retirement, got %v", err)
	}
	got, ok := health.last("a")
	if !ok || got.IsAlive || got.FailCount != 3 || got.LastFailedAt == nil {
		t.Fatalf("expected persisted retirement, got %+v", got)
	}
}

func TestMarkSuccessResetsFailures(t *testing.T) {
	health := &recordingHealth{}
	p := newTestPool(t, health, "a")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		lease, err := p.Checkout(ctx)
		if err != nil {
			t.Fatalf("checkout: %v", err)
		}
		if i%2 == 0 {
			p.MarkFailed(ctx, lease.ID())
			continue
		}
		p.MarkSuccess(ctx, lease.ID())
		p.Checkin(lease.ID())
	}
	if p.Count() != 1 {
		t.Fatalf("expected egress alive, count=%d", p.Count())
	}
	got, _ := health.last("a")
	if got.FailCount != 1 || !got.IsAlive {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestMarkSuccessDoesNotCheckIn(t *testing.T) {
	p := newTestPool(t, nil, "a")
	lease, _ := p.Checkout(context.Background())
	p.MarkSuccess(context.Background(), lease.ID())
	if p.Available() != 0 {
		t.Fatalf("MarkSuccess must not return the egress")
	}
	p.Checkin(lease.ID())
	if p.Available() != 1 {
		t.Fatalf("expected egress back after checkin")
	}
}

func TestRetireWakesWaitersWhenEmpty(t *testing.T) {
	p := newTestPool(t, nil, "a")
	ctx := context.Background()
	lease, _ := p.Checkout(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(ctx)
		errCh <- err
	}()
	waitForWaiters(t, p, 1)

	p.Retire(ctx, lease.ID())
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNoEgress) {
			t.Fatalf("expected ErrNoEgress, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released")
	}
	// checkin of a retired egress is ignored
	p.Checkin(lease.ID())
	if p.Count() != 0 {
		t.Fatalf("retired egress returned to pool")
	}
}

func TestMarkFailedHandsOffToWaiter(t *testing.T) {
	p := newTestPool(t, nil, "a")
	ctx := context.Background()
	lease, _ := p.Checkout(ctx)

	got := make(chan string, 1)
	go func() {
		l, err := p.Checkout(ctx)
		if err != nil {
			t.Errorf("checkout: %v", err)
			return
		}
		got <- l.ID()
	}()
	waitForWaiters(t, p, 1)

	p.MarkFailed(ctx, lease.ID())
	select {
	case id := <-got:
		if id != "a" {
			t.Fatalf("unexpected egress %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not served")
	}
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		count := len(p.waiters)
		p.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d waiters", n)
}

func TestSnapshotReportsRetired(t *testing.T) {
	p := newTestPool(t, nil, "a", "b")
	lease, err := p.Checkout(context.Background(), "b")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	p.Retire(context.Background(), lease.ID())

	alive := map[string]bool{}
	for _, e := range p.Snapshot() {
		alive[e.ID] = e.IsAlive
	}
	if len(alive) != 2 || alive["a"] || !alive["b"] {
		t.Fatalf("unexpected snapshot: %+v", alive)
	}
}
