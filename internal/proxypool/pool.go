package proxypool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/ratelimit"
)

// ErrNoEgress is returned by Checkout when nothing is available and nothing is in use,
// so waiting could never succeed.
var ErrNoEgress = errors.New("proxypool: no egress available")

const DefaultMaxFail = 3

// HealthStore persists egress health changes.
type HealthStore interface {
	UpdateEgressHealth(ctx context.Context, egress models.Egress) error
}

// Options configures a Pool.
type Options struct {
	MaxFail        int
	RateLimit      float64
	RateBurst      int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Health         HealthStore
	// ClientFactory overrides how an egress gets its HTTP client (tests).
	ClientFactory func(models.Egress) (*http.Client, error)
	Now           func() time.Time
}

// Lease is an egress checked out for exclusive use. Calls made through Client must
// first Acquire from Limiter.
type Lease struct {
	Egress  models.Egress
	Client  *http.Client
	Limiter *ratelimit.Limiter
}

// ID returns the leased egress id.
func (l *Lease) ID() string {
	return l.Egress.ID
}

type entry struct {
	egress  models.Egress
	client  *http.Client
	limiter *ratelimit.Limiter
	inUse   bool
	retired bool
}

// Pool hands out egresses exclusively. An egress is available, in use, or retired;
// checkins go straight to the oldest waiter before returning to available.
type Pool struct {
	mu        sync.Mutex
	entries   map[string]*entry
	available []*entry
	waiters   []chan *entry
	inUse     int
	maxFail   int
	health    HealthStore
	now       func() time.Time
	log       zerolog.Logger
}

// New builds a pool from a snapshot of egresses. Egresses that are not alive are skipped.
func New(egresses []models.Egress, opts Options) (*Pool, error) {
	if opts.MaxFail < 1 {
		opts.MaxFail = DefaultMaxFail
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	factory := opts.ClientFactory
	if factory == nil {
		factory = func(e models.Egress) (*http.Client, error) {
			return NewHTTPClient(e, opts.ConnectTimeout, opts.RequestTimeout)
		}
	}

	p := &Pool{
		entries: make(map[string]*entry, len(egresses)),
		maxFail: opts.MaxFail,
		health:  opts.Health,
		now:     opts.Now,
		log:     logger.WithComponent("proxypool"),
	}
	for _, e := range egresses {
		if !e.IsAlive {
			continue
		}
		if _, dup := p.entries[e.ID]; dup {
			continue
		}
		e, err := withKind(e)
		if err != nil {
			return nil, err
		}
		client, err := factory(e)
		if err != nil {
			return nil, err
		}
		ent := &entry{
			egress:  e,
			client:  client,
			limiter: ratelimit.New(opts.RateBurst, opts.RateLimit),
		}
		p.entries[e.ID] = ent
		p.available = append(p.available, ent)
	}
	return p, nil
}

// Count returns available plus in-use egresses.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) + p.inUse
}

// Available returns the number of egresses ready for checkout.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Snapshot returns the current state of every egress the pool was built with.
func (p *Pool) Snapshot() []models.Egress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Egress, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.egress)
	}
	return out
}

// Checkout takes an egress for exclusive use, preferring one whose id is not in avoid.
// When every live egress is in use it waits, FIFO, for a checkin. It returns
// ErrNoEgress when the pool is empty.
func (p *Pool) Checkout(ctx context.Context, avoid ...string) (*Lease, error) {
	p.mu.Lock()
	if len(p.available) > 0 {
		ent := p.takeLocked(avoid)
		p.mu.Unlock()
		return ent.lease(), nil
	}
	if p.inUse == 0 {
		p.mu.Unlock()
		return nil, ErrNoEgress
	}
	ch := make(chan *entry, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case ent := <-ch:
		if ent == nil {
			return nil, ErrNoEgress
		}
		return ent.lease(), nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(ch)
		p.mu.Unlock()
		if !removed {
			// handoff raced with cancellation; give the egress back
			if ent := <-ch; ent != nil {
				p.Checkin(ent.egress.ID)
			}
		}
		return nil, ctx.Err()
	}
}

// Checkin returns a leased egress, handing it to the oldest waiter if there is one.
// Checking in an egress that is not in use is a no-op.
func (p *Pool) Checkin(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.entries[id]
	if !ok || !ent.inUse || ent.retired {
		return
	}
	p.releaseLocked(ent)
}

// MarkSuccess clears the failure streak and stamps last use. It does not check the egress in.
func (p *Pool) MarkSuccess(ctx context.Context, id string) {
	p.mu.Lock()
	ent, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	now := p.now()
	ent.egress.FailCount = 0
	ent.egress.LastUsedAt = &now
	snapshot := ent.egress
	p.mu.Unlock()
	p.persist(ctx, snapshot)
}

// MarkFailed records a failure. At MaxFail consecutive failures the egress is retired for
// the session; otherwise a leased egress goes back to available (or the oldest waiter).
func (p *Pool) MarkFailed(ctx context.Context, id string) {
	p.mu.Lock()
	ent, ok := p.entries[id]
	if !ok || ent.retired {
		p.mu.Unlock()
		return
	}
	now := p.now()
	ent.egress.FailCount++
	ent.egress.LastFailedAt = &now
	if ent.egress.FailCount >= p.maxFail {
		p.retireLocked(ent)
		p.log.Warn().Str("egress", id).Int("fail_count", ent.egress.FailCount).Msg("egress retired")
	} else if ent.inUse {
		p.releaseLocked(ent)
	}
	snapshot := ent.egress
	p.mu.Unlock()
	p.persist(ctx, snapshot)
}

// Retire removes the egress from the session immediately.
func (p *Pool) Retire(ctx context.Context, id string) {
	p.mu.Lock()
	ent, ok := p.entries[id]
	if !ok || ent.retired {
		p.mu.Unlock()
		return
	}
	now := p.now()
	ent.egress.LastFailedAt = &now
	if ent.egress.FailCount < p.maxFail {
		ent.egress.FailCount = p.maxFail
	}
	p.retireLocked(ent)
	snapshot := ent.egress
	p.mu.Unlock()
	p.log.Warn().Str("egress", id).Msg("egress blocked, retired")
	p.persist(ctx, snapshot)
}

func (p *Pool) takeLocked(avoid []string) *entry {
	idx := 0
	if len(avoid) > 0 {
		for i, ent := range p.available {
			if !contains(avoid, ent.egress.ID) {
				idx = i
				break
			}
		}
	}
	ent := p.available[idx]
	p.available = append(p.available[:idx], p.available[idx+1:]...)
	ent.inUse = true
	p.inUse++
	return ent
}

func (p *Pool) releaseLocked(ent *entry) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		// stays in use, now owned by the waiter
		ch <- ent
		return
	}
	ent.inUse = false
	p.inUse--
	p.available = append(p.available, ent)
}

func (p *Pool) retireLocked(ent *entry) {
	ent.retired = true
	ent.egress.IsAlive = false
	if ent.inUse {
		ent.inUse = false
		p.inUse--
	} else {
		for i, a := range p.available {
			if a == ent {
				p.available = append(p.available[:i], p.available[i+1:]...)
				break
			}
		}
	}
	if p.inUse == 0 && len(p.available) == 0 {
		for _, ch := range p.waiters {
			ch <- nil
		}
		p.waiters = nil
	}
}

func (p *Pool) removeWaiterLocked(ch chan *entry) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) persist(ctx context.Context, egress models.Egress) {
	if p.health == nil {
		return
	}
	if err := p.health.UpdateEgressHealth(ctx, egress); err != nil {
		p.log.Error().Err(err).Str("egress", egress.ID).Msg("persist egress health failed")
	}
}

func (e *entry) lease() *Lease {
	return &Lease{Egress: e.egress, Client: e.client, Limiter: e.limiter}
}

// withKind fills in a missing kind from the address so the egress is dialled the way
// it will be used.
func withKind(e models.Egress) (models.Egress, error) {
	if e.Kind != "" {
		return e, nil
	}
	kind, err := models.ResolveEgressKind(e.Address)
	if err != nil {
		return e, err
	}
	e.Kind = kind
	return e, nil
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
