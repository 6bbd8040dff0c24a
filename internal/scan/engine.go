package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/proxypool"
	"relentless-harvester/internal/queue"
	"relentless-harvester/internal/upstream"
)

const (
	DefaultWorkers     = 5
	MaxWorkers         = 15
	DefaultMaxAttempts = 10
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
	// maxRetryAfter bounds how long a server Retry-After hint can hold a worker.
	maxRetryAfter = time.Minute
)

// JobControl is the slice of the job controller the engine drives.
type JobControl interface {
	WaitUntilRunnable(ctx context.Context, jobID string) (bool, error)
	SetTotal(ctx context.Context, jobID string, total int) error
	RecordProgress(ctx context.Context, jobID string, found int) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, msg string) error
}

// Searcher performs one upstream search.
type Searcher interface {
	Search(ctx context.Context, route upstream.Route, targetID string, filters models.SearchFilters) ([]models.Listing, error)
}

// EgressPool is the proxy pool as seen by workers.
type EgressPool interface {
	Checkout(ctx context.Context, avoid ...string) (*proxypool.Lease, error)
	Checkin(id string)
	MarkSuccess(ctx context.Context, id string)
	MarkFailed(ctx context.Context, id string)
	Retire(ctx context.Context, id string)
	Count() int
}

// TargetRecorder persists per-target yield after each scan.
type TargetRecorder interface {
	RecordTargetScan(ctx context.Context, outcome models.TargetScanOutcome) error
}

// ResultSink receives qualifying listings and exhausted targets.
type ResultSink interface {
	PublishResult(ctx context.Context, result models.ScanResult) error
	PublishFailure(ctx context.Context, failure models.TargetFailure) error
}

// Options tunes the worker pool and retry loop. Zero values take the defaults.
type Options struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Filters     models.SearchFilters
}

// Deps are the engine's collaborators. Pool may be nil for no-proxy mode; Direct is the
// route used without a proxy and should carry the shared rate limiter.
type Deps struct {
	Jobs     JobControl
	Searcher Searcher
	Pool     EgressPool
	Direct   upstream.Route
	Targets  TargetRecorder
	Sink     ResultSink
	Score    ScoreFunc
	Stats    *Stats
}

// Engine runs one scan session: N workers draining a queue under the job's control.
type Engine struct {
	deps Deps
	opts Options
	// directSlot lets one worker at a time use the direct route once no egress is left.
	directSlot chan struct{}
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	log        zerolog.Logger
}

// NewEngine builds an engine. A nil Score uses DiscountScorer(0.2); nil Stats are allocated.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if deps.Score == nil {
		deps.Score = DiscountScorer(0.2)
	}
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	return &Engine{
		deps:       deps,
		opts:       opts,
		directSlot: make(chan struct{}, 1),
		sleep:      sleepContext,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.WithComponent("scan"),
	}
}

// Stats returns the engine's counters.
func (e *Engine) Stats() *Stats {
	return e.deps.Stats
}

// Run processes jobID's queue until it is exhausted, the job stops being runnable, or
// a job-level error occurs. Exhaustion completes the job; a job-level error fails it.
// A job cancelled meanwhile is left untouched.
func (e *Engine) Run(ctx context.Context, jobID string, q *queue.Queue) error {
	log := e.log.With().Str("job_id", jobID).Logger()
	if err := e.deps.Jobs.SetTotal(ctx, jobID, q.Total()); err != nil {
		return e.failJob(ctx, jobID, fmt.Errorf("set total: %w", err))
	}

	workers := e.opts.Workers
	if e.deps.Pool == nil || e.deps.Pool.Count() == 0 {
		workers = 1
		log.Info().Msg("no egress available, scanning direct with a single worker")
	}
	log.Info().Int("targets", q.Total()).Int("workers", workers).Msg("scan started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			return e.worker(gctx, id, jobID, q)
		})
	}
	err := g.Wait()

	switch {
	case err != nil:
		return e.failJob(ctx, jobID, err)
	case ctx.Err() != nil:
		if q.Len() > 0 {
			// leave the family free for the next trigger instead of a running job nobody drains
			return e.failJob(ctx, jobID, fmt.Errorf("scan interrupted: %w", ctx.Err()))
		}
		return ctx.Err()
	case q.Len() == 0:
		if err := e.deps.Jobs.Complete(context.WithoutCancel(ctx), jobID); err != nil {
			log.Info().Err(err).Msg("job not completed, already stopped")
			return nil
		}
		log.Info().Msg("scan completed")
		return nil
	default:
		log.Info().Int("remaining", q.Len()).Msg("scan stopped by control surface")
		return nil
	}
}

func (e *Engine) failJob(ctx context.Context, jobID string, cause error) error {
	e.log.Error().Err(cause).Str("job_id", jobID).Msg("scan failed")
	if err := e.deps.Jobs.Fail(context.WithoutCancel(ctx), jobID, cause.Error()); err != nil {
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("could not mark job failed")
	}
	return cause
}

func (e *Engine) worker(ctx context.Context, id int, jobID string, q *queue.Queue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panic: %v", id, r)
		}
	}()
	log := e.log.With().Str("job_id", jobID).Int("worker", id).Logger()

	for {
		ok, err := e.deps.Jobs.WaitUntilRunnable(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("check job state: %w", err)
		}
		if !ok {
			log.Debug().Msg("job not runnable, worker stopping")
			return nil
		}
		target, ok := q.Pop()
		if !ok {
			return nil
		}

		e.deps.Stats.WorkersInFlight.Add(1)
		found, err := e.processTarget(ctx, jobID, target)
		e.deps.Stats.WorkersInFlight.Add(-1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := e.deps.Jobs.RecordProgress(ctx, jobID, found); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("record progress: %w", err)
		}
	}
}

// route is one attempt's way out: an egress lease or the direct route.
type route struct {
	upstream.Route
	lease   *proxypool.Lease
	release func()
}

func (r route) egressID() string {
	if r.lease == nil {
		return ""
	}
	return r.lease.ID()
}

func (e *Engine) acquireRoute(ctx context.Context, avoid []string) (route, error) {
	if e.deps.Pool != nil {
		lease, err := e.deps.Pool.Checkout(ctx, avoid...)
		if err == nil {
			return route{
				Route: upstream.Route{
					HTTP:    lease.Client,
					Limiter: lease.Limiter,
					Proxied: lease.Egress.Kind != models.EgressDirect,
				},
				lease:   lease,
				release: func() {},
			}, nil
		}
		if !errors.Is(err, proxypool.ErrNoEgress) {
			return route{}, err
		}
		e.deps.Stats.DirectFallbacks.Add(1)
	}
	select {
	case e.directSlot <- struct{}{}:
	case <-ctx.Done():
		return route{}, ctx.Err()
	}
	return route{Route: e.deps.Direct, release: func() { <-e.directSlot }}, nil
}

// processTarget scans one target with bounded retries and returns the number of
// qualifying listings. Only job-level failures and cancellation are returned as errors;
// a target that cannot be scanned is recorded and yields zero.
func (e *Engine) processTarget(ctx context.Context, jobID string, target models.ScanTarget) (int, error) {
	log := e.log.With().Str("job_id", jobID).Str("target", target.ID).Logger()
	var (
		avoid   []string
		lastErr error
		class   upstream.Class
		tries   int
	)

	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		tries = attempt + 1
		r, err := e.acquireRoute(ctx, avoid)
		if err != nil {
			return 0, err
		}

		start := time.Now()
		listings, err := e.deps.Searcher.Search(ctx, r.Route, target.ID, e.opts.Filters)
		e.deps.Stats.FetchLatency.Observe(time.Since(start))
		class = upstream.Classify(err)
		if ctx.Err() != nil {
			e.giveBack(ctx, r, upstream.ClassCanceled, err)
			return 0, ctx.Err()
		}

		switch class {
		case upstream.ClassNone:
			e.giveBack(ctx, r, class, err)
			return e.handleListings(ctx, jobID, target, listings)

		case upstream.ClassRateLimit:
			e.deps.Stats.RateLimited.Add(1)
			lastErr = err
			e.giveBack(ctx, r, class, err)
			if id := r.egressID(); id != "" {
				avoid = append(avoid, id)
			}
			if attempt+1 >= e.opts.MaxAttempts {
				break
			}
			delay := upstream.Backoff(attempt, e.opts.BackoffBase, e.opts.BackoffCap)
			if hint := upstream.RetryAfterHint(err); hint > delay {
				delay = min(hint, maxRetryAfter)
			}
			log.Debug().Err(err).Str("egress", r.egressID()).Int("attempt", tries).Dur("delay", delay).Msg("throttled, backing off")
			if err := e.sleep(ctx, delay); err != nil {
				return 0, err
			}

		case upstream.ClassEgress:
			e.deps.Stats.EgressFailures.Add(1)
			lastErr = err
			e.giveBack(ctx, r, class, err)
			if id := r.egressID(); id != "" {
				avoid = append(avoid, id)
				log.Debug().Err(err).Str("egress", id).Int("attempt", tries).Msg("egress failed, rotating")
				continue
			}
			// no other route to rotate to, so treat it like throttling
			if attempt+1 < e.opts.MaxAttempts {
				if err := e.sleep(ctx, upstream.Backoff(attempt, e.opts.BackoffBase, e.opts.BackoffCap)); err != nil {
					return 0, err
				}
			}

		default:
			e.giveBack(ctx, r, class, err)
			lastErr = err
			return e.targetFailed(ctx, jobID, target, tries, class, lastErr)
		}
	}
	return e.targetFailed(ctx, jobID, target, tries, class, lastErr)
}

// giveBack returns the route after an attempt, penalising the egress according to class.
// Health writes must outlive a cancelled session, so they run on a context without cancel.
func (e *Engine) giveBack(ctx context.Context, r route, class upstream.Class, cause error) {
	defer r.release()
	if r.lease == nil || e.deps.Pool == nil {
		return
	}
	id := r.lease.ID()
	pctx := context.WithoutCancel(ctx)
	switch class {
	case upstream.ClassNone:
		e.deps.Pool.MarkSuccess(pctx, id)
		e.deps.Pool.Checkin(id)
	case upstream.ClassRateLimit:
		e.deps.Pool.MarkFailed(pctx, id)
	case upstream.ClassEgress:
		if upstream.IsBlocked(cause) {
			e.deps.Stats.EgressBlocked.Add(1)
			e.deps.Pool.Retire(pctx, id)
			return
		}
		e.deps.Pool.MarkFailed(pctx, id)
	case upstream.ClassTarget:
		// the egress reached the server, only the request failed
		e.deps.Pool.MarkSuccess(pctx, id)
		e.deps.Pool.Checkin(id)
	default:
		e.deps.Pool.Checkin(id)
	}
}

func (e *Engine) handleListings(ctx context.Context, jobID string, target models.ScanTarget, listings []models.Listing) (int, error) {
	benchmarks := models.Benchmarks{Price: target.BenchmarkPrice}
	foundAt := e.now()
	qualifying := 0
	for _, listing := range listings {
		score := e.deps.Score(target, listing, benchmarks)
		if !score.Qualifies {
			continue
		}
		qualifying++
		if e.deps.Sink == nil {
			continue
		}
		err := e.deps.Sink.PublishResult(ctx, models.ScanResult{
			JobID:     jobID,
			Target:    target,
			Listing:   listing,
			Score:     score,
			Benchmark: benchmarks,
			FoundAt:   foundAt,
		})
		if err != nil {
			e.deps.Stats.PublishErrors.Add(1)
			e.log.Error().Err(err).Str("job_id", jobID).Str("target", target.ID).Str("listing", listing.ID).Msg("publish result failed")
		}
	}

	e.deps.Stats.TargetsScanned.Add(1)
	e.deps.Stats.ListingsSeen.Add(uint64(len(listings)))
	e.deps.Stats.ListingsQualify.Add(uint64(qualifying))

	if err := e.recordTarget(ctx, target.ID, len(listings), qualifying); err != nil {
		return 0, err
	}
	e.log.Debug().Str("job_id", jobID).Str("target", target.ID).Int("listings", len(listings)).Int("qualifying", qualifying).Msg("target scanned")
	return qualifying, nil
}

func (e *Engine) targetFailed(ctx context.Context, jobID string, target models.ScanTarget, attempts int, class upstream.Class, cause error) (int, error) {
	e.deps.Stats.TargetsFailed.Add(1)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	e.log.Warn().Str("job_id", jobID).Str("target", target.ID).Int("attempts", attempts).Str("class", class.String()).Str("error", msg).Msg("target failed")

	if e.deps.Sink != nil {
		failure := models.TargetFailure{
			JobID:    jobID,
			TargetID: target.ID,
			Attempts: attempts,
			Class:    class.String(),
			Error:    msg,
			FailedAt: e.now(),
		}
		if err := e.deps.Sink.PublishFailure(ctx, failure); err != nil {
			e.deps.Stats.PublishErrors.Add(1)
			e.log.Error().Err(err).Str("job_id", jobID).Str("target", target.ID).Msg("publish target failure failed")
		}
	}
	if err := e.recordTarget(ctx, target.ID, 0, 0); err != nil {
		return 0, err
	}
	return 0, nil
}

func (e *Engine) recordTarget(ctx context.Context, targetID string, raw, qualifying int) error {
	if e.deps.Targets == nil {
		return nil
	}
	err := e.deps.Targets.RecordTargetScan(ctx, models.TargetScanOutcome{
		TargetID:   targetID,
		RawCount:   raw,
		Qualifying: qualifying,
		ScannedAt:  e.now(),
	})
	if err != nil {
		return fmt.Errorf("record target %s: %w", targetID, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
