package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"relentless-harvester/internal/config"
	"relentless-harvester/internal/job"
	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/proxypool"
	"relentless-harvester/internal/queue"
	"relentless-harvester/internal/ratelimit"
	"relentless-harvester/internal/scan"
	"relentless-harvester/internal/store"
	"relentless-harvester/internal/upstream"
)

// scanner turns one ScanRequest into one engine session: queue, probed pool, engine.
type scanner struct {
	store  store.Store
	jobs   *job.Controller
	search scan.Searcher
	sink   scan.ResultSink
	direct upstream.Route
	cfg    config.Config
	stats  *scan.Stats
	now    func() time.Time
	// clientFactory overrides how pool egresses get their HTTP clients (tests).
	clientFactory func(models.Egress) (*http.Client, error)
	log           zerolog.Logger
}

func newScanner(st store.Store, sink scan.ResultSink, cfg config.Config, stats *scan.Stats) (*scanner, error) {
	directClient, err := proxypool.NewHTTPClient(models.Egress{ID: "direct", Kind: models.EgressDirect}, cfg.Proxy.ConnectTimeout, cfg.Upstream.Timeout)
	if err != nil {
		return nil, err
	}
	client := upstream.New(upstream.Options{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		RetryMax:  cfg.Upstream.RetryMax,
		RetryBase: cfg.Upstream.RetryBase,
		RetryCap:  cfg.Upstream.RetryCap,
	})
	limiter := ratelimit.New(cfg.Upstream.RateBurst, cfg.Upstream.RateLimit)
	directLimiter.Store(limiter)
	return &scanner{
		store:  st,
		jobs:   job.NewController(st, cfg.Scan.PollInterval),
		search: client,
		sink:   sink,
		// the direct identity is shared by every session in this process
		direct: upstream.Route{
			HTTP:    directClient,
			Limiter: limiter,
		},
		cfg:   cfg,
		stats: stats,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.WithComponent("session"),
	}, nil
}

// Run executes the job named by req. Requests for jobs that are gone or already
// stopped are skipped.
func (s *scanner) Run(ctx context.Context, req models.ScanRequest) error {
	log := s.log.With().Str("job_id", req.JobID).Str("family", req.Family).Logger()

	j, err := s.jobs.Get(ctx, req.JobID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn().Msg("scan request for unknown job, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", req.JobID, err)
	}
	if !j.Status.Active() {
		log.Info().Str("status", string(j.Status)).Msg("job no longer active, skipping")
		return nil
	}

	q, err := queue.Build(ctx, s.store, s.now(), s.cfg.Scan.ColdQuiet)
	if err != nil {
		return s.abort(ctx, req.JobID, fmt.Errorf("build queue: %w", err))
	}

	pool, err := s.buildPool(ctx, log)
	if err != nil {
		return s.abort(ctx, req.JobID, err)
	}

	engine := scan.NewEngine(scan.Deps{
		Jobs:     s.jobs,
		Searcher: s.search,
		Pool:     pool,
		Direct:   s.direct,
		Targets:  s.store,
		Sink:     s.sink,
		Score:    scan.DiscountScorer(s.cfg.Scan.MinDiscount),
		Stats:    s.stats,
	}, scan.Options{
		Workers:     s.cfg.Scan.Workers,
		MaxAttempts: s.cfg.Scan.MaxAttempts,
		BackoffBase: s.cfg.Scan.BackoffBase,
		BackoffCap:  s.cfg.Scan.BackoffCap,
		Filters: models.SearchFilters{
			MinPrice: s.cfg.Upstream.MinPrice,
			MaxPrice: s.cfg.Upstream.MaxPrice,
			Limit:    s.cfg.Upstream.ResultLimit,
		},
	})
	err = engine.Run(ctx, req.JobID, q)
	logPoolHealth(log, pool)
	return err
}

func logPoolHealth(log zerolog.Logger, pool *proxypool.Pool) {
	retired := 0
	for _, e := range pool.Snapshot() {
		if !e.IsAlive {
			retired++
			log.Debug().Str("egress", e.ID).Int("fail_count", e.FailCount).Msg("egress retired during session")
		}
	}
	log.Info().Int("alive", pool.Count()).Int("available", pool.Available()).Int("retired", retired).Msg("session egress health")
}

// buildPool probes the alive egresses and pools the reachable ones.
func (s *scanner) buildPool(ctx context.Context, log zerolog.Logger) (*proxypool.Pool, error) {
	egresses, err := s.store.ListAliveEgresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list egresses: %w", err)
	}
	reachable, failed := proxypool.Probe(ctx, egresses, proxypool.ProbeOptions{
		Target:        s.cfg.Proxy.ProbeTarget,
		Timeout:       s.cfg.Proxy.ProbeTimeout,
		Parallelism:   s.cfg.Proxy.ProbeParallel,
		MaxFail:       s.cfg.Proxy.MaxFail,
		Health:        s.store,
		ClientFactory: s.clientFactory,
	})
	if len(failed) > 0 {
		log.Warn().Int("unreachable", len(failed)).Int("reachable", len(reachable)).Msg("egress probe found unreachable egresses")
	}
	pool, err := proxypool.New(reachable, proxypool.Options{
		MaxFail:        s.cfg.Proxy.MaxFail,
		RateLimit:      s.cfg.Proxy.RateLimit,
		RateBurst:      s.cfg.Proxy.RateBurst,
		ConnectTimeout: s.cfg.Proxy.ConnectTimeout,
		RequestTimeout: s.cfg.Upstream.Timeout,
		Health:         s.store,
		ClientFactory:  s.clientFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("build egress pool: %w", err)
	}
	log.Info().Int("egresses", pool.Count()).Msg("egress pool ready")
	return pool, nil
}

// abort fails a job that could not start so its family is released.
func (s *scanner) abort(ctx context.Context, jobID string, cause error) error {
	if err := s.jobs.Fail(context.WithoutCancel(ctx), jobID, cause.Error()); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("could not mark job failed")
	}
	return cause
}

// logSink writes results to the log instead of Kafka (RUN_ONCE mode).
type logSink struct {
	log zerolog.Logger
}

func (l logSink) PublishResult(_ context.Context, r models.ScanResult) error {
	l.log.Info().
		Str("job_id", r.JobID).
		Str("target_id", r.Target.ID).
		Str("listing_id", r.Listing.ID).
		Float64("price", r.Listing.Price).
		Float64("benchmark", r.Benchmark.Price).
		Float64("score", r.Score.Value).
		Msg("qualifying listing")
	return nil
}

func (l logSink) PublishFailure(_ context.Context, f models.TargetFailure) error {
	l.log.Warn().
		Str("job_id", f.JobID).
		Str("target_id", f.TargetID).
		Int("attempts", f.Attempts).
		Str("class", f.Class).
		Str("error", f.Error).
		Msg("target failed")
	return nil
}
