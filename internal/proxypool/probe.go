package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
)

// ProbeOptions configures a liveness sweep.
type ProbeOptions struct {
	// Target is fetched through every egress; empty disables probing.
	Target      string
	Timeout     time.Duration
	Parallelism int
	MaxFail     int
	Health      HealthStore
	// ClientFactory overrides client construction (tests).
	ClientFactory func(models.Egress) (*http.Client, error)
	Now           func() time.Time
}

// ProbeResult is the outcome for one egress.
type ProbeResult struct {
	Egress models.Egress
	Err    error
}

// Probe checks every egress against the probe target concurrently and returns the ones
// that answered. Unreachable egresses get a failure recorded and persisted, and are
// marked dead once they reach MaxFail.
func Probe(ctx context.Context, egresses []models.Egress, opts ProbeOptions) ([]models.Egress, []ProbeResult) {
	if opts.Target == "" || len(egresses) == 0 {
		return egresses, nil
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.MaxFail < 1 {
		opts.MaxFail = DefaultMaxFail
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	factory := opts.ClientFactory
	if factory == nil {
		factory = func(e models.Egress) (*http.Client, error) {
			return NewHTTPClient(e, opts.Timeout, opts.Timeout)
		}
	}

	log := logger.WithComponent("proxypool/probe")
	results := make([]ProbeResult, len(egresses))
	swg := sizedwaitgroup.New(opts.Parallelism)
	for i := range egresses {
		if err := swg.AddWithContext(ctx); err != nil {
			results[i] = ProbeResult{Egress: egresses[i], Err: err}
			continue
		}
		go func(i int) {
			defer swg.Done()
			e, err := withKind(egresses[i])
			if err != nil {
				results[i] = ProbeResult{Egress: e, Err: err}
				return
			}
			results[i] = ProbeResult{Egress: e, Err: probeOne(ctx, e, opts.Target, factory)}
		}(i)
	}
	swg.Wait()

	var reachable []models.Egress
	var failed []ProbeResult
	for _, r := range results {
		if r.Err == nil {
			reachable = append(reachable, r.Egress)
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		now := opts.Now()
		r.Egress.FailCount++
		r.Egress.LastFailedAt = &now
		if r.Egress.FailCount >= opts.MaxFail {
			r.Egress.IsAlive = false
		}
		log.Warn().Err(r.Err).Str("egress", r.Egress.ID).Int("fail_count", r.Egress.FailCount).Msg("egress probe failed")
		if opts.Health != nil {
			if err := opts.Health.UpdateEgressHealth(ctx, r.Egress); err != nil {
				log.Error().Err(err).Str("egress", r.Egress.ID).Msg("persist probe failure")
			}
		}
		failed = append(failed, r)
	}
	log.Info().Int("reachable", len(reachable)).Int("failed", len(failed)).Msg("egress probe finished")
	return reachable, failed
}

func probeOne(ctx context.Context, e models.Egress, target string, factory func(models.Egress) (*http.Client, error)) error {
	client, err := factory(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusProxyAuthRequired {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
