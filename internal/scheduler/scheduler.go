package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
)

// TriggerFunc starts a job for family, reporting whether a new job was created.
type TriggerFunc func(ctx context.Context, family string, kind models.Trigger) (models.Job, bool, error)

// Scheduler fires automatic triggers for each family on a fixed interval. A tick for a
// family that already has an active job is a no-op.
type Scheduler struct {
	trigger  TriggerFunc
	interval time.Duration
	families []string
	timeout  time.Duration

	mu       sync.Mutex
	ticker   *time.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// New returns a stopped scheduler.
func New(trigger TriggerFunc, interval time.Duration, families []string) *Scheduler {
	if len(families) == 0 {
		families = []string{models.DefaultFamily}
	}
	return &Scheduler{
		trigger:  trigger,
		interval: interval,
		families: families,
		timeout:  30 * time.Second,
		log:      logger.WithComponent("scheduler"),
	}
}

// Start launches the tick loop. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil || s.interval <= 0 {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stopChan = make(chan struct{})
	s.log.Info().Dur("interval", s.interval).Strs("families", s.families).Msg("scheduler starting")

	s.wg.Add(1)
	go s.loop(s.ticker, s.stopChan)
}

// Stop halts the loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stopChan
	s.stopChan = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ticker *time.Ticker, stop chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-stop:
			return
		}
	}
}

// Tick triggers every family once.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, family := range s.families {
		tctx, cancel := context.WithTimeout(ctx, s.timeout)
		job, created, err := s.trigger(tctx, family, models.TriggerAuto)
		cancel()
		switch {
		case err != nil:
			s.log.Error().Err(err).Str("family", family).Msg("auto trigger failed")
		case created:
			s.log.Info().Str("family", family).Str("job_id", job.ID).Msg("auto trigger started job")
		default:
			s.log.Debug().Str("family", family).Str("job_id", job.ID).Msg("auto trigger skipped, job active")
		}
	}
}
