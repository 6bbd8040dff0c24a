package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"relentless-harvester/common"
	"relentless-harvester/internal/config"
	rkafka "relentless-harvester/internal/kafka"
	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/seed"
	"relentless-harvester/internal/store"
)

// claimStore makes sure one scan request is executed by one worker.
type claimStore interface {
	ClaimRequest(ctx context.Context, jobID, owner string) (bool, error)
}

// sessionRunner executes the job a request names.
type sessionRunner interface {
	Run(ctx context.Context, req models.ScanRequest) error
}

const claimRetryDelay = time.Second

type worker struct {
	reader     rkafka.MessageReader
	claims     claimStore
	sessions   sessionRunner
	owner      string
	jobTimeout time.Duration // a session past this is interrupted and its job failed
	commitCh   chan<- kafka.Message
	track      func(kafka.Message)
	sem        chan struct{}
	wg         *sync.WaitGroup
	log        zerolog.Logger
}

func newWorker(
	reader rkafka.MessageReader,
	claims claimStore,
	sessions sessionRunner,
	owner string,
	concurrentJobs int,
	jobTimeout time.Duration,
	commitCh chan<- kafka.Message,
	wg *sync.WaitGroup,
) *worker {
	if concurrentJobs < 1 {
		concurrentJobs = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 6 * time.Hour
	}
	return &worker{
		reader:     reader,
		claims:     claims,
		sessions:   sessions,
		owner:      owner,
		jobTimeout: jobTimeout,
		commitCh:   commitCh,
		track:      func(kafka.Message) {},
		sem:        make(chan struct{}, concurrentJobs),
		wg:         wg,
		log:        logger.WithComponent("worker"),
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("HARVESTER_CONFIG"), "path to INI config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if common.ParseBool(os.Getenv("RUN_ONCE"), false) {
		seedPath := common.GetEnv("SEED_FILE", "seed.yaml")
		family := common.GetEnv("SCAN_FAMILY", models.DefaultFamily)
		if err := runOnce(ctx, cfg, seedPath, family, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("run once")
		}
		return
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	claims := store.NewRedisJobStore(cfg.Redis.Addr, cfg.Redis.Prefix, cfg.Redis.ClaimTTL)
	defer func() {
		if err := claims.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	publisher := rkafka.NewResultPublisher(
		rkafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic),
		rkafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.FailuresTopic),
	)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close result writers")
		}
	}()

	sessions, err := newScanner(st, publisher, cfg, engineStats)
	if err != nil {
		log.Fatal().Err(err).Msg("build scanner")
	}

	reader := rkafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.RequestTopic, cfg.Kafka.GroupID)
	defer func() {
		if err := reader.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close reader")
		}
	}()

	if cfg.HTTP.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.HTTP.MetricsAddr)
	}

	commitCh := make(chan kafka.Message, cfg.Scan.ConcurrentJobs*2)
	coordinator := newCommitCoordinator(reader, commitCh)
	var coordWg sync.WaitGroup
	coordWg.Add(1)
	go coordinator.run(ctx, &coordWg)

	owner, _ := os.Hostname()
	var wg sync.WaitGroup
	w := newWorker(reader, claims, sessions, owner, cfg.Scan.ConcurrentJobs, cfg.Scan.JobTimeout, commitCh, &wg)
	w.track = coordinator.track

	log.Info().
		Str("topic", cfg.Kafka.RequestTopic).
		Str("group", cfg.Kafka.GroupID).
		Strs("brokers", cfg.Kafka.Brokers).
		Int("concurrent_jobs", cfg.Scan.ConcurrentJobs).
		Msg("worker consuming scan requests")
	w.run(ctx)
	wg.Wait()
	close(commitCh)
	coordWg.Wait()
}

// run fetches scan requests and dispatches them until ctx ends.
func (w *worker) run(ctx context.Context) {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("fetch error")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := w.dispatchMessage(ctx, msg); err != nil {
			w.log.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("message dispatch error")
		}
	}
}

// dispatchMessage parses and claims synchronously, then runs the session on its own
// goroutine once a concurrency slot is free.
func (w *worker) dispatchMessage(ctx context.Context, msg kafka.Message) error {
	w.track(msg)

	var req models.ScanRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.JobID == "" {
		w.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("invalid scan request payload")
		w.commitCh <- msg
		return nil
	}
	atomic.AddUint64(&workerRequestsReceived, 1)

	claimed, err := w.claim(ctx, req.JobID)
	if err != nil {
		return err
	}
	if !claimed {
		atomic.AddUint64(&workerRequestsSkipped, 1)
		w.log.Info().Str("job_id", req.JobID).Msg("scan request already claimed, skipping")
		w.commitCh <- msg
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.sem <- struct{}{}:
	}
	atomic.AddInt64(&workerSessionsLive, 1)
	w.wg.Add(1)
	go w.processRequestAsync(ctx, msg, req)
	return nil
}

// claim retries until the claim store answers, so a Redis outage pauses consumption
// instead of dropping requests.
func (w *worker) claim(ctx context.Context, jobID string) (bool, error) {
	for {
		ok, err := w.claims.ClaimRequest(ctx, jobID, w.owner)
		if err == nil {
			return ok, nil
		}
		w.log.Error().Err(err).Str("job_id", jobID).Msg("claim failed, retrying")
		timer := time.NewTimer(claimRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("claim %s: %w", jobID, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}

// processRequestAsync runs one session. The message is always handed to the commit
// path, even after a failure, so one bad session never blocks its partition.
func (w *worker) processRequestAsync(ctx context.Context, msg kafka.Message, req models.ScanRequest) {
	defer func() {
		liveFamilies.Delete(req.Family)
		atomic.AddInt64(&workerSessionsLive, -1)
		<-w.sem
		w.wg.Done()
		w.commitCh <- msg
	}()

	sessCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	liveFamilies.Store(req.Family, req.JobID)
	w.log.Info().Str("job_id", req.JobID).Str("family", req.Family).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("scan session started")
	if err := w.sessions.Run(sessCtx, req); err != nil {
		atomic.AddUint64(&workerSessionsFailed, 1)
		w.log.Error().Err(err).Str("job_id", req.JobID).Msg("scan session failed")
		return
	}
	atomic.AddUint64(&workerSessionsSuccess, 1)
	w.log.Info().Str("job_id", req.JobID).Msg("scan session finished")
}

// runOnce seeds an in-memory store, runs one manual scan and prints the final job.
func runOnce(ctx context.Context, cfg config.Config, seedPath, family string, out io.Writer) error {
	f, err := seed.Load(seedPath)
	if err != nil {
		return err
	}
	st := store.NewMemoryStore()
	targets, egresses, err := seed.Apply(ctx, st, f)
	if err != nil {
		return err
	}
	log := logger.WithComponent("worker")
	log.Info().Int("targets", targets).Int("egresses", egresses).Str("seed", seedPath).Msg("seed loaded")

	sc, err := newScanner(st, logSink{log: logger.WithComponent("results")}, cfg, engineStats)
	if err != nil {
		return err
	}
	j, _, err := sc.jobs.Trigger(ctx, family, models.TriggerManual)
	if err != nil {
		return err
	}
	if err := sc.Run(ctx, models.ScanRequest{JobID: j.ID, Family: j.Family, Trigger: j.Trigger, CreatedAt: j.StartedAt}); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("scan failed")
	}

	final, err := sc.jobs.Get(context.WithoutCancel(ctx), j.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(final)
}
