package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"relentless-harvester/internal/config"
	"relentless-harvester/internal/graph"
	rkafka "relentless-harvester/internal/kafka"
	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
)

var (
	// Counters exposed on /metrics. received: messages fetched; failed: Neo4j write errors
	// (left uncommitted for redelivery); dropped: undecodable or incomplete payloads.
	writerResultsReceived  uint64
	writerResultsWritten   uint64
	writerResultsFailed    uint64
	writerResultsDropped   uint64
	writerFailuresReceived uint64
	writerFailuresWritten  uint64
	writerFailuresFailed   uint64
	writerFailuresDropped  uint64
)

const fetchRetryDelay = 500 * time.Millisecond

// graphWriter is the subset of graph.Writer the consumers need.
type graphWriter interface {
	WriteResult(ctx context.Context, result models.ScanResult) error
	WriteFailure(ctx context.Context, failure models.TargetFailure) error
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
	log := logger.WithComponent("results-writer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := graph.NewDriver(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password)
	if err != nil {
		log.Fatal().Err(err).Msg("neo4j driver")
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("neo4j close")
		}
	}()
	writer := graph.NewWriter(driver)

	resultsReader := rkafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic, cfg.Kafka.WriterGroupID+"-results")
	defer func() {
		if err := resultsReader.Close(); err != nil {
			log.Error().Err(err).Msg("results reader close")
		}
	}()

	failuresReader := rkafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.FailuresTopic, cfg.Kafka.WriterGroupID+"-failures")
	defer func() {
		if err := failuresReader.Close(); err != nil {
			log.Error().Err(err).Msg("failures reader close")
		}
	}()

	if cfg.HTTP.WriterMetricsAddr != "" {
		startMetricsServer(ctx, cfg.HTTP.WriterMetricsAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consumeResults(ctx, resultsReader, writer)
	}()
	go func() {
		defer wg.Done()
		consumeFailures(ctx, failuresReader, writer)
	}()

	log.Info().
		Str("results_topic", cfg.Kafka.ResultsTopic).
		Str("failures_topic", cfg.Kafka.FailuresTopic).
		Msg("results writer started")
	wg.Wait()
}

func startMetricsServer(ctx context.Context, addr string) {
	log := logger.WithComponent("metrics")
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics shutdown")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	body := fmt.Sprintf(
		"harvester_results_writer_up 1\n"+
			"harvester_results_writer_received_total{topic=\"results\"} %d\n"+
			"harvester_results_writer_written_total{topic=\"results\"} %d\n"+
			"harvester_results_writer_failed_total{topic=\"results\"} %d\n"+
			"harvester_results_writer_dropped_total{topic=\"results\"} %d\n"+
			"harvester_results_writer_received_total{topic=\"failures\"} %d\n"+
			"harvester_results_writer_written_total{topic=\"failures\"} %d\n"+
			"harvester_results_writer_failed_total{topic=\"failures\"} %d\n"+
			"harvester_results_writer_dropped_total{topic=\"failures\"} %d\n",
		atomic.LoadUint64(&writerResultsReceived),
		atomic.LoadUint64(&writerResultsWritten),
		atomic.LoadUint64(&writerResultsFailed),
		atomic.LoadUint64(&writerResultsDropped),
		atomic.LoadUint64(&writerFailuresReceived),
		atomic.LoadUint64(&writerFailuresWritten),
		atomic.LoadUint64(&writerFailuresFailed),
		atomic.LoadUint64(&writerFailuresDropped),
	)
	_, _ = w.Write([]byte(body))
}

// consumer counts one topic's outcomes.
type consumer struct {
	name     string
	received *uint64
	written  *uint64
	failed   *uint64
	dropped  *uint64
	write    func(ctx context.Context, payload []byte) error
	log      zerolog.Logger
}

func consumeResults(ctx context.Context, reader rkafka.MessageReader, writer graphWriter) {
	c := consumer{
		name:     "results",
		received: &writerResultsReceived,
		written:  &writerResultsWritten,
		failed:   &writerResultsFailed,
		dropped:  &writerResultsDropped,
		write: func(ctx context.Context, payload []byte) error {
			var result models.ScanResult
			if err := json.Unmarshal(payload, &result); err != nil {
				return errPoison{err}
			}
			return writer.WriteResult(ctx, result)
		},
		log: logger.WithComponent("results-writer"),
	}
	c.run(ctx, reader)
}

func consumeFailures(ctx context.Context, reader rkafka.MessageReader, writer graphWriter) {
	c := consumer{
		name:     "failures",
		received: &writerFailuresReceived,
		written:  &writerFailuresWritten,
		failed:   &writerFailuresFailed,
		dropped:  &writerFailuresDropped,
		write: func(ctx context.Context, payload []byte) error {
			var failure models.TargetFailure
			if err := json.Unmarshal(payload, &failure); err != nil {
				return errPoison{err}
			}
			return writer.WriteFailure(ctx, failure)
		},
		log: logger.WithComponent("results-writer"),
	}
	c.run(ctx, reader)
}

// errPoison marks a payload that can never be written.
type errPoison struct{ err error }

func (e errPoison) Error() string { return "undecodable payload: " + e.err.Error() }
func (e errPoison) Unwrap() error { return e.err }

func isPoison(err error) bool {
	var p errPoison
	return errors.As(err, &p) || errors.Is(err, graph.ErrIncomplete)
}

func (c consumer) run(ctx context.Context, reader rkafka.MessageReader) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Str("topic", c.name).Msg("fetch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		atomic.AddUint64(c.received, 1)
		if err := c.write(ctx, msg.Value); err != nil {
			if !isPoison(err) {
				// Left uncommitted so the message is redelivered after a rebalance or restart.
				atomic.AddUint64(c.failed, 1)
				c.log.Error().Err(err).Str("topic", c.name).Int64("offset", msg.Offset).Msg("write")
				continue
			}
			atomic.AddUint64(c.dropped, 1)
			c.log.Warn().Err(err).Str("topic", c.name).Int64("offset", msg.Offset).Msg("dropping message")
		} else {
			atomic.AddUint64(c.written, 1)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error().Err(err).Str("topic", c.name).Msg("commit")
		}
	}
}
