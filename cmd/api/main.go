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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"relentless-harvester/internal/config"
	"relentless-harvester/internal/job"
	"relentless-harvester/internal/kafka"
	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
	"relentless-harvester/internal/scheduler"
	"relentless-harvester/internal/store"
)

// jobControl is the slice of job.Controller the control surface uses.
type jobControl interface {
	Trigger(ctx context.Context, family string, kind models.Trigger) (models.Job, bool, error)
	Pause(ctx context.Context, family string) (models.Job, error)
	Resume(ctx context.Context, family string) (models.Job, error)
	Cancel(ctx context.Context, family string) (models.Job, error)
	Status(ctx context.Context, family string) (models.Job, error)
	Fail(ctx context.Context, jobID string, msg string) error
}

// egressAdmin lists and removes egresses.
type egressAdmin interface {
	ListEgresses(ctx context.Context) ([]models.Egress, error)
	DeleteEgress(ctx context.Context, id string) error
}

type apiMetrics struct {
	triggersCreated atomic.Int64
	triggersRefused atomic.Int64
	enqueueErrors   atomic.Int64
	transitions     atomic.Int64
}

type server struct {
	jobs     jobControl
	prod     kafka.RequestProducer
	egresses egressAdmin
	metrics  *apiMetrics
	log      zerolog.Logger
}

func newServer(jobs jobControl, prod kafka.RequestProducer, egresses egressAdmin) *server {
	return &server{
		jobs:     jobs,
		prod:     prod,
		egresses: egresses,
		metrics:  &apiMetrics{},
		log:      logger.WithComponent("api"),
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
	log := logger.WithComponent("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	prod := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.RequestTopic)
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close producer")
		}
	}()

	controller := job.NewController(st, cfg.Scan.PollInterval)
	srv := newServer(controller, prod, st)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(srv.trigger, cfg.Scheduler.Interval, cfg.Scheduler.Families)
		sched.Start()
		defer sched.Stop()
		log.Info().Dur("interval", cfg.Scheduler.Interval).Strs("families", cfg.Scheduler.Families).Msg("auto-trigger scheduler started")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.APIAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTP.APIAddr).Msg("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("api server")
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/scan", s.handleTrigger)
	mux.HandleFunc("/scan/pause", s.handleTransition(s.jobs.Pause))
	mux.HandleFunc("/scan/resume", s.handleTransition(s.jobs.Resume))
	mux.HandleFunc("/scan/cancel", s.handleTransition(s.jobs.Cancel))
	mux.HandleFunc("/scan/status", s.handleStatus)
	mux.HandleFunc("/egress", s.handleListEgress)
	mux.HandleFunc("/egress/", s.handleDeleteEgress)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// trigger creates a job and hands it to the workers. If the request cannot be
// published the job is failed so the family is not left blocked.
func (s *server) trigger(ctx context.Context, family string, kind models.Trigger) (models.Job, bool, error) {
	created, ok, err := s.jobs.Trigger(ctx, family, kind)
	if err != nil {
		return models.Job{}, false, err
	}
	if !ok {
		s.metrics.triggersRefused.Add(1)
		return created, false, nil
	}

	req := models.ScanRequest{
		JobID:     created.ID,
		Family:    created.Family,
		Trigger:   created.Trigger,
		CreatedAt: created.StartedAt,
	}
	if err := s.prod.WriteRequest(ctx, req); err != nil {
		s.metrics.enqueueErrors.Add(1)
		if failErr := s.jobs.Fail(context.WithoutCancel(ctx), created.ID, "enqueue scan request: "+err.Error()); failErr != nil {
			s.log.Error().Err(failErr).Str("job_id", created.ID).Msg("failed to release job after enqueue error")
		}
		return models.Job{}, false, fmt.Errorf("enqueue scan request: %w", err)
	}
	s.metrics.triggersCreated.Add(1)
	return created, true, nil
}

type triggerResponse struct {
	Created bool       `json:"created"`
	Job     models.Job `json:"job"`
}

// handleTrigger starts a scan for a family.
//
// Method: POST
// Path:   /scan?family=...&kind=manual|auto
// Example:
//
//	curl -X POST "http://localhost:8080/scan?family=lenses"
//
// A family that already has a running or paused job answers 409 with that job.
func (s *server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	family := familyParam(r)
	kind := models.ParseTrigger(strings.TrimSpace(r.URL.Query().Get("kind")))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	j, created, err := s.trigger(ctx, family, kind)
	if err != nil {
		s.log.Error().Err(err).Str("family", family).Msg("trigger failed")
		http.Error(w, "failed to start scan", http.StatusBadGateway)
		return
	}
	if !created {
		writeJSON(w, triggerResponse{Created: false, Job: j}, http.StatusConflict)
		return
	}
	writeJSON(w, triggerResponse{Created: true, Job: j}, http.StatusAccepted)
}

// handleTransition pauses, resumes or cancels the family's active job.
//
// Method: POST
// Path:   /scan/pause|resume|cancel?family=...
func (s *server) handleTransition(op func(ctx context.Context, family string) (models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		j, err := op(r.Context(), familyParam(r))
		switch {
		case errors.Is(err, job.ErrNotFound):
			http.Error(w, "no active job", http.StatusNotFound)
		case errors.Is(err, job.ErrInvalidTransition):
			http.Error(w, "invalid transition", http.StatusConflict)
		case err != nil:
			s.log.Error().Err(err).Msg("job transition failed")
			http.Error(w, "failed to update job", http.StatusBadGateway)
		default:
			s.metrics.transitions.Add(1)
			writeJSON(w, j, http.StatusOK)
		}
	}
}

// handleStatus returns the family's active job, or the most recent one.
//
// Method: GET
// Path:   /scan/status?family=...
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	j, err := s.jobs.Status(r.Context(), familyParam(r))
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load status", http.StatusBadGateway)
		return
	}
	writeJSON(w, j, http.StatusOK)
}

// handleListEgress returns every registered egress with its health.
//
// Method: GET
// Path:   /egress
func (s *server) handleListEgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.egresses.ListEgresses(r.Context())
	if err != nil {
		http.Error(w, "failed to list egresses", http.StatusBadGateway)
		return
	}
	writeJSON(w, list, http.StatusOK)
}

// handleDeleteEgress removes an egress. Sessions already running keep their pool.
//
// Method: DELETE
// Path:   /egress/{id}
func (s *server) handleDeleteEgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/egress/"), "/")
	if id == "" {
		http.Error(w, "missing egress id", http.StatusBadRequest)
		return
	}
	err := s.egresses.DeleteEgress(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to delete egress", http.StatusBadGateway)
		return
	}
	s.log.Info().Str("egress_id", id).Msg("egress deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleMetrics exposes a minimal Prometheus-compatible endpoint.
//
// Method: GET
// Path:   /metrics
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder
	sb.WriteString("harvester_api_up 1\n")
	fmt.Fprintf(&sb, "harvester_api_triggers_total{result=\"created\"} %d\n", s.metrics.triggersCreated.Load())
	fmt.Fprintf(&sb, "harvester_api_triggers_total{result=\"refused\"} %d\n", s.metrics.triggersRefused.Load())
	fmt.Fprintf(&sb, "harvester_api_enqueue_errors_total %d\n", s.metrics.enqueueErrors.Load())
	fmt.Fprintf(&sb, "harvester_api_transitions_total %d\n", s.metrics.transitions.Load())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func familyParam(r *http.Request) string {
	family := strings.TrimSpace(r.URL.Query().Get("family"))
	if family == "" {
		return models.DefaultFamily
	}
	return family
}
