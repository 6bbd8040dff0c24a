package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/ratelimit"
	"relentless-harvester/internal/scan"
)

var (
	// Request counters: received from Kafka, skipped (already claimed or no longer runnable),
	// and session outcome.
	workerRequestsReceived uint64
	workerRequestsSkipped  uint64
	workerSessionsSuccess  uint64
	workerSessionsFailed   uint64

	workerCommitErrors  uint64
	workerCommitPending int64 // gauge: finished requests waiting for an in-order commit
	workerSessionsLive  int64 // gauge: sessions holding a concurrency slot

	// liveFamilies holds family -> job id for sessions running in this process.
	liveFamilies sync.Map

	// engineStats is shared by every session this process runs.
	engineStats = scan.NewStats()

	commitLatency = scan.NewHistogram([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1})

	// directLimiter is the process-wide limiter of the direct route, set by newScanner.
	directLimiter atomic.Pointer[ratelimit.Limiter]
)

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

	var sb strings.Builder
	fmt.Fprintf(&sb,
		"harvester_worker_up 1\n"+
			"harvester_worker_requests_received_total %d\n"+
			"harvester_worker_requests_skipped_total %d\n"+
			"harvester_worker_sessions_total{result=\"success\"} %d\n"+
			"harvester_worker_sessions_total{result=\"failed\"} %d\n"+
			"harvester_worker_sessions_in_flight %d\n"+
			"harvester_worker_commit_errors_total %d\n"+
			"harvester_worker_commit_pending %d\n",
		atomic.LoadUint64(&workerRequestsReceived),
		atomic.LoadUint64(&workerRequestsSkipped),
		atomic.LoadUint64(&workerSessionsSuccess),
		atomic.LoadUint64(&workerSessionsFailed),
		atomic.LoadInt64(&workerSessionsLive),
		atomic.LoadUint64(&workerCommitErrors),
		atomic.LoadInt64(&workerCommitPending),
	)
	appendLiveFamilies(&sb)
	appendLimiter(&sb, directLimiter.Load())
	appendStats(&sb, engineStats)

	sb.WriteString("# HELP harvester_worker_commit_latency_seconds Kafka commit latency.\n")
	sb.WriteString("# TYPE harvester_worker_commit_latency_seconds histogram\n")
	appendHistogram(&sb, "harvester_worker_commit_latency_seconds", commitLatency, "%.3f")

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func appendStats(sb *strings.Builder, s *scan.Stats) {
	sb.WriteString("# HELP harvester_scan_targets_total Targets processed by outcome.\n")
	sb.WriteString("# TYPE harvester_scan_targets_total counter\n")
	fmt.Fprintf(sb, "harvester_scan_targets_total{result=\"scanned\"} %d\n", s.TargetsScanned.Load())
	fmt.Fprintf(sb, "harvester_scan_targets_total{result=\"failed\"} %d\n", s.TargetsFailed.Load())
	fmt.Fprintf(sb, "harvester_scan_listings_total{kind=\"seen\"} %d\n", s.ListingsSeen.Load())
	fmt.Fprintf(sb, "harvester_scan_listings_total{kind=\"qualifying\"} %d\n", s.ListingsQualify.Load())
	fmt.Fprintf(sb, "harvester_scan_rate_limited_total %d\n", s.RateLimited.Load())
	fmt.Fprintf(sb, "harvester_scan_egress_failures_total %d\n", s.EgressFailures.Load())
	fmt.Fprintf(sb, "harvester_scan_egress_blocked_total %d\n", s.EgressBlocked.Load())
	fmt.Fprintf(sb, "harvester_scan_direct_fallbacks_total %d\n", s.DirectFallbacks.Load())
	fmt.Fprintf(sb, "harvester_scan_publish_errors_total %d\n", s.PublishErrors.Load())
	fmt.Fprintf(sb, "harvester_scan_workers_in_flight %d\n", s.WorkersInFlight.Load())

	sb.WriteString("# HELP harvester_scan_fetch_latency_seconds Upstream search latency per attempt.\n")
	sb.WriteString("# TYPE harvester_scan_fetch_latency_seconds histogram\n")
	appendHistogram(sb, "harvester_scan_fetch_latency_seconds", s.FetchLatency, "%.2f")
}

func appendLimiter(sb *strings.Builder, l *ratelimit.Limiter) {
	if l == nil {
		return
	}
	sb.WriteString("# HELP harvester_worker_direct_limiter_tokens Tokens left in the direct route's bucket.\n")
	sb.WriteString("# TYPE harvester_worker_direct_limiter_tokens gauge\n")
	fmt.Fprintf(sb, "harvester_worker_direct_limiter_tokens %.3f\n", l.Tokens())
	fmt.Fprintf(sb, "harvester_worker_direct_limiter_capacity %d\n", l.Capacity())
	fmt.Fprintf(sb, "harvester_worker_direct_limiter_refill_per_second %g\n", l.RefillPerSecond())
}

func appendLiveFamilies(sb *strings.Builder) {
	type live struct{ family, jobID string }
	var sessions []live
	liveFamilies.Range(func(k, v any) bool {
		sessions = append(sessions, live{family: k.(string), jobID: v.(string)})
		return true
	})
	if len(sessions) == 0 {
		return
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].family < sessions[j].family })
	sb.WriteString("# HELP harvester_worker_session_active Scan session running in this worker.\n")
	sb.WriteString("# TYPE harvester_worker_session_active gauge\n")
	for _, s := range sessions {
		fmt.Fprintf(sb, "harvester_worker_session_active{family=\"%s\",job_id=\"%s\"} 1\n", escapeMetricLabel(s.family), escapeMetricLabel(s.jobID))
	}
}

// escapeMetricLabel escapes backslash and double quote for Prometheus label values.
func escapeMetricLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\"", "\\\"")
}

// appendHistogram writes a Prometheus histogram (buckets, +Inf, sum, count) to sb.
// leFmt formats bucket bounds (e.g. "%.2f").
func appendHistogram(sb *strings.Builder, name string, h *scan.Histogram, leFmt string) {
	var cumulative uint64
	for i, bound := range h.Buckets {
		cumulative += h.Counts[i].Load()
		fmt.Fprintf(sb, "%s_bucket{le=\"%s\"} %d\n", name, fmt.Sprintf(leFmt, bound), cumulative)
	}
	cumulative += h.Counts[len(h.Buckets)].Load()
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
	sumSeconds := float64(h.SumNs.Load()) / float64(time.Second)
	fmt.Fprintf(sb, "%s_sum %.6f\n", name, sumSeconds)
	fmt.Fprintf(sb, "%s_count %d\n", name, h.Count.Load())
}
