package graph

import (
	"context"
	"errors"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
)

// ErrIncomplete is returned for payloads missing the ids their graph pattern needs.
var ErrIncomplete = errors.New("graph: payload missing required ids")

// Writer stores scan output in Neo4j. Every write is a MERGE so redelivered messages
// are idempotent.
type Writer struct {
	driver DriverSessioner
	log    zerolog.Logger
}

func NewWriter(driver DriverSessioner) *Writer {
	return &Writer{driver: driver, log: logger.WithComponent("graph")}
}

// WriteResult records (:Target)-[:LISTED]->(:Listing) for a qualifying listing.
func (w *Writer) WriteResult(ctx context.Context, result models.ScanResult) error {
	if result.Target.ID == "" || result.Listing.ID == "" {
		return ErrIncomplete
	}
	query, params := BuildListingQuery(result)
	return w.runWrite(ctx, query, params)
}

// WriteFailure records (:Target)-[:FAILED_SCAN]->(:Job) for an exhausted target.
func (w *Writer) WriteFailure(ctx context.Context, failure models.TargetFailure) error {
	if failure.TargetID == "" || failure.JobID == "" {
		return ErrIncomplete
	}
	query, params := BuildFailureQuery(failure)
	return w.runWrite(ctx, query, params)
}

func (w *Writer) runWrite(ctx context.Context, query string, params map[string]any) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := session.Close(ctx); err != nil {
			w.log.Error().Err(err).Msg("neo4j session close")
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	return err
}

// BuildListingQuery returns the MERGE for one qualifying listing.
func BuildListingQuery(result models.ScanResult) (string, map[string]any) {
	query := "MERGE (t:Target {id: $target_id}) " +
		"SET t.display_name = coalesce($display_name, t.display_name), " +
		"t.benchmark_price = $benchmark " +
		"MERGE (l:Listing {id: $listing_id}) " +
		"SET l.title = coalesce($title, l.title), " +
		"l.price = $price, " +
		"l.currency = coalesce($currency, l.currency), " +
		"l.seller = coalesce($seller, l.seller), " +
		"l.url = coalesce($url, l.url) " +
		"MERGE (t)-[r:LISTED]->(l) " +
		"SET r.job_id = $job_id, r.score = $score, r.found_at = $found_at"
	params := map[string]any{
		"target_id":    result.Target.ID,
		"display_name": optional(result.Target.DisplayName),
		"benchmark":    result.Benchmark.Price,
		"listing_id":   result.Listing.ID,
		"title":        optional(result.Listing.Title),
		"price":        result.Listing.Price,
		"currency":     optional(result.Listing.Currency),
		"seller":       optional(result.Listing.Seller),
		"url":          optional(result.Listing.URL),
		"job_id":       result.JobID,
		"score":        result.Score.Value,
		"found_at":     result.FoundAt.UnixMilli(),
	}
	return query, params
}

// BuildFailureQuery returns the MERGE for one exhausted target.
func BuildFailureQuery(failure models.TargetFailure) (string, map[string]any) {
	query := "MERGE (t:Target {id: $target_id}) " +
		"MERGE (j:Job {id: $job_id}) " +
		"MERGE (t)-[r:FAILED_SCAN]->(j) " +
		"SET r.attempts = $attempts, r.class = $class, r.error = $error, r.failed_at = $failed_at"
	params := map[string]any{
		"target_id": failure.TargetID,
		"job_id":    failure.JobID,
		"attempts":  failure.Attempts,
		"class":     failure.Class,
		"error":     failure.Error,
		"failed_at": failure.FailedAt.UnixMilli(),
	}
	return query, params
}

// optional maps empty strings to nil so coalesce keeps the stored value.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
