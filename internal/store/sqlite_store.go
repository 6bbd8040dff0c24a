package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"relentless-harvester/internal/models"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// single writer; concurrent goroutines queue on the pool instead of hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(createTablesQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJobIfNoneActive(ctx context.Context, job models.Job) (models.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scan_job WHERE family = ? AND status IN ('running', 'paused') LIMIT 1`,
		job.Family,
	)
	existing, err := scanJob(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Job{}, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_job (id, family, status, trigger_kind, progress, total, found_count, started_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')`,
		job.ID, job.Family, string(job.Status), string(job.Trigger),
		job.Progress, job.Total, job.FoundCount, toMillis(job.StartedAt),
	); err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("commit create job: %w", err)
	}
	return job, true, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_job WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) ActiveJob(ctx context.Context, family string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scan_job WHERE family = ? AND status IN ('running', 'paused') LIMIT 1`,
		family,
	)
	return scanJob(row)
}

func (s *SQLiteStore) LatestJob(ctx context.Context, family string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scan_job WHERE family = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		family,
	)
	return scanJob(row)
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, at time.Time) error {
	if len(from) == 0 {
		return ErrConflict
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := `UPDATE scan_job SET status = ?`
	args := []any{string(to)}
	switch {
	case to == models.JobPaused:
		query += `, paused_at = ?`
		args = append(args, toMillis(at))
	case to.Terminal():
		query += `, completed_at = ?`
		args = append(args, toMillis(at))
	}
	query += ` WHERE id = ? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	return s.checkConditional(ctx, res, id)
}

func (s *SQLiteStore) SetJobTotal(ctx context.Context, id string, total int) error {
	return s.execJob(ctx, id, `UPDATE scan_job SET total = ? WHERE id = ?`, total, id)
}

func (s *SQLiteStore) IncrementProgress(ctx context.Context, id string, found int) error {
	return s.execJob(ctx, id,
		`UPDATE scan_job SET progress = progress + 1, found_count = found_count + ? WHERE id = ?`,
		found, id,
	)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_job SET status = 'completed', progress = total, completed_at = ?
		 WHERE id = ? AND status IN ('running', 'paused')`,
		toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return s.checkConditional(ctx, res, id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, msg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_job SET status = 'failed', error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN ('running', 'paused')`,
		msg, toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return s.checkConditional(ctx, res, id)
}

func (s *SQLiteStore) execJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkConditional distinguishes a missing job from one whose status did not match.
func (s *SQLiteStore) checkConditional(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *SQLiteStore) ListAliveEgresses(ctx context.Context) ([]models.Egress, error) {
	return s.queryEgresses(ctx, `SELECT `+egressColumns+` FROM egress WHERE is_alive = 1 ORDER BY id`)
}

func (s *SQLiteStore) ListEgresses(ctx context.Context) ([]models.Egress, error) {
	return s.queryEgresses(ctx, `SELECT `+egressColumns+` FROM egress ORDER BY id`)
}

func (s *SQLiteStore) queryEgresses(ctx context.Context, query string) ([]models.Egress, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list egresses: %w", err)
	}
	defer rows.Close()

	var out []models.Egress
	for rows.Next() {
		var (
			e                  models.Egress
			kind               string
			lastUsed, lastFail sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Address, &kind, &e.IsAlive, &e.FailCount, &lastUsed, &lastFail); err != nil {
			return nil, fmt.Errorf("scan egress row: %w", err)
		}
		e.Kind = models.EgressKind(kind)
		e.LastUsedAt = fromMillis(lastUsed)
		e.LastFailedAt = fromMillis(lastFail)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error listing egresses: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateEgressHealth(ctx context.Context, egress models.Egress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE egress SET is_alive = ?, fail_count = ?, last_used_at = ?, last_failed_at = ? WHERE id = ?`,
		egress.IsAlive, egress.FailCount, nullMillis(egress.LastUsedAt), nullMillis(egress.LastFailedAt), egress.ID,
	)
	if err != nil {
		return fmt.Errorf("update egress %s: %w", egress.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertEgress(ctx context.Context, egress models.Egress) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO egress (id, address, kind, is_alive, fail_count) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET address = excluded.address, kind = excluded.kind,
		 is_alive = excluded.is_alive, fail_count = excluded.fail_count`,
		egress.ID, egress.Address, string(egress.Kind), egress.IsAlive, egress.FailCount,
	); err != nil {
		return fmt.Errorf("upsert egress %s: %w", egress.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEgress(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM egress WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete egress %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListEnabledTargets(ctx context.Context) ([]models.ScanTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM scan_target WHERE enabled = 1 ORDER BY last_qualifying DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []models.ScanTarget
	for rows.Next() {
		var (
			t       models.ScanTarget
			tier    string
			scanned sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.Enabled, &t.BenchmarkPrice, &tier,
			&t.LastYield, &t.LastQualifying, &t.ConsecutiveEmpty, &scanned); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		t.Tier = models.Tier(tier)
		t.LastScannedAt = fromMillis(scanned)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error listing targets: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RecordTargetScan(ctx context.Context, outcome models.TargetScanOutcome) error {
	res, err := s.db.ExecContext(ctx, recordTargetScanQuery,
		outcome.RawCount, outcome.Qualifying, models.ColdAfterEmptyScans, toMillis(outcome.ScannedAt), outcome.TargetID,
	)
	if err != nil {
		return fmt.Errorf("record scan for target %s: %w", outcome.TargetID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertTarget(ctx context.Context, target models.ScanTarget) error {
	tier := target.Tier
	if tier == "" {
		tier = models.ClassifyTier(target.LastQualifying, target.ConsecutiveEmpty)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_target (id, display_name, enabled, benchmark_price, tier) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
		 enabled = excluded.enabled, benchmark_price = excluded.benchmark_price`,
		target.ID, target.DisplayName, target.Enabled, target.BenchmarkPrice, string(tier),
	); err != nil {
		return fmt.Errorf("upsert target %s: %w", target.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		j                     models.Job
		status, trigger       string
		started               int64
		pausedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Family, &status, &trigger, &j.Progress, &j.Total, &j.FoundCount,
		&started, &pausedAt, &completedAt, &j.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job row: %w", err)
	}
	j.Status = models.JobStatus(status)
	j.Trigger = models.Trigger(trigger)
	j.StartedAt = time.UnixMilli(started).UTC()
	j.PausedAt = fromMillis(pausedAt)
	j.CompletedAt = fromMillis(completedAt)
	return j, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
