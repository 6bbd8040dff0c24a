package store

const createTablesQuery = `
CREATE TABLE IF NOT EXISTS scan_job (
	id TEXT NOT NULL PRIMARY KEY,
	family TEXT NOT NULL,
	status TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL DEFAULT 0,
	found_count INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	paused_at INTEGER,
	completed_at INTEGER,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS scan_job_one_active
	ON scan_job (family) WHERE status IN ('running', 'paused');
CREATE INDEX IF NOT EXISTS scan_job_family_started ON scan_job (family, started_at);
CREATE TABLE IF NOT EXISTS egress (
	id TEXT NOT NULL PRIMARY KEY,
	address TEXT NOT NULL,
	kind TEXT NOT NULL,
	is_alive BOOL NOT NULL DEFAULT true,
	fail_count INTEGER NOT NULL DEFAULT 0,
	last_used_at INTEGER,
	last_failed_at INTEGER
);
CREATE TABLE IF NOT EXISTS scan_target (
	id TEXT NOT NULL PRIMARY KEY,
	display_name TEXT NOT NULL,
	enabled BOOL NOT NULL DEFAULT true,
	benchmark_price REAL NOT NULL DEFAULT 0,
	tier TEXT NOT NULL DEFAULT 'warm',
	last_yield INTEGER NOT NULL DEFAULT 0,
	last_qualifying INTEGER NOT NULL DEFAULT 0,
	consecutive_empty INTEGER NOT NULL DEFAULT 0,
	last_scanned_at INTEGER
);
`

const jobColumns = `id, family, status, trigger_kind, progress, total, found_count, started_at, paused_at, completed_at, error_message`

const egressColumns = `id, address, kind, is_alive, fail_count, last_used_at, last_failed_at`

const targetColumns = `id, display_name, enabled, benchmark_price, tier, last_yield, last_qualifying, consecutive_empty, last_scanned_at`

// consecutive_empty on the right-hand side is the pre-update value.
const recordTargetScanQuery = `
UPDATE scan_target SET
	last_yield = ?1,
	last_qualifying = ?2,
	consecutive_empty = CASE WHEN ?1 = 0 THEN consecutive_empty + 1 ELSE 0 END,
	tier = CASE
		WHEN ?2 > 0 THEN 'hot'
		WHEN ?1 = 0 AND consecutive_empty + 1 >= ?3 THEN 'cold'
		ELSE 'warm'
	END,
	last_scanned_at = ?4
WHERE id = ?5`
