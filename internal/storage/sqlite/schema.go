package sqlite

const schemaSQL = `
-- Scrape jobs with immutable spec snapshots
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	spec_json TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER DEFAULT 0,
	record_count INTEGER DEFAULT 0,
	last_error TEXT,
	error_kind TEXT,
	upload_error TEXT,
	shortfalls_json TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);

-- Extracted records; fingerprint dedup is absorbed by the unique index
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	target_key TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	author TEXT NOT NULL,
	category TEXT,
	synced INTEGER DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_fingerprint ON records(job_id, fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_unsynced ON records(synced, job_id, rowid);
CREATE INDEX IF NOT EXISTS idx_records_job ON records(job_id, created_at);

-- Per-job resume state, replaced transactionally on each save
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id TEXT PRIMARY KEY,
	blob TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Persisted configuration rows; env variables with the same uppercased key
-- override at process start
CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	description TEXT,
	updated_at INTEGER NOT NULL
);
`
