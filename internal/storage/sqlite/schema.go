package sqlite

// schema creates the jobs table. Timestamps are stored as UTC unix
// nanoseconds so range scans compare numerically. The partial unique index
// makes CreateJob single-flight per (owner_id, website_url).
const schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    website_url      TEXT NOT NULL,
    status           TEXT NOT NULL,
    attempt          INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    result           TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,
    stage_started_at INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    finished_at      INTEGER
);
CREATE INDEX IF NOT EXISTS analysis_jobs_owner_url_status_idx ON analysis_jobs(owner_id, website_url, status);
CREATE UNIQUE INDEX IF NOT EXISTS analysis_jobs_active_pair_idx ON analysis_jobs(owner_id, website_url)
    WHERE status NOT IN ('completed', 'failed');
CREATE INDEX IF NOT EXISTS analysis_jobs_stale_idx ON analysis_jobs(updated_at)
    WHERE status NOT IN ('completed', 'failed');
`
