package queue

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. The SQL is kept to
// the subset shared by SQLite and PostgreSQL: timestamps are unix
// nanoseconds and flags are integers.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	payload            TEXT NOT NULL,
	state              TEXT NOT NULL,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL,
	backoff_ms         BIGINT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	result             TEXT NOT NULL DEFAULT '',
	remove_on_complete INTEGER NOT NULL DEFAULT 1,
	remove_on_fail     INTEGER NOT NULL DEFAULT 0,
	run_at             BIGINT NOT NULL,
	created_at         BIGINT NOT NULL,
	updated_at         BIGINT NOT NULL,
	finished_at        BIGINT
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, priority, run_at, created_at);

CREATE TABLE IF NOT EXISTS job_counters (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
