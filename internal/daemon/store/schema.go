package store

// initSchema creates all tables if they don't exist. The FTS table is
// deliberately maintained by the application inside node-write transactions;
// no triggers. nodes_fts requires go-sqlite3 built with -tags sqlite_fts5
// (see the Makefile); without it this fails with "no such module: fts5".
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		type TEXT,
		project TEXT,
		language TEXT,
		outcome TEXT,
		had_clear_goal INTEGER DEFAULT 0,
		is_new_project INTEGER DEFAULT 0,
		timestamp TIMESTAMP NOT NULL,
		session_file TEXT NOT NULL,
		segment_boundary TEXT NOT NULL,
		prompt_version TEXT,
		needs_review INTEGER DEFAULT 0,
		tokens_used INTEGER DEFAULT 0,
		cost_usd REAL DEFAULT 0,
		json_path TEXT NOT NULL,
		embedding_model TEXT,
		last_discovery_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project, timestamp);
	CREATE INDEX IF NOT EXISTS idx_nodes_timestamp ON nodes(timestamp);
	CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_file);

	CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
		node_id UNINDEXED,
		summary,
		decisions,
		lessons,
		tags
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		session_file TEXT,
		segment_boundary TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		lease_expires_at TIMESTAMP,
		leased_by TEXT,
		retry_count INTEGER DEFAULT 0,
		max_retries INTEGER DEFAULT 3,
		last_error TEXT,
		error_category TEXT,
		enqueued_at TIMESTAMP NOT NULL,
		not_before TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		prompt_version TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_target ON jobs(session_file, segment_boundary, kind, state);

	CREATE TABLE IF NOT EXISTS edges (
		source_node TEXT NOT NULL,
		target_node TEXT NOT NULL,
		kind TEXT NOT NULL,
		weight REAL NOT NULL,
		evidence TEXT,
		source_version INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (source_node, target_node, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_node);

	CREATE TABLE IF NOT EXISTS prompt_versions (
		version_label TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		archived_path TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		model TEXT,
		tool TEXT,
		pattern TEXT NOT NULL,
		frequency INTEGER DEFAULT 0,
		confidence REAL DEFAULT 0,
		severity TEXT,
		examples TEXT,
		prompt_text TEXT,
		prompt_included INTEGER DEFAULT 0,
		effectiveness TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_insights_type ON insights(type, frequency DESC);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		decision TEXT NOT NULL,
		reasoning TEXT,
		source_project TEXT,
		user_feedback TEXT
	);

	CREATE TABLE IF NOT EXISTS clusters (
		id TEXT PRIMARY KEY,
		label TEXT,
		node_ids TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daemon_meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS processed_boundaries (
		session_file TEXT NOT NULL,
		boundary TEXT NOT NULL,
		prompt_version TEXT,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_file, boundary)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
