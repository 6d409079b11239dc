package store

var migrations = []migration{
	{version: 1, sql: schemaV1},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'medium',
	type TEXT NOT NULL DEFAULT '',
	required_skills TEXT NOT NULL DEFAULT '[]',
	dependencies TEXT NOT NULL DEFAULT '[]',
	blockers TEXT NOT NULL DEFAULT '[]',
	files TEXT NOT NULL DEFAULT '[]',
	assigned_agent TEXT,
	claimed_at TEXT,
	started_at TEXT,
	completed_at TEXT,
	estimated_minutes REAL,
	actual_minutes REAL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 2,
	last_error TEXT,
	failure_type TEXT,
	next_retry_at TEXT,
	previous_agents TEXT NOT NULL DEFAULT '[]',
	result TEXT,
	branch TEXT,
	quality_snapshot_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_priority_created ON tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(assigned_agent);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	skills TEXT NOT NULL DEFAULT '[]',
	can_run_tests INTEGER NOT NULL DEFAULT 0,
	can_build INTEGER NOT NULL DEFAULT 0,
	can_browser INTEGER NOT NULL DEFAULT 0,
	max_task_minutes INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TEXT,
	heartbeat_count INTEGER NOT NULL DEFAULT 0,
	current_task_id TEXT,
	current_task_progress REAL NOT NULL DEFAULT 0,
	current_task_phase TEXT,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	tasks_failed INTEGER NOT NULL DEFAULT 0,
	total_runtime_minutes REAL NOT NULL DEFAULT 0,
	machine_info TEXT NOT NULL DEFAULT '{}',
	pid INTEGER NOT NULL DEFAULT 0,
	registered_at TEXT NOT NULL,
	last_active_at TEXT
);

CREATE TABLE IF NOT EXISTS leases (
	file_path TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	task_id TEXT,
	acquired_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	renewed_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT,
	payload_content_type TEXT NOT NULL DEFAULT 'application/json',
	payload BLOB,
	ack_required INTEGER NOT NULL DEFAULT 0,
	acknowledged_at TEXT,
	acknowledged_by TEXT,
	delivered_at TEXT,
	expires_at TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_to_agent_delivered ON messages(to_agent, delivered_at);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);

CREATE TABLE IF NOT EXISTS quality_snapshots (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	agent_id TEXT,
	build_success INTEGER,
	build_time_ms INTEGER,
	type_errors INTEGER NOT NULL DEFAULT 0,
	lint_errors INTEGER NOT NULL DEFAULT 0,
	lint_warnings INTEGER NOT NULL DEFAULT 0,
	tests_passing INTEGER NOT NULL DEFAULT 0,
	tests_failing INTEGER NOT NULL DEFAULT 0,
	tests_skipped INTEGER NOT NULL DEFAULT 0,
	test_coverage REAL,
	test_time_ms INTEGER,
	raw TEXT,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quality_snapshots_recorded ON quality_snapshots(recorded_at);

CREATE TABLE IF NOT EXISTS quality_baseline (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	build_success INTEGER,
	type_errors INTEGER NOT NULL DEFAULT 0,
	lint_errors INTEGER NOT NULL DEFAULT 0,
	lint_warnings INTEGER NOT NULL DEFAULT 0,
	tests_passing INTEGER NOT NULL DEFAULT 0,
	tests_failing INTEGER NOT NULL DEFAULT 0,
	tests_skipped INTEGER NOT NULL DEFAULT 0,
	test_coverage REAL,
	test_time_ms INTEGER,
	set_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS change_log (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	sync_version INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	payload TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_change_log_sync_version ON change_log(sync_version);
CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS offline_queue (
	id TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_retry_at TEXT,
	created_at TEXT NOT NULL,
	last_attempt_at TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_offline_queue_status_retry ON offline_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
