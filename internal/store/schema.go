package store

// The schema is created on every startup with IF NOT EXISTS guards. Column
// types differ only where the engines disagree: sqlite stores booleans as
// INTEGER and uses AUTOINCREMENT rowids, postgres uses BOOLEAN and
// BIGSERIAL. Timestamps are fractional epoch seconds except for
// system_logs.created_at which keeps an RFC 3339 UTC string so rows stay
// greppable.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_time REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '',
		meta_type TEXT NOT NULL DEFAULT '',
		timestamp REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history (user_id, session_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_ts ON chat_history (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tool_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '',
		sandbox INTEGER NOT NULL DEFAULT 0,
		timestamp REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_session ON tool_logs (user_id, session_id, id)`,
	`CREATE TABLE IF NOT EXISTS artifact_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		name TEXT NOT NULL,
		ok INTEGER NOT NULL,
		meta TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		timestamp REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifact_logs_session ON artifact_logs (user_id, session_id, id)`,
	`CREATE TABLE IF NOT EXISTS monitor_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		question TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		rounds INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		start_time REAL NOT NULL,
		updated_time REAL NOT NULL,
		ended_time REAL NOT NULL DEFAULT 0,
		events TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_sessions_user ON monitor_sessions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_sessions_updated ON monitor_sessions (updated_time)`,
	`CREATE TABLE IF NOT EXISTS system_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_locks (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		created_time REAL NOT NULL,
		updated_time REAL NOT NULL,
		expires_at REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_locks_expiry ON session_locks (expires_at)`,
	`CREATE TABLE IF NOT EXISTS stream_events (
		session_id TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_time REAL NOT NULL,
		PRIMARY KEY (session_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_created ON stream_events (created_time)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_user ON stream_events (user_id)`,
	`CREATE TABLE IF NOT EXISTS memory_settings (
		user_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL,
		updated_time REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_time REAL NOT NULL,
		updated_time REAL NOT NULL,
		UNIQUE (user_id, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records (user_id, updated_time)`,
	`CREATE TABLE IF NOT EXISTS memory_task_logs (
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		queued_time REAL NOT NULL,
		run_time REAL NOT NULL DEFAULT 0,
		finish_time REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_task_logs_task ON memory_task_logs (task_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_time DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_history (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '',
		meta_type TEXT NOT NULL DEFAULT '',
		timestamp DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history (user_id, session_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_ts ON chat_history (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tool_logs (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		ok BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '',
		sandbox BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_logs_session ON tool_logs (user_id, session_id, id)`,
	`CREATE TABLE IF NOT EXISTS artifact_logs (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		name TEXT NOT NULL,
		ok BOOLEAN NOT NULL,
		meta TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		timestamp DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifact_logs_session ON artifact_logs (user_id, session_id, id)`,
	`CREATE TABLE IF NOT EXISTS monitor_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		question TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		rounds BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		start_time DOUBLE PRECISION NOT NULL,
		updated_time DOUBLE PRECISION NOT NULL,
		ended_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		events TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_sessions_user ON monitor_sessions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_sessions_updated ON monitor_sessions (updated_time)`,
	`CREATE TABLE IF NOT EXISTS system_logs (
		id BIGSERIAL PRIMARY KEY,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_locks (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		created_time DOUBLE PRECISION NOT NULL,
		updated_time DOUBLE PRECISION NOT NULL,
		expires_at DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_locks_expiry ON session_locks (expires_at)`,
	`CREATE TABLE IF NOT EXISTS stream_events (
		session_id TEXT NOT NULL,
		event_id BIGINT NOT NULL,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_time DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (session_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_created ON stream_events (created_time)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_user ON stream_events (user_id)`,
	`CREATE TABLE IF NOT EXISTS memory_settings (
		user_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL,
		updated_time DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_records (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_time DOUBLE PRECISION NOT NULL,
		updated_time DOUBLE PRECISION NOT NULL,
		UNIQUE (user_id, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records (user_id, updated_time)`,
	`CREATE TABLE IF NOT EXISTS memory_task_logs (
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		queued_time DOUBLE PRECISION NOT NULL,
		run_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		finish_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_task_logs_task ON memory_task_logs (task_id)`,
}

func schemaStatements(driver string) []string {
	if driver == DriverPostgres {
		return postgresSchema
	}
	return sqliteSchema
}
