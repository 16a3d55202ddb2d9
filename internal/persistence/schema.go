package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_tasks (
		group_folder TEXT NOT NULL,
		task_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		pending_questions TEXT NOT NULL DEFAULT '[]',
		decisions TEXT NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		blocked_reason TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (group_folder, task_id)
	);

	CREATE TABLE IF NOT EXISTS workflow_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_folder TEXT NOT NULL,
		task_id TEXT NOT NULL,
		from_stage TEXT NOT NULL,
		to_stage TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		FOREIGN KEY (group_folder, task_id) REFERENCES workflow_tasks(group_folder, task_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_transitions_task
		ON workflow_transitions(group_folder, task_id, id);

	CREATE TABLE IF NOT EXISTS lanes (
		group_folder TEXT NOT NULL,
		task_id TEXT NOT NULL,
		role TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		dependency TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_folder, task_id, role)
	);

	CREATE TABLE IF NOT EXISTS circuits (
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		failures INTEGER NOT NULL DEFAULT 0,
		open_until TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		last_failure_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (kind, key)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		call_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_archive (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		call_count INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_archive_key
		ON session_archive(session_key, archived_at);

	CREATE TABLE IF NOT EXISTS messages (
		chat_id TEXT NOT NULL,
		id TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (chat_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp
		ON messages(chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS cursors (
		chat_id TEXT PRIMARY KEY,
		cursor TEXT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
