package store

import "github.com/forgebase/taskcore/internal/apperr"

// initCoreSchema creates every table named in spec §3 plus the indexes
// named in §4.1 (tasks(status, queue_order), conversation_messages
// (conversation_id, created_at), attachments(sha256)). Split into
// per-concern statements, mirroring the teacher's initCoreSchema /
// initPlansSchema / initSessionSchema split in
// apps/backend/internal/task/repository/sqlite/base.go.
func (s *Store) initCoreSchema() error {
	for _, fn := range []func() error{
		s.initTaskTables,
		s.initPlanTables,
		s.initMessageTables,
		s.initConversationTables,
		s.initModelConfigTable,
		s.initAttachmentTables,
		s.initIndexes,
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) exec(stmt string) error {
	if _, err := s.db.Exec(stmt); err != nil {
		return apperr.IOFault("apply schema", err)
	}
	return nil
}

func (s *Store) initTaskTables() error {
	return s.exec(`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		prompt TEXT NOT NULL,
		model TEXT DEFAULT '',
		model_params TEXT DEFAULT '{}',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		queue_order INTEGER NOT NULL,
		queued_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		archived_at DATETIME,
		prompt_injected_at DATETIME,
		inherit_context INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT,
		thread_id TEXT NOT NULL,
		result TEXT DEFAULT '',
		result_summary TEXT DEFAULT '',
		last_error TEXT DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at DATETIME NOT NULL,
		created_by TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		UNIQUE(queue_order)
	)`)
}

func (s *Store) initPlanTables() error {
	return s.exec(`CREATE TABLE IF NOT EXISTS plan_steps (
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		PRIMARY KEY (task_id, step_number),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	)`)
}

func (s *Store) initMessageTables() error {
	if err := s.exec(`CREATE TABLE IF NOT EXISTS task_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		plan_step_task_id TEXT,
		plan_step_number INTEGER,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT DEFAULT '',
		model_used TEXT DEFAULT '',
		token_count INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (plan_step_task_id, plan_step_number)
			REFERENCES plan_steps(task_id, step_number) ON DELETE SET NULL
	)`); err != nil {
		return err
	}
	return s.exec(`CREATE TABLE IF NOT EXISTS task_contexts (
		task_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, created_at),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	)`)
}

func (s *Store) initConversationTables() error {
	if err := s.exec(`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		title TEXT DEFAULT '',
		total_tokens INTEGER DEFAULT 0,
		last_model TEXT DEFAULT '',
		model_response_ids TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`); err != nil {
		return err
	}
	return s.exec(`CREATE TABLE IF NOT EXISTS conversation_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT DEFAULT '',
		model_used TEXT DEFAULT '',
		model_id TEXT DEFAULT '',
		token_count INTEGER DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`)
}

func (s *Store) initModelConfigTable() error {
	return s.exec(`CREATE TABLE IF NOT EXISTS model_configs (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		provider TEXT NOT NULL,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		is_default INTEGER NOT NULL DEFAULT 0,
		config_json TEXT DEFAULT '{}',
		updated_at DATETIME NOT NULL
	)`)
}

func (s *Store) initAttachmentTables() error {
	if err := s.exec(`CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL UNIQUE,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		width INTEGER DEFAULT 0,
		height INTEGER DEFAULT 0,
		filename TEXT DEFAULT '',
		storage_key TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'image',
		created_at DATETIME NOT NULL
	)`); err != nil {
		return err
	}
	return s.exec(`CREATE TABLE IF NOT EXISTS task_attachment_links (
		task_id TEXT NOT NULL,
		attachment_id TEXT NOT NULL,
		PRIMARY KEY (task_id, attachment_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (attachment_id) REFERENCES attachments(id) ON DELETE CASCADE
	)`)
}

func (s *Store) initIndexes() error {
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_queue_order ON tasks(status, queue_order)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_created ON conversation_messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_sha256 ON attachments(sha256)`,
		`CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id)`,
	} {
		if err := s.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runColumnMigrations applies idempotent ALTER TABLE ADD COLUMN evolutions
// on every open, ignoring "duplicate column" errors (teacher idiom:
// apps/backend/internal/task/repository/sqlite/base.go's best-effort
// ALTER TABLE migrations). No evolutions exist yet in schema version 1;
// this is the seam future versions hang off of without bumping
// CurrentSchemaVersion for purely additive, backward-compatible columns.
func (s *Store) runColumnMigrations() {
	// Intentionally empty at schema version 1.
}
