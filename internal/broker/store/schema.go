package store

// initSchema creates the database tables if they don't exist. Creation is
// idempotent; forward compatibility is handled with additive columns.
func (s *Store) initSchema() error {
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initAgentSchema(); err != nil {
		return err
	}
	if err := s.initEventSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		prompt TEXT NOT NULL,
		from_type TEXT NOT NULL,
		from_id TEXT NOT NULL,
		from_name TEXT DEFAULT '',
		to_agent_id TEXT DEFAULT '',
		capabilities TEXT DEFAULT '[]',
		workspace_id TEXT DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		priority_rank INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		context TEXT DEFAULT '{}',
		dependencies TEXT DEFAULT '[]',
		history TEXT DEFAULT '[]',
		response TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		last_progress_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		message_type TEXT NOT NULL DEFAULT 'comment',
		reply_to TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		images TEXT DEFAULT '[]',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS review_comments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		author TEXT DEFAULT '',
		verdict TEXT NOT NULL,
		feedback TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initAgentSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		role TEXT DEFAULT '',
		capabilities TEXT DEFAULT '[]',
		workspace_context TEXT DEFAULT '',
		last_seen TIMESTAMP NOT NULL,
		source TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS waiting_agents (
		agent_id TEXT PRIMARY KEY,
		capabilities TEXT DEFAULT '[]',
		workspace_context TEXT DEFAULT '',
		entered_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_acks (
		task_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS system_prompts (
		id TEXT PRIMARY KEY,
		target_agent_id TEXT DEFAULT '',
		capability TEXT DEFAULT '',
		broadcast INTEGER NOT NULL DEFAULT 0,
		prompt_type TEXT NOT NULL,
		message TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS system_prompt_deliveries (
		prompt_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		delivered_at TIMESTAMP NOT NULL,
		PRIMARY KEY (prompt_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS evictions (
		agent_id TEXT PRIMARY KEY,
		reason TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initEventSchema() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_seq (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS logs (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`); err != nil {
		return err
	}

	// Seed the seq counter row exactly once.
	_, err := s.db.Exec(s.db.Rebind(
		`INSERT INTO event_seq (id, seq) SELECT 1, 0
		 WHERE NOT EXISTS (SELECT 1 FROM event_seq WHERE id = 1)`))
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority_rank DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(to_agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_progress ON tasks(status, last_progress_at);
	CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_task_messages_unread ON task_messages(task_id, is_read, role);
	CREATE INDEX IF NOT EXISTS idx_waiting_agents_entered ON waiting_agents(entered_at);
	CREATE INDEX IF NOT EXISTS idx_pending_acks_sent ON pending_acks(sent_at);
	CREATE INDEX IF NOT EXISTS idx_system_prompts_target ON system_prompts(target_agent_id, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_review_comments_task ON review_comments(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_logs_created ON logs(created_at);
	`)
	return err
}
