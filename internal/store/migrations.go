package store

import (
	"database/sql"
	"fmt"
)

// schema holds the forward-only table definitions. CREATE TABLE IF NOT
// EXISTS makes a fresh open idempotent; columnMigrations below upgrades
// databases created before a column existed.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		direction TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		parent_id INTEGER REFERENCES messages(id) ON DELETE SET NULL,
		external_id TEXT,
		is_reaction INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learn_prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		searches_remaining INTEGER NOT NULL,
		announced_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS search_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		query TEXT NOT NULL,
		response TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		learn_prompt_id INTEGER REFERENCES learn_prompts(id) ON DELETE CASCADE,
		extracted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		name TEXT NOT NULL,
		tagline TEXT NOT NULL DEFAULT '',
		embedding BLOB,
		heat REAL NOT NULL DEFAULT 0,
		heat_cooldown INTEGER NOT NULL DEFAULT 0,
		last_enriched_at DATETIME,
		last_notified_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE(user, name)
	)`,
	`CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		embedding BLOB,
		source_search_log_id INTEGER REFERENCES search_logs(id) ON DELETE CASCADE,
		source_message_id INTEGER REFERENCES messages(id) ON DELETE SET NULL,
		learned_at DATETIME NOT NULL,
		notified_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS engagements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		entity_id INTEGER REFERENCES entities(id) ON DELETE CASCADE,
		engagement_type TEXT NOT NULL,
		valence TEXT NOT NULL DEFAULT 'neutral',
		strength REAL NOT NULL DEFAULT 0,
		source_message_id INTEGER,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS preferences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		topic TEXT NOT NULL,
		pref_type TEXT NOT NULL,
		embedding BLOB,
		created_at DATETIME NOT NULL,
		UNIQUE(user, topic)
	)`,
	`CREATE TABLE IF NOT EXISTS follow_prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		topic TEXT NOT NULL,
		query_terms TEXT NOT NULL DEFAULT '[]',
		cron_expr TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		active INTEGER NOT NULL DEFAULT 1,
		last_polled_at DATETIME,
		last_notified_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		headline TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		occurred_at DATETIME NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL,
		embedding BLOB,
		notified_at DATETIME,
		follow_prompt_id INTEGER NOT NULL REFERENCES follow_prompts(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_info (
		user TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		date_of_birth TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS research_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		focus TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'awaiting_focus',
		max_iterations INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS research_iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES research_tasks(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		content TEXT NOT NULL,
		sources TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_processed ON messages(user, processed, is_reaction)`,
	`CREATE INDEX IF NOT EXISTS idx_search_logs_extracted ON search_logs(extracted, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_notified ON facts(notified_at)`,
	`CREATE INDEX IF NOT EXISTS idx_engagements_entity ON engagements(entity_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_created ON events(user, created_at)`,
}

// columnMigration adds a column to an existing table when missing.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

// pendingColumnMigrations upgrades databases created before a column
// existed. Forward-only.
var pendingColumnMigrations = []columnMigration{
	{"entities", "heat_cooldown", "INTEGER NOT NULL DEFAULT 0"},
	{"entities", "last_notified_at", "DATETIME"},
	{"follow_prompts", "timezone", "TEXT NOT NULL DEFAULT 'UTC'"},
	{"research_tasks", "focus", "TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	applied := 0
	for _, m := range pendingColumnMigrations {
		ok, err := columnExists(s.db, m.Table, m.Column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		s.logger.Info("applied %d column migrations", applied)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
