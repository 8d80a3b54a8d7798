package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

// migrateV1 creates the facts table in the layout the submission form and
// the review bot have always used, so existing databases open unchanged.
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		author TEXT,
		status TEXT DEFAULT 'pending',
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		ip TEXT
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	// Review bookkeeping (ignore if the columns already exist)
	_, _ = s.db.Exec(`ALTER TABLE facts ADD COLUMN reviewed_by TEXT`)
	_, _ = s.db.Exec(`ALTER TABLE facts ADD COLUMN reviewed_at INTEGER`)

	schema := `
	CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(status);
	CREATE INDEX IF NOT EXISTS idx_facts_ip ON facts(ip, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
