package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY,
	download_id TEXT UNIQUE NOT NULL,
	url TEXT NOT NULL,
	folder TEXT NOT NULL,
	filename TEXT NOT NULL,
	path TEXT,
	status TEXT NOT NULL DEFAULT 'queued',
	error TEXT,
	total_size INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_updated_at ON downloads(updated_at);`

// InitDB opens the SQLite database at path and creates the downloads table if needed.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// the sqlite driver serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
