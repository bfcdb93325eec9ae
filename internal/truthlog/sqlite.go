package truthlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists truth-log entries to a SQLite database. Useful
// where the log is also queried ad hoc (dashboards, forensics).
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLite(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so readers do not block the append path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS truth_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_ts   INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		payload    TEXT NOT NULL
	)`)
	return err
}

func (r *SQLiteRecorder) Append(entryType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", entryType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.db.Exec(
		"INSERT INTO truth_log (event_ts, entry_type, payload) VALUES (?, ?, ?)",
		time.Now().UTC().UnixMilli(), entryType, string(raw),
	)
	return err
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
