package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kbdmon/internal/keysym"
	"kbdmon/internal/monitor"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    keysym          INTEGER NOT NULL DEFAULT 0,
    release         INTEGER NOT NULL,
    action          TEXT NOT NULL,
    state           INTEGER NOT NULL DEFAULT 0,
    keycode         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action);
`

// Journal is the SQLite decision journal.
type Journal struct {
	db         *sql.DB
	recordKeys atomic.Bool
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// SetRecordKeys controls whether keysyms are stored. When off, every entry
// is written with keysym 0.
func (j *Journal) SetRecordKeys(on bool) {
	j.recordKeys.Store(on)
}

// RecordKeys reports whether keysyms are stored.
func (j *Journal) RecordKeys() bool {
	return j.recordKeys.Load()
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record inserts e and returns its ID.
func (j *Journal) Record(e Entry) (int64, error) {
	key := uint32(e.Keysym)
	if !j.RecordKeys() {
		key = 0
	}

	result, err := j.db.Exec(`
		INSERT INTO decisions (timestamp_ns, keysym, release, action, state, keycode)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TimestampNs, key, e.Release, e.Action.String(), uint32(e.State), e.Keycode,
	)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, timestamp_ns, keysym, release, action, state, keycode
		FROM decisions ORDER BY timestamp_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			key     uint32
			state   uint32
			action  string
			keycode uint16
		)
		if err := rows.Scan(&e.ID, &e.TimestampNs, &key, &e.Release, &action, &state, &keycode); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Action, err = monitor.ParseAction(action)
		if err != nil {
			return nil, fmt.Errorf("decision %d: %w", e.ID, err)
		}
		e.Keysym = keysym.Key(key)
		e.State = keysym.Mask(state)
		e.Keycode = keycode
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByAction returns the number of entries per action.
func (j *Journal) CountByAction() (map[monitor.Action]int64, error) {
	rows, err := j.db.Query(`SELECT action, COUNT(*) FROM decisions GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[monitor.Action]int64)
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		action, err := monitor.ParseAction(name)
		if err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	result, err := j.db.Exec(`DELETE FROM decisions WHERE timestamp_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return result.RowsAffected()
}
