// Package historylog persists a ledger of past PTY session spawns, one row
// per session that is updated when the session exits, for the ptyhostd
// demonstration host. It is bookkeeping for the host
// process only; the Session/Engine library itself keeps no persisted state.
package historylog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	backend     TEXT NOT NULL,
	cmd_line    TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	exited_at   INTEGER,
	exit_code   INTEGER,
	exit_ok     INTEGER
);`

// Entry is one row of the session-history ledger.
type Entry struct {
	SessionID string
	Backend   string
	CmdLine   string
	Pid       uint32
	StartedAt time.Time
	ExitedAt  time.Time
	ExitCode  uint32
	ExitOK    bool
}

// Log is a ledger of ptyhostd session spawns (one row per session), backed by a local
// SQLite database file. Safe for concurrent use.
type Log struct {
	db *sql.DB
}

// Open creates (if necessary) the parent directory of path and opens the
// ledger, creating the sessions table on first use.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("historylog: create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("historylog: open %s: %w", path, err)
	}
	// The sqlite driver serializes writers internally; a single connection
	// avoids SQLITE_BUSY from concurrent writers racing the same file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("historylog: create schema: %w", err)
	}

	slog.Info("[historylog] opened", "path", path)
	return &Log{db: db}, nil
}

// RecordSpawn inserts a new row for a session that has just been spawned.
// Failures are logged and swallowed: a broken history ledger must never take
// down session hosting.
func (l *Log) RecordSpawn(sessionID, backend, cmdLine string, pid uint32, startedAt time.Time) {
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO sessions (session_id, backend, cmd_line, pid, started_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, backend, cmdLine, pid, startedAt.Unix(),
	)
	if err != nil {
		slog.Warn("[historylog] failed to record spawn", "session_id", sessionID, "error", err)
	}
}

// RecordExit updates a session's row with its exit status.
func (l *Log) RecordExit(sessionID string, exitedAt time.Time, exitCode uint32, exitOK bool) {
	_, err := l.db.Exec(
		`UPDATE sessions SET exited_at = ?, exit_code = ?, exit_ok = ? WHERE session_id = ?`,
		exitedAt.Unix(), exitCode, exitOK, sessionID,
	)
	if err != nil {
		slog.Warn("[historylog] failed to record exit", "session_id", sessionID, "error", err)
	}
}

// Recent returns up to limit entries ordered by most recently started first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT session_id, backend, cmd_line, pid, started_at, exited_at, exit_code, exit_ok
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("historylog: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			startedUnix          int64
			exitedUnix, exitCode sql.NullInt64
			exitOK               sql.NullBool
		)
		if err := rows.Scan(&e.SessionID, &e.Backend, &e.CmdLine, &e.Pid, &startedUnix, &exitedUnix, &exitCode, &exitOK); err != nil {
			return nil, fmt.Errorf("historylog: scan row: %w", err)
		}
		e.StartedAt = time.Unix(startedUnix, 0)
		if exitedUnix.Valid {
			e.ExitedAt = time.Unix(exitedUnix.Int64, 0)
		}
		if exitCode.Valid {
			e.ExitCode = uint32(exitCode.Int64)
		}
		e.ExitOK = exitOK.Bool
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("historylog: iterate rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("historylog: close: %w", err)
	}
	return nil
}
