// Package audit provides the append-only tool-usage store.
//
// Every pre-tool-use hook callback lands one row here. The store is
// single-writer and all timestamps are UTC-naive strings; readers must
// compare against UTC wall clock, never local time, or relative ages go
// negative on westward timezones.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Drivers registered for the configurable backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// tsLayout is the UTC-naive timestamp format stored in the table.
const tsLayout = "2006-01-02 15:04:05"

// Entry is one recorded tool invocation.
type Entry struct {
	ID           int64
	Timestamp    time.Time // always UTC
	SessionID    string
	ToolName     string
	ToolInput    string // raw JSON
	ToolResponse string // raw JSON
	ToolUseID    string
	Cwd          string
	Destructive  bool
	TargetFile   string
	BashCommand  string
	ExitCode     *int
}

// Store is the tool-audit database. Safe for concurrent use; writes are
// serialized by the connection pool (one writer connection).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the audit store. driver is "sqlite3" or
// "mysql"; dsn is the driver data source.
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	if driver == "sqlite3" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	// Single writer. sqlite requires it; mysql just serializes appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close() //nolint:errcheck // closing after schema failure
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_utc TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_input_json TEXT DEFAULT '',
		tool_response_json TEXT DEFAULT '',
		tool_use_id TEXT DEFAULT '',
		cwd TEXT DEFAULT '',
		is_destructive INTEGER DEFAULT 0,
		target_file TEXT DEFAULT '',
		bash_command TEXT DEFAULT '',
		exit_code INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one entry. The entry timestamp defaults to now; it is
// stored as a UTC-naive string in all cases.
func (s *Store) Record(ctx context.Context, e Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var exitCode any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (timestamp_utc, session_id, tool_name, tool_input_json,
			tool_response_json, tool_use_id, cwd, is_destructive, target_file,
			bash_command, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(tsLayout), e.SessionID, e.ToolName, e.ToolInput,
		e.ToolResponse, e.ToolUseID, e.Cwd, boolInt(e.Destructive), e.TargetFile,
		e.BashCommand, exitCode)
	if err != nil {
		return fmt.Errorf("recording tool call: %w", err)
	}
	return nil
}

// Recent returns the last n entries for a session, newest first.
// Returned timestamps carry the UTC location.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_utc, session_id, tool_name, tool_input_json,
			tool_response_json, tool_use_id, cwd, is_destructive, target_file,
			bash_command, exit_code
		FROM tool_calls WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			ts       string
			destr    int
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &e.ToolName, &e.ToolInput,
			&e.ToolResponse, &e.ToolUseID, &e.Cwd, &destr, &e.TargetFile,
			&e.BashCommand, &exitCode); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		// Stored strings are UTC-naive; parse them back in UTC so age
		// math never crosses timezones.
		parsed, err := time.ParseInLocation(tsLayout, ts, time.UTC)
		if err == nil {
			e.Timestamp = parsed
		}
		e.Destructive = destr != 0
		if exitCode.Valid {
			v := int(exitCode.Int64)
			e.ExitCode = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
