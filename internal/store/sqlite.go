// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver with one schema

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite driver names registered with database/sql
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, no cgo
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. It logs nothing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverSQLite, path, nil)
}

// OpenSQLite opens a SQLite store with the named driver. The schema is
// created if it doesn't exist and parent directories are created if needed.
// A nil logger discards store logs.
func OpenSQLite(driver, path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = storeLogger(logger, driver)

	if driver != DriverSQLite && driver != DriverSQLite3 {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			name       TEXT PRIMARY KEY,
			ip         TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('running', 'not_running'))
		);

		CREATE TABLE IF NOT EXISTS processes (
			agent_name TEXT NOT NULL,
			name       TEXT NOT NULL,
			monitored  INTEGER NOT NULL DEFAULT 1,
			running    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent_name, name)
		);

		CREATE INDEX IF NOT EXISTS idx_processes_monitored
			ON processes(agent_name, monitored);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrapErr("ping", "", s.db.PingContext(ctx))
}

// UpsertAgent creates the agent or refreshes its ip, status and last_seen.
// An empty ip keeps the previously recorded address.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, name, ip string, status AgentStatus) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, ip, status, first_seen, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ip = CASE WHEN excluded.ip <> '' THEN excluded.ip ELSE agents.ip END,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`, name, ip, string(status), now, now, now)
	return wrapErr("upsert agent", name, err)
}

// SetAgentStatus updates the status of a recorded agent.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, name string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE name = ?`,
		string(status), formatTime(time.Now()), name,
	)
	if err != nil {
		return wrapErr("set agent status", name, err)
	}
	return wrapErr("set agent status", name, requireRow(res))
}

// ListMonitoredProcesses returns the agent's processes with monitored set.
func (s *SQLiteStore) ListMonitoredProcesses(ctx context.Context, agent string) ([]Process, error) {
	procs, err := s.queryProcesses(ctx, `
		SELECT agent_name, name, monitored, running, updated_at
		FROM processes
		WHERE agent_name = ? AND monitored = 1
		ORDER BY name
	`, agent)
	return procs, wrapErr("list monitored processes", agent, err)
}

// ListProcesses returns every process recorded for the agent.
func (s *SQLiteStore) ListProcesses(ctx context.Context, agent string) ([]Process, error) {
	procs, err := s.queryProcesses(ctx, `
		SELECT agent_name, name, monitored, running, updated_at
		FROM processes
		WHERE agent_name = ?
		ORDER BY name
	`, agent)
	return procs, wrapErr("list processes", agent, err)
}

// UpsertProcess inserts a process or updates its monitored and running flags.
func (s *SQLiteStore) UpsertProcess(ctx context.Context, agent, proc string, monitored, running bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (agent_name, name, monitored, running, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_name, name) DO UPDATE SET
			monitored = excluded.monitored,
			running = excluded.running,
			updated_at = excluded.updated_at
	`, agent, proc, monitored, running, formatTime(time.Now()))
	return wrapErr("upsert process", agent, err)
}

// MarkUnmonitored clears the monitored flag of a recorded process.
func (s *SQLiteStore) MarkUnmonitored(ctx context.Context, agent, proc string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET monitored = 0, updated_at = ? WHERE agent_name = ? AND name = ?`,
		formatTime(time.Now()), agent, proc,
	)
	if err != nil {
		return wrapErr("mark unmonitored", agent, err)
	}
	return wrapErr("mark unmonitored", agent, requireRow(res))
}

// ListAgents returns every recorded agent ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, ip, status, first_seen, last_seen, updated_at
		FROM agents
		ORDER BY name
	`)
	if err != nil {
		return nil, wrapErr("list agents", "", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var status, firstSeen, lastSeen, updatedAt string
		if err := rows.Scan(&a.Name, &a.IP, &status, &firstSeen, &lastSeen, &updatedAt); err != nil {
			return nil, wrapErr("list agents", "", err)
		}
		a.Status = AgentStatus(status)
		a.FirstSeen = parseTime(firstSeen)
		a.LastSeen = parseTime(lastSeen)
		a.UpdatedAt = parseTime(updatedAt)
		agents = append(agents, a)
	}
	return agents, wrapErr("list agents", "", rows.Err())
}

func (s *SQLiteStore) queryProcesses(ctx context.Context, query string, args ...any) ([]Process, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []Process
	for rows.Next() {
		var p Process
		var updatedAt string
		if err := rows.Scan(&p.Agent, &p.Name, &p.Monitored, &p.Running, &updatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = parseTime(updatedAt)
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// requireRow turns an update that matched nothing into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Store = (*SQLiteStore)(nil)

func storeLogger(logger *slog.Logger, driver string) *slog.Logger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return logger.With("component", "store", "driver", driver)
}
