// ABOUTME: PostgreSQL implementation of the Store interface using a pgx pool
// ABOUTME: Shares the SQLite schema shape with native boolean and timestamp columns

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects using the supplied connection string and
// creates the schema if needed. A nil logger discards store logs.
func NewPostgresStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	// Verify connection on startup.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	p := &PostgresStore{
		pool:   pool,
		logger: storeLogger(logger, "postgres"),
	}
	if err := p.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	p.logger.Info("PostgreSQL store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return p, nil
}

func (p *PostgresStore) createSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS agents (
    name       TEXT PRIMARY KEY,
    ip         TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL CHECK (status IN ('running', 'not_running')),
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen  TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS processes (
    agent_name TEXT NOT NULL,
    name       TEXT NOT NULL,
    monitored  BOOLEAN NOT NULL DEFAULT TRUE,
    running    BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (agent_name, name)
);

CREATE INDEX IF NOT EXISTS idx_processes_monitored ON processes (agent_name, monitored);
`
	_, err := p.pool.Exec(ctx, schema)
	return err
}

// Close releases database resources.
func (p *PostgresStore) Close() error {
	p.logger.Info("closing PostgreSQL store")
	p.pool.Close()
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return wrapErr("ping", "", p.pool.Ping(ctx))
}

func (p *PostgresStore) UpsertAgent(ctx context.Context, name, ip string, status AgentStatus) error {
	const upsert = `
INSERT INTO agents (name, ip, status, first_seen, last_seen, updated_at)
VALUES ($1, $2, $3, $4, $4, $4)
ON CONFLICT (name) DO UPDATE SET
    ip = CASE WHEN EXCLUDED.ip <> '' THEN EXCLUDED.ip ELSE agents.ip END,
    status = EXCLUDED.status,
    last_seen = EXCLUDED.last_seen,
    updated_at = EXCLUDED.updated_at;
`
	_, err := p.pool.Exec(ctx, upsert, name, ip, string(status), time.Now().UTC())
	return wrapErr("upsert agent", name, err)
}

func (p *PostgresStore) SetAgentStatus(ctx context.Context, name string, status AgentStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE agents SET status = $1, updated_at = $2 WHERE name = $3`,
		string(status), time.Now().UTC(), name,
	)
	return wrapErr("set agent status", name, requireAffected(tag, err))
}

func (p *PostgresStore) ListMonitoredProcesses(ctx context.Context, agent string) ([]Process, error) {
	procs, err := p.queryProcesses(ctx, `
SELECT agent_name, name, monitored, running, updated_at
  FROM processes
 WHERE agent_name = $1 AND monitored
 ORDER BY name;
`, agent)
	return procs, wrapErr("list monitored processes", agent, err)
}

func (p *PostgresStore) ListProcesses(ctx context.Context, agent string) ([]Process, error) {
	procs, err := p.queryProcesses(ctx, `
SELECT agent_name, name, monitored, running, updated_at
  FROM processes
 WHERE agent_name = $1
 ORDER BY name;
`, agent)
	return procs, wrapErr("list processes", agent, err)
}

func (p *PostgresStore) UpsertProcess(ctx context.Context, agent, proc string, monitored, running bool) error {
	const upsert = `
INSERT INTO processes (agent_name, name, monitored, running, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (agent_name, name) DO UPDATE SET
    monitored = EXCLUDED.monitored,
    running = EXCLUDED.running,
    updated_at = EXCLUDED.updated_at;
`
	_, err := p.pool.Exec(ctx, upsert, agent, proc, monitored, running, time.Now().UTC())
	return wrapErr("upsert process", agent, err)
}

func (p *PostgresStore) MarkUnmonitored(ctx context.Context, agent, proc string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE processes SET monitored = FALSE, updated_at = $1 WHERE agent_name = $2 AND name = $3`,
		time.Now().UTC(), agent, proc,
	)
	return wrapErr("mark unmonitored", agent, requireAffected(tag, err))
}

func (p *PostgresStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT name, ip, status, first_seen, last_seen, updated_at
  FROM agents
 ORDER BY name;
`)
	if err != nil {
		return nil, wrapErr("list agents", "", err)
	}
	agents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Agent, error) {
		var a Agent
		var status string
		err := row.Scan(&a.Name, &a.IP, &status, &a.FirstSeen, &a.LastSeen, &a.UpdatedAt)
		a.Status = AgentStatus(status)
		return a, err
	})
	return agents, wrapErr("list agents", "", err)
}

func (p *PostgresStore) queryProcesses(ctx context.Context, query string, agent string) ([]Process, error) {
	rows, err := p.pool.Query(ctx, query, agent)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Process, error) {
		var proc Process
		err := row.Scan(&proc.Agent, &proc.Name, &proc.Monitored, &proc.Running, &proc.UpdatedAt)
		return proc, err
	})
}

func requireAffected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
