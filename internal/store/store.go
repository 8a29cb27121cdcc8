// ABOUTME: Store interface and data types for fleet-manager persistence
// ABOUTME: Defines Agent and Process records plus the persistence error kind

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the persisted liveness of an agent
type AgentStatus string

const (
	StatusRunning    AgentStatus = "running"
	StatusNotRunning AgentStatus = "not_running"
)

// Agent is the persisted record of an agent that has connected at least once
type Agent struct {
	Name      string
	IP        string
	Status    AgentStatus
	FirstSeen time.Time
	LastSeen  time.Time
	UpdatedAt time.Time
}

// Process is a process an agent monitors. Processes that disappear from an
// agent's report are kept with Monitored=false rather than deleted.
type Process struct {
	Agent     string
	Name      string
	Monitored bool
	Running   bool
	UpdatedAt time.Time
}

// Store persists agent liveness and the per-agent monitored-process set.
type Store interface {
	// UpsertAgent creates the agent record or refreshes its address,
	// status and last_seen time.
	UpsertAgent(ctx context.Context, name, ip string, status AgentStatus) error

	// SetAgentStatus updates the status of an existing agent.
	// Returns ErrNotFound if the agent was never recorded.
	SetAgentStatus(ctx context.Context, name string, status AgentStatus) error

	// ListMonitoredProcesses returns the processes still marked monitored.
	ListMonitoredProcesses(ctx context.Context, agent string) ([]Process, error)

	// UpsertProcess inserts or updates one process of an agent.
	UpsertProcess(ctx context.Context, agent, proc string, monitored, running bool) error

	// MarkUnmonitored soft-deletes a process. Returns ErrNotFound if the
	// process was never recorded.
	MarkUnmonitored(ctx context.Context, agent, proc string) error

	// ListAgents returns every recorded agent ordered by name.
	ListAgents(ctx context.Context) ([]Agent, error)

	// ListProcesses returns monitored and unmonitored processes of an agent.
	ListProcesses(ctx context.Context, agent string) ([]Process, error)

	// Ping checks that the backing database answers.
	Ping(ctx context.Context) error

	Close() error
}

// PersistenceError wraps every failure returned by a Store implementation.
type PersistenceError struct {
	Op    string
	Agent string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (agent %q): %v", e.Op, e.Agent, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrapErr(op, agent string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Agent: agent, Err: err}
}
