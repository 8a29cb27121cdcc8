// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory agent and process records with per-agent failure injection

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errMockClosed = errors.New("store closed")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent              // keyed by agent name
	processes map[string]map[string]*Process // keyed by agent name, then process name
	failures  map[string]error               // keyed by agent name
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		processes: make(map[string]map[string]*Process),
		failures:  make(map[string]error),
	}
}

// FailAgent makes every operation touching agent return err. A nil err
// clears the failure.
func (m *MockStore) FailAgent(agent string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, agent)
		return
	}
	m.failures[agent] = err
}

func (m *MockStore) failure(op, agent string) error {
	if err, ok := m.failures[agent]; ok {
		return wrapErr(op, agent, err)
	}
	return nil
}

func (m *MockStore) UpsertAgent(ctx context.Context, name, ip string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("upsert agent", name); err != nil {
		return err
	}

	now := time.Now().UTC()
	a, ok := m.agents[name]
	if !ok {
		a = &Agent{Name: name, FirstSeen: now}
		m.agents[name] = a
	}
	if ip != "" {
		a.IP = ip
	}
	a.Status = status
	a.LastSeen = now
	a.UpdatedAt = now
	return nil
}

func (m *MockStore) SetAgentStatus(ctx context.Context, name string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("set agent status", name); err != nil {
		return err
	}

	a, ok := m.agents[name]
	if !ok {
		return wrapErr("set agent status", name, ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) ListMonitoredProcesses(ctx context.Context, agent string) ([]Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("list monitored processes", agent); err != nil {
		return nil, err
	}
	return m.collect(agent, true), nil
}

func (m *MockStore) ListProcesses(ctx context.Context, agent string) ([]Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("list processes", agent); err != nil {
		return nil, err
	}
	return m.collect(agent, false), nil
}

// collect returns copies sorted by name. Caller holds mu.
func (m *MockStore) collect(agent string, monitoredOnly bool) []Process {
	var out []Process
	for _, p := range m.processes[agent] {
		if monitoredOnly && !p.Monitored {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MockStore) UpsertProcess(ctx context.Context, agent, proc string, monitored, running bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("upsert process", agent); err != nil {
		return err
	}

	procs, ok := m.processes[agent]
	if !ok {
		procs = make(map[string]*Process)
		m.processes[agent] = procs
	}
	procs[proc] = &Process{
		Agent:     agent,
		Name:      proc,
		Monitored: monitored,
		Running:   running,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MockStore) MarkUnmonitored(ctx context.Context, agent, proc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("mark unmonitored", agent); err != nil {
		return err
	}

	p, ok := m.processes[agent][proc]
	if !ok {
		return wrapErr("mark unmonitored", agent, ErrNotFound)
	}
	p.Monitored = false
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) ListAgents(ctx context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Agent returns a copy of one agent record.
func (m *MockStore) Agent(name string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[name]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return wrapErr("ping", "", errMockClosed)
	}
	return nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
