// ABOUTME: Health and reconciliation loop over the registered agents.
// ABOUTME: Evicts unresponsive agents and aligns stored processes with agent reports.

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-manager/internal/agent"
	"github.com/2389/fleet-manager/internal/metrics"
	"github.com/2389/fleet-manager/internal/protocol"
	"github.com/2389/fleet-manager/internal/store"
)

// DefaultInterval is the pause between cycles when none is configured.
const DefaultInterval = 10 * time.Second

// Config controls the loop timing.
type Config struct {
	Interval time.Duration
}

// CycleResult summarizes one health cycle.
type CycleResult struct {
	ID                   string
	Started              time.Time
	Duration             time.Duration
	Alive                []string
	Evicted              []string
	ProcessesUpserted    int
	ProcessesUnmonitored int
	PersistenceErrors    int
}

// ReportResult summarizes how one process report was applied to the store.
type ReportResult struct {
	Upserted    int
	Unmonitored int
	Errors      int
}

// Reconciler keeps the registry and the store consistent with the agents.
type Reconciler struct {
	mgr      *agent.Manager
	store    store.Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	last *CycleResult
}

// New creates a Reconciler. m may be nil.
func New(mgr *agent.Manager, st store.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		mgr:      mgr,
		store:    st,
		interval: interval,
		logger:   logger.With("component", "health"),
		metrics:  m,
	}
}

// Run executes a cycle every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("health loop started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health loop stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunCycle(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("health cycle failed", "error", err)
			}
		}
	}
}

// LastCycle returns the most recent completed cycle, or nil.
func (r *Reconciler) LastCycle() *CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunCycle performs one health and reconciliation pass. It returns an error
// only if ctx ended before or during the cycle; agent and persistence
// failures are recorded in the result.
func (r *Reconciler) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{ID: uuid.NewString(), Started: time.Now()}
	logger := r.logger.With("cycle_id", res.ID)

	err := r.mgr.Exclusive(ctx, func(s *agent.Session) {
		r.checkLiveness(ctx, logger, s, res)
		r.reconcileProcesses(ctx, logger, s, res)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("health cycle %s: %w", res.ID, err)
	}

	res.Duration = time.Since(res.Started)
	r.metrics.ObserveCycle(res.Duration, len(res.Evicted), res.ProcessesUpserted, res.ProcessesUnmonitored)
	logger.Info("health cycle complete",
		"alive", len(res.Alive),
		"evicted", len(res.Evicted),
		"processes_upserted", res.ProcessesUpserted,
		"processes_unmonitored", res.ProcessesUnmonitored,
		"persistence_errors", res.PersistenceErrors,
		"duration", res.Duration.String(),
	)

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
	return res, nil
}

func (r *Reconciler) checkLiveness(ctx context.Context, logger *slog.Logger, s *agent.Session, res *CycleResult) {
	for _, name := range s.Agents() {
		if ctx.Err() != nil {
			return
		}
		conn, ok := s.Lookup(name)
		if !ok {
			continue
		}

		ip := conn.RemoteIP()
		if err := s.PingConn(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return
			}
			// A protocol failure leaves the connection registered; a
			// failed ping evicts either way.
			if !s.RemoveConn(conn, "health check failed") {
				logger.Info("agent reconnected during health check", "agent", name, "error", err)
				continue
			}
			logger.Warn("agent failed health check", "agent", name, "error", err)
			res.Evicted = append(res.Evicted, name)
			r.persist(logger, res, "set agent status", name, r.markNotRunning(ctx, name, ip))
			continue
		}

		res.Alive = append(res.Alive, name)
		r.persist(logger, res, "upsert agent", name,
			r.store.UpsertAgent(ctx, name, ip, store.StatusRunning))
	}
}

func (r *Reconciler) reconcileProcesses(ctx context.Context, logger *slog.Logger, s *agent.Session, res *CycleResult) {
	for _, name := range res.Alive {
		if ctx.Err() != nil {
			return
		}
		conn, ok := s.Lookup(name)
		if !ok {
			continue
		}

		ip := conn.RemoteIP()
		resp, err := s.RequestConn(ctx, conn, protocol.ProcGet())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("process report failed", "agent", name, "error", err)
			if protocol.IsTransport(err) && s.RemoveConn(conn, "transport error") {
				res.Evicted = append(res.Evicted, name)
				r.persist(logger, res, "set agent status", name, r.markNotRunning(ctx, name, ip))
			}
			continue
		}
		report, err := resp.Processes()
		if err != nil {
			logger.Warn("invalid process report", "agent", name, "error", protocol.WithAgent(err, name))
			continue
		}

		rr, _ := r.applyReport(ctx, logger, name, report)
		res.ProcessesUpserted += rr.Upserted
		res.ProcessesUnmonitored += rr.Unmonitored
		res.PersistenceErrors += rr.Errors
	}
	res.Alive = r.stillAlive(s, res.Alive)
}

func (r *Reconciler) stillAlive(s *agent.Session, names []string) []string {
	alive := names[:0]
	for _, name := range names {
		if s.IsConnected(name) {
			alive = append(alive, name)
		}
	}
	return alive
}

// ApplyReport aligns the stored processes of agentName with report:
// stored monitored processes missing from the report are marked
// unmonitored, reported ones are upserted as monitored with their running
// state. A failure is logged and counted and the remaining processes are
// still applied; the returned error joins every failure.
func (r *Reconciler) ApplyReport(ctx context.Context, agentName string, report map[string]bool) (ReportResult, error) {
	rr, errs := r.applyReport(ctx, r.logger, agentName, report)
	return rr, errors.Join(errs...)
}

func (r *Reconciler) applyReport(ctx context.Context, logger *slog.Logger, agentName string, report map[string]bool) (ReportResult, []error) {
	var (
		rr   ReportResult
		errs []error
	)
	fail := func(op string, err error) {
		rr.Errors++
		errs = append(errs, err)
		r.metrics.ObservePersistenceError(op)
		logger.Error("persistence failed", "op", op, "agent", agentName, "error", err)
	}

	stored, err := r.store.ListMonitoredProcesses(ctx, agentName)
	if err != nil {
		fail("list monitored processes", err)
	}

	for _, p := range stored {
		if _, ok := report[p.Name]; ok {
			continue
		}
		if err := r.store.MarkUnmonitored(ctx, agentName, p.Name); err != nil {
			fail("mark unmonitored", err)
			continue
		}
		rr.Unmonitored++
		logger.Info("process no longer monitored", "agent", agentName, "process", p.Name)
	}

	for proc, running := range report {
		if err := r.store.UpsertProcess(ctx, agentName, proc, true, running); err != nil {
			fail("upsert process", err)
			continue
		}
		rr.Upserted++
	}
	return rr, errs
}

// AgentRegistered records a freshly handshaken agent as running. It is
// the listener's registration hook.
func (r *Reconciler) AgentRegistered(ctx context.Context, conn *agent.Connection) {
	err := r.store.UpsertAgent(ctx, conn.Name, conn.RemoteIP(), store.StatusRunning)
	if err != nil {
		r.metrics.ObservePersistenceError("upsert agent")
		r.logger.Error("persistence failed", "op", "upsert agent", "agent", conn.Name, "error", err)
	}
}

// markNotRunning records an evicted agent. An agent whose registration was
// never persisted is created with the not-running status.
func (r *Reconciler) markNotRunning(ctx context.Context, name, ip string) error {
	err := r.store.SetAgentStatus(ctx, name, store.StatusNotRunning)
	if errors.Is(err, store.ErrNotFound) {
		return r.store.UpsertAgent(ctx, name, ip, store.StatusNotRunning)
	}
	return err
}

func (r *Reconciler) persist(logger *slog.Logger, res *CycleResult, op, agentName string, err error) {
	if err == nil {
		return
	}
	res.PersistenceErrors++
	r.metrics.ObservePersistenceError(op)
	logger.Error("persistence failed", "op", op, "agent", agentName, "error", err)
}
