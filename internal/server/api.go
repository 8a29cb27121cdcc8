// ABOUTME: HTTP status API for the fleet manager
// ABOUTME: Exposes health, readiness, agent and process listings, discovery and cycle triggers

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/fleet-manager/internal/health"
)

// AgentResponse is one entry of GET /api/agents.
type AgentResponse struct {
	Name       string     `json:"name"`
	Connected  bool       `json:"connected"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	IP         string     `json:"ip,omitempty"`
	Status     string     `json:"status,omitempty"`
	FirstSeen  *time.Time `json:"first_seen,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// ListAgentsResponse is the body of GET /api/agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// ProcessResponse is one process of GET /api/agents/{name}/processes.
type ProcessResponse struct {
	Name      string    `json:"name"`
	Monitored bool      `json:"monitored"`
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListProcessesResponse is the body of GET /api/agents/{name}/processes.
type ListProcessesResponse struct {
	Agent     string            `json:"agent"`
	Processes []ProcessResponse `json:"processes"`
}

// CycleResponse is the body of POST /api/cycle.
type CycleResponse struct {
	ID                   string    `json:"id"`
	Started              time.Time `json:"started"`
	DurationMS           int64     `json:"duration_ms"`
	Alive                []string  `json:"alive"`
	Evicted              []string  `json:"evicted"`
	ProcessesUpserted    int       `json:"processes_upserted"`
	ProcessesUnmonitored int       `json:"processes_unmonitored"`
	PersistenceErrors    int       `json:"persistence_errors"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes builds the HTTP router.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/agents", s.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/agents/{name}/processes", s.handleListProcesses).Methods(http.MethodGet)
	r.HandleFunc("/api/discover", s.handleDiscover).Methods(http.MethodPost)
	r.HandleFunc("/api/cycle", s.handleCycle).Methods(http.MethodPost)
	if s.metrics != nil {
		r.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports ready once the agent port is bound and the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.isReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("listeners not bound"))
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", s.manager.Count())
}

// handleListAgents merges the live registry with the persisted agent records.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("failed to list agents", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	byName := make(map[string]*AgentResponse, len(records))
	for _, rec := range records {
		firstSeen, lastSeen := rec.FirstSeen, rec.LastSeen
		byName[rec.Name] = &AgentResponse{
			Name:      rec.Name,
			IP:        rec.IP,
			Status:    string(rec.Status),
			FirstSeen: &firstSeen,
			LastSeen:  &lastSeen,
		}
	}
	for _, name := range s.manager.List() {
		entry, ok := byName[name]
		if !ok {
			entry = &AgentResponse{Name: name}
			byName[name] = entry
		}
		entry.Connected = true
		if addr, err := s.manager.RemoteAddress(name); err == nil {
			entry.RemoteAddr = addr
		}
	}

	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(byName))}
	for _, entry := range byName {
		resp.Agents = append(resp.Agents, *entry)
	}
	sort.Slice(resp.Agents, func(i, j int) bool { return resp.Agents[i].Name < resp.Agents[j].Name })

	sendJSON(w, http.StatusOK, resp)
}

// handleListProcesses returns the persisted process set of one agent.
func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.manager.IsConnected(name) && !s.knownAgent(r.Context(), name) {
		sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	procs, err := s.store.ListProcesses(r.Context(), name)
	if err != nil {
		s.logger.Error("failed to list processes", "agent", name, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}

	resp := ListProcessesResponse{Agent: name, Processes: make([]ProcessResponse, 0, len(procs))}
	for _, p := range procs {
		resp.Processes = append(resp.Processes, ProcessResponse{
			Name:      p.Name,
			Monitored: p.Monitored,
			Running:   p.Running,
			UpdatedAt: p.UpdatedAt,
		})
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) knownAgent(ctx context.Context, name string) bool {
	records, err := s.store.ListAgents(ctx)
	if err != nil {
		return false
	}
	for _, rec := range records {
		if rec.Name == name {
			return true
		}
	}
	return false
}

// handleDiscover sends one announcement in the background.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	port := s.ServerPort()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Discovery.Timeout+time.Second)
		defer cancel()
		s.broadcaster.Announce(ctx, port)
	}()
	sendJSON(w, http.StatusAccepted, map[string]any{
		"target":      s.broadcaster.Target(),
		"server_port": port,
	})
}

// cycleTimeout bounds a cycle started over HTTP: a ping and a process
// report per agent, plus one exchange of slack for the traffic lock.
func (s *Server) cycleTimeout() time.Duration {
	return s.config.Agents.IOTimeout * time.Duration(2*s.manager.Count()+2)
}

// handleCycle runs one health cycle and returns its summary. The cycle is
// detached from the request: a client that goes away must not interrupt
// exchanges, which would drop healthy agents without recording it.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cycleTimeout())
	defer cancel()

	res, err := s.reconciler.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			sendJSONError(w, http.StatusServiceUnavailable, "health cycle interrupted")
			return
		}
		s.logger.Error("health cycle failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "health cycle failed")
		return
	}
	sendJSON(w, http.StatusOK, cycleResponse(res))
}

func cycleResponse(res *health.CycleResult) CycleResponse {
	alive, evicted := res.Alive, res.Evicted
	if alive == nil {
		alive = []string{}
	}
	if evicted == nil {
		evicted = []string{}
	}
	return CycleResponse{
		ID:                   res.ID,
		Started:              res.Started,
		DurationMS:           res.Duration.Milliseconds(),
		Alive:                alive,
		Evicted:              evicted,
		ProcessesUpserted:    res.ProcessesUpserted,
		ProcessesUnmonitored: res.ProcessesUnmonitored,
		PersistenceErrors:    res.PersistenceErrors,
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, errorResponse{Error: message})
}
