// Package httpapi exposes the operator surface of swarmd over HTTP. Callers
// identify themselves with the X-Swarmd-User and X-Swarmd-Role headers; the
// admission host enforces what each role may do.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/admission"
	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/orchestrator"
	"github.com/blockforge/swarmd/internal/planner"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/schedule"
)

// Server holds the collaborators the HTTP surface exposes. Scheduler and
// Experience may be nil.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Host         *admission.Host
	Planner      *planner.Planner
	Experience   *experience.Buffer
	Scheduler    *schedule.Scheduler
	Logger       *zap.Logger
}

// Mux builds the route table.
func (s *Server) Mux() *http.ServeMux {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"agents": len(s.Orchestrator.ActiveAgents()),
		})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/connect", s.handleConnect)
	mux.HandleFunc("POST /api/v1/agents/{id}/reconnect", s.handleReconnect)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.handleDisconnect)
	mux.HandleFunc("POST /api/v1/agents/{id}/goals", s.handleQueueGoal)
	mux.HandleFunc("POST /api/v1/agents/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/v1/agents/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/v1/agents/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/agents/{id}/experience", s.handleExperience)
	mux.HandleFunc("GET /api/v1/agents/{id}/plan/{goal}", s.handleEvaluate)

	mux.HandleFunc("POST /api/v1/tasks", s.handleExecuteTask)
	mux.HandleFunc("POST /api/v1/tasks/coordinate", s.handleCoordinate)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{token}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{token}/reject", s.handleReject)

	mux.HandleFunc("POST /api/v1/swarm/goals", s.handleSwarmGoal)
	mux.HandleFunc("GET /api/v1/swarm/goals", s.handleListSwarmGoals)
	mux.HandleFunc("POST /api/v1/swarm/emergency-stop", s.handleEmergencyStop)

	mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/v1/schedules", s.handleAddSchedule)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.handleRemoveSchedule)

	return mux
}

func caller(r *http.Request) policy.Caller {
	c := policy.Caller{
		UserID: r.Header.Get("X-Swarmd-User"),
		Role:   policy.Role(r.Header.Get("X-Swarmd-Role")),
	}
	if c.UserID == "" {
		c.UserID = "anonymous"
	}
	if c.Role == "" {
		c.Role = policy.RoleViewer
	}
	return c
}

// operator gates mutating endpoints: viewers (and unknown roles) are
// read-only across the whole surface. Admin-only endpoints check on top.
func operator(w http.ResponseWriter, r *http.Request) (policy.Caller, bool) {
	c := caller(r)
	if c.Role != policy.RoleAdmin && c.Role != policy.RoleAutopilot {
		writeError(w, http.StatusForbidden, "role %s is read-only", c.Role)
		return c, false
	}
	return c, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.Registry.List(),
		"active": s.Orchestrator.ActiveAgents(),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s not found", id)
		return
	}
	out := map[string]any{"agent": agent, "claims": s.Registry.ClaimsByAgent(id)}
	if loop, ok := s.Orchestrator.Loop(id); ok {
		out["loop_state"] = loop.State()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	var body struct {
		Credentials driver.Credentials `json:"credentials"`
		Goals       []protocol.Goal    `json:"goals,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	// The loop and observer outlive this request.
	ctx := context.WithoutCancel(r.Context())
	if err := s.Orchestrator.ConnectAgentWithAutonomy(ctx, id, body.Credentials, body.Goals); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": id, "status": "connected"})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	var body struct {
		Goals []protocol.Goal `json:"goals,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: %v", err)
			return
		}
	}
	if err := s.Orchestrator.ReconnectAgent(context.WithoutCancel(r.Context()), id, body.Goals); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": id, "status": "reconnected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator request"
	}
	if err := s.Orchestrator.DisconnectAgent(r.Context(), id, reason); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": "disconnected"})
}

func (s *Server) handleQueueGoal(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	loop, ok := s.Orchestrator.Loop(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s not connected", id)
		return
	}
	var goal protocol.Goal
	if err := json.NewDecoder(r.Body).Decode(&goal); err != nil {
		writeError(w, http.StatusBadRequest, "invalid goal: %v", err)
		return
	}
	if err := loop.QueueGoal(goal); err != nil {
		writeError(w, http.StatusTooManyRequests, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": id, "goal": goal.Name})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	loop, ok := s.Orchestrator.Loop(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s not connected", id)
		return
	}
	loop.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "state": loop.State()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	loop, ok := s.Orchestrator.Loop(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s not connected", id)
		return
	}
	loop.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "state": loop.State()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	loop, ok := s.Orchestrator.Loop(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s not connected", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "history": loop.History(100)})
}

func (s *Server) handleExperience(w http.ResponseWriter, r *http.Request) {
	if s.Experience == nil {
		writeError(w, http.StatusNotFound, "experience buffer not configured")
		return
	}
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, s.Experience.Summarize(id, 50))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	goal := r.PathValue("goal")
	plan, err := s.Planner.Generate(id, protocol.Goal{Name: goal})
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":       plan,
		"evaluation": s.Planner.EvaluatePlan(id, plan),
	})
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var action protocol.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid action: %v", err)
		return
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	decision := s.Host.ExecuteTask(r.Context(), &action, caller(r))
	status := http.StatusOK
	if decision.Ticket != nil {
		status = http.StatusAccepted
	} else if !decision.Result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, decision)
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	if c := caller(r); c.Role != policy.RoleAdmin {
		writeError(w, http.StatusForbidden, "role %s may not coordinate tasks", c.Role)
		return
	}
	var body struct {
		AgentIDs []string            `json:"agent_ids"`
		Type     protocol.ActionType `json:"type"`
		Params   map[string]any      `json:"params,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	ok, results := s.Orchestrator.CoordinateTask(r.Context(), body.AgentIDs, body.Type, body.Params)
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "results": results})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"router":     s.Host.Stats(),
		"agents":     s.Registry.Count(),
		"active":     len(s.Orchestrator.ActiveAgents()),
		"goal_names": planner.GoalNames(),
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.Host.PendingApprovals()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	token := r.PathValue("token")
	decision, err := s.Host.ApproveDangerousTask(r.Context(), token, c.UserID, c.Role)
	if err != nil {
		writeError(w, http.StatusForbidden, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	token := r.PathValue("token")
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.Host.RejectDangerousTask(token, c.UserID, c.Role, body.Reason); err != nil {
		writeError(w, http.StatusForbidden, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "status": "rejected"})
}

func (s *Server) handleSwarmGoal(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	var body struct {
		Name    string         `json:"name"`
		Context map[string]any `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "goal name is required")
		return
	}
	queued := s.Orchestrator.QueueSwarmGoal(body.Name, body.Context)
	writeJSON(w, http.StatusAccepted, map[string]any{"goal": body.Name, "agents": queued})
}

func (s *Server) handleListSwarmGoals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"goals": s.Orchestrator.SwarmGoals()})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	if c.Role != policy.RoleAdmin {
		writeError(w, http.StatusForbidden, "role %s may not trigger an emergency stop", c.Role)
		return
	}
	s.Logger.Warn("emergency stop requested", zap.String("user", c.UserID))
	s.Orchestrator.EmergencyReset(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.Scheduler.Entries()})
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not configured")
		return
	}
	var body struct {
		ID      string         `json:"id"`
		Spec    string         `json:"spec"`
		Goal    string         `json:"goal"`
		Context map[string]any `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	entry, err := s.Scheduler.Add(body.ID, body.Spec, body.Goal, body.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if _, ok := operator(w, r); !ok {
		return
	}
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not configured")
		return
	}
	s.Scheduler.Remove(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
