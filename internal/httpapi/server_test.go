package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/admission"
	"github.com/blockforge/swarmd/internal/approval"
	"github.com/blockforge/swarmd/internal/autonomy"
	"github.com/blockforge/swarmd/internal/coordinator"
	"github.com/blockforge/swarmd/internal/driver/simdriver"
	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/orchestrator"
	"github.com/blockforge/swarmd/internal/planner"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/router"
	"github.com/blockforge/swarmd/internal/schedule"
)

type fixture struct {
	sim *simdriver.Sim
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := simdriver.New(zap.NewNop())
	sim.SetSpawn(protocol.Position{X: 0, Y: 64, Z: 0})
	reg := registry.New(zap.NewNop())
	obs := observer.New(sim, observer.Config{UpdateInterval: 20 * time.Millisecond}, zap.NewNop())
	eng := policy.NewEngine(policy.DefaultConfig(), zap.NewNop())
	rt := router.New(sim, reg, eng, eng, nil, router.DefaultConfig(), zap.NewNop())
	queue := approval.NewQueue(time.Minute, 0, zap.NewNop())
	host := admission.New(eng, rt, queue, zap.NewNop())
	pl := planner.New(obs, reg, planner.DefaultConfig(), zap.NewNop())
	exp := experience.New(100, nil)

	orch := orchestrator.New(orchestrator.Deps{
		Driver:      sim,
		Observer:    obs,
		Planner:     pl,
		Registry:    reg,
		Coordinator: coordinator.New(reg, zap.NewNop()),
		Host:        host,
		Experience:  exp,
		LoopConfig: autonomy.Config{
			LoopInterval:   10 * time.Millisecond,
			StaleThreshold: time.Hour,
		},
		Logger: zap.NewNop(),
	})

	api := &Server{
		Orchestrator: orch,
		Registry:     reg,
		Host:         host,
		Planner:      pl,
		Experience:   exp,
		Scheduler:    schedule.New(orch, time.Minute, zap.NewNop()),
		Logger:       zap.NewNop(),
	}
	srv := httptest.NewServer(api.Mux())
	t.Cleanup(srv.Close)
	t.Cleanup(obs.Close)
	return &fixture{sim: sim, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, role string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if role != "" {
		// Autopilot callers may only address agents prefixed by their user id.
		user := "tester"
		if role == "autopilot" {
			user = "bot"
		}
		req.Header.Set("X-Swarmd-User", user)
		req.Header.Set("X-Swarmd-Role", role)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) connect(t *testing.T, agentID string) {
	t.Helper()
	resp, body := f.do(t, "POST", "/api/v1/agents/"+agentID+"/connect", "admin", map[string]any{
		"credentials": map[string]any{"host": "sim"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect %s: %d %v", agentID, resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestConnectListAndDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	resp, body := f.do(t, "GET", "/api/v1/agents", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if active, ok := body["active"].([]any); !ok || len(active) != 1 {
		t.Errorf("active = %v", body["active"])
	}

	resp, body = f.do(t, "GET", "/api/v1/agents/bot-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}
	if _, ok := body["loop_state"]; !ok {
		t.Error("loop_state missing for connected agent")
	}

	// Second connect conflicts.
	resp, _ = f.do(t, "POST", "/api/v1/agents/bot-1/connect", "admin", map[string]any{
		"credentials": map[string]any{"host": "sim"},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate connect: %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "DELETE", "/api/v1/agents/bot-1", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/api/v1/agents/bot-1", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after disconnect: %d", resp.StatusCode)
	}
}

func TestExecuteTask(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	resp, body := f.do(t, "POST", "/api/v1/tasks", "admin", map[string]any{
		"type":     "chat",
		"agent_id": "bot-1",
		"params":   map[string]any{"message": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("task: %d %v", resp.StatusCode, body)
	}
	result, _ := body["result"].(map[string]any)
	if result["success"] != true {
		t.Errorf("result = %v", result)
	}
}

func TestViewerCannotExecute(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	resp, _ := f.do(t, "POST", "/api/v1/tasks", "viewer", map[string]any{
		"type":     "chat",
		"agent_id": "bot-1",
		"params":   map[string]any{"message": "hi"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("viewer task: %d", resp.StatusCode)
	}
}

func TestViewerIsReadOnlyAcrossSurface(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	mutations := []struct{ method, path string }{
		{"POST", "/api/v1/agents/bot-2/connect"},
		{"POST", "/api/v1/agents/bot-1/reconnect"},
		{"DELETE", "/api/v1/agents/bot-1"},
		{"POST", "/api/v1/agents/bot-1/goals"},
		{"POST", "/api/v1/agents/bot-1/pause"},
		{"POST", "/api/v1/agents/bot-1/resume"},
		{"POST", "/api/v1/swarm/goals"},
		{"POST", "/api/v1/schedules"},
		{"DELETE", "/api/v1/schedules/any"},
	}
	for _, m := range mutations {
		resp, _ := f.do(t, m.method, m.path, "viewer", map[string]any{"name": "idle"})
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s %s as viewer: %d, want 403", m.method, m.path, resp.StatusCode)
		}
	}

	// The agent is untouched by the rejected calls.
	resp, _ := f.do(t, "GET", "/api/v1/agents/bot-1", "viewer", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("viewer read: %d, want 200", resp.StatusCode)
	}
}

func TestDangerousTaskApprovalFlow(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	resp, body := f.do(t, "POST", "/api/v1/tasks", "autopilot", map[string]any{
		"type":     "place_block",
		"agent_id": "bot-1",
		"params":   map[string]any{"x": 1.0, "y": 64.0, "z": 0.0, "blockType": "tnt"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("dangerous task should park: %d %v", resp.StatusCode, body)
	}
	ticket, _ := body["ticket"].(map[string]any)
	token, _ := ticket["token"].(string)
	if token == "" {
		t.Fatalf("no ticket token in %v", body)
	}

	resp, _ = f.do(t, "GET", "/api/v1/approvals", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approvals: %d", resp.StatusCode)
	}

	// Non-admin may not approve.
	resp, _ = f.do(t, "POST", "/api/v1/approvals/"+token+"/approve", "autopilot", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("autopilot approve: %d", resp.StatusCode)
	}

	resp, body = f.do(t, "POST", "/api/v1/approvals/"+token+"/approve", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin approve: %d %v", resp.StatusCode, body)
	}
	result, _ := body["result"].(map[string]any)
	if result["success"] != true {
		t.Errorf("approved execution failed: %v", body)
	}
}

func TestRejectApproval(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	_, body := f.do(t, "POST", "/api/v1/tasks", "autopilot", map[string]any{
		"type":     "place_block",
		"agent_id": "bot-1",
		"params":   map[string]any{"x": 1.0, "y": 64.0, "z": 0.0, "blockType": "tnt"},
	})
	ticket, _ := body["ticket"].(map[string]any)
	token, _ := ticket["token"].(string)

	resp, _ := f.do(t, "POST", "/api/v1/approvals/"+token+"/reject", "admin",
		map[string]any{"reason": "not near the base"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d", resp.StatusCode)
	}

	// A decided ticket cannot be approved afterwards.
	resp, _ = f.do(t, "POST", "/api/v1/approvals/"+token+"/approve", "admin", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("approve after reject: %d", resp.StatusCode)
	}
}

func TestGoalAndHistory(t *testing.T) {
	f := newFixture(t)
	f.sim.SetBlock(protocol.Position{X: 10, Y: 64, Z: 0}, "coal_ore", true)
	f.connect(t, "bot-1")

	resp, _ := f.do(t, "POST", "/api/v1/agents/bot-1/goals", "admin",
		map[string]any{"name": "mine_coal"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("queue goal: %d", resp.StatusCode)
	}

	deadline := time.After(3 * time.Second)
	for {
		resp, body := f.do(t, "GET", "/api/v1/agents/bot-1/history", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("history: %d", resp.StatusCode)
		}
		if hist, _ := body["history"].([]any); len(hist) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for goal to run")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	resp, body := f.do(t, "POST", "/api/v1/agents/bot-1/pause", "admin", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "paused" {
		t.Fatalf("pause: %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, "POST", "/api/v1/agents/bot-1/resume", "admin", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "idle" {
		t.Fatalf("resume: %d %v", resp.StatusCode, body)
	}
}

func TestSwarmGoalsAndEmergencyStop(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")
	f.connect(t, "bot-2")

	resp, body := f.do(t, "POST", "/api/v1/swarm/goals", "admin",
		map[string]any{"name": "explore_area"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("swarm goal: %d %v", resp.StatusCode, body)
	}
	if agents, _ := body["agents"].(float64); agents != 2 {
		t.Errorf("swarm goal reached %v agents, want 2", body["agents"])
	}

	resp, _ = f.do(t, "GET", "/api/v1/swarm/goals", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list swarm goals: %d", resp.StatusCode)
	}

	resp, _ = f.do(t, "POST", "/api/v1/swarm/emergency-stop", "viewer", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer emergency stop: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/api/v1/swarm/emergency-stop", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("emergency stop: %d", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/api/v1/agents", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal("list after stop failed")
	}
	if active, _ := body["active"].([]any); len(active) != 0 {
		t.Errorf("agents still active after stop: %v", active)
	}
}

func TestCoordinateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")

	resp, _ := f.do(t, "POST", "/api/v1/tasks/coordinate", "autopilot", map[string]any{
		"agent_ids": []string{"bot-1"},
		"type":      "chat",
		"params":    map[string]any{"message": "all together"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("autopilot coordinate: %d", resp.StatusCode)
	}

	resp, body := f.do(t, "POST", "/api/v1/tasks/coordinate", "admin", map[string]any{
		"agent_ids": []string{"bot-1"},
		"type":      "chat",
		"params":    map[string]any{"message": "all together"},
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Errorf("admin coordinate: %d %v", resp.StatusCode, body)
	}
}

func TestSchedulesCRUD(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/api/v1/schedules", "admin", map[string]any{
		"id": "patrol", "spec": "15m", "goal": "explore_area",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add schedule: %d %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, "POST", "/api/v1/schedules", "admin", map[string]any{
		"id": "bad", "spec": "whenever", "goal": "idle",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad spec: %d", resp.StatusCode)
	}

	resp, body = f.do(t, "GET", "/api/v1/schedules", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list schedules: %d", resp.StatusCode)
	}
	if entries, _ := body["schedules"].([]any); len(entries) != 1 {
		t.Errorf("schedules = %v", body["schedules"])
	}

	resp, _ = f.do(t, "DELETE", "/api/v1/schedules/patrol", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove schedule: %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "bot-1")
	f.do(t, "POST", "/api/v1/tasks", "admin", map[string]any{
		"type": "chat", "agent_id": "bot-1", "params": map[string]any{"message": "hi"},
	})

	resp, body := f.do(t, "GET", "/api/v1/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d", resp.StatusCode)
	}
	if _, ok := body["router"]; !ok {
		t.Errorf("stats missing router section: %v", body)
	}
	if names, _ := body["goal_names"].([]any); len(names) == 0 {
		t.Error("goal_names empty")
	}
}
