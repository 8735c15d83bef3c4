package policy

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/protocol"
)

func newTestEngine(cfg Config) *Engine {
	return NewEngine(cfg, zap.NewNop())
}

func chatAction(agentID string) *protocol.Action {
	return &protocol.Action{
		ID:      "a1",
		Type:    protocol.ActionChat,
		AgentID: agentID,
		Params:  map[string]any{"message": "hello"},
	}
}

func placeAction(agentID, blockType string) *protocol.Action {
	return &protocol.Action{
		ID:      "a2",
		Type:    protocol.ActionPlaceBlock,
		AgentID: agentID,
		Params: map[string]any{
			"target":    map[string]any{"x": 0.0, "y": 64.0, "z": 0.0},
			"blockType": blockType,
		},
	}
}

func TestViewerIsReadOnly(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	report := e.ValidateTaskPolicy(chatAction("bot-1"), Caller{UserID: "u1", Role: RoleViewer})
	if report.Valid {
		t.Fatal("viewer should not submit actions")
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	report := e.ValidateTaskPolicy(chatAction("bot-1"), Caller{UserID: "u1", Role: "superuser"})
	if report.Valid {
		t.Fatal("unknown role should be rejected")
	}
}

func TestAllowlistGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Allowlist = map[Role][]string{
		RoleAdmin:     {"*"},
		RoleAutopilot: {"chat", "move_to"},
	}
	e := newTestEngine(cfg)

	report := e.ValidateTaskPolicy(chatAction("u1-bot"), Caller{UserID: "u1", Role: RoleAutopilot})
	if !report.Valid {
		t.Fatalf("chat should be allowed: %v", report.Errors)
	}

	mine := &protocol.Action{
		Type: protocol.ActionMineBlock, AgentID: "u1-bot",
		Params: map[string]any{"target": map[string]any{"x": 0.0, "y": 64.0, "z": 0.0}},
	}
	report = e.ValidateTaskPolicy(mine, Caller{UserID: "u1", Role: RoleAutopilot})
	if report.Valid {
		t.Fatal("mine_block not in allow-list, should be rejected")
	}
}

func TestBotAccessScoping(t *testing.T) {
	e := newTestEngine(DefaultConfig())

	// Autopilot only reaches agents prefixed with its user id.
	report := e.ValidateTaskPolicy(chatAction("u1-bot"), Caller{UserID: "u1", Role: RoleAutopilot})
	if !report.Valid {
		t.Fatalf("own agent should be allowed: %v", report.Errors)
	}
	report = e.ValidateTaskPolicy(chatAction("u2-bot"), Caller{UserID: "u1", Role: RoleAutopilot})
	if report.Valid {
		t.Fatal("foreign agent should be rejected for autopilot")
	}

	// Admin reaches everything.
	report = e.ValidateTaskPolicy(chatAction("u2-bot"), Caller{UserID: "root", Role: RoleAdmin})
	if !report.Valid {
		t.Fatalf("admin should reach any agent: %v", report.Errors)
	}
}

func TestValidateSubmissionGates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 2
	e := newTestEngine(cfg)

	report := e.ValidateSubmission(placeAction("u1-bot", "tnt"), Caller{UserID: "u1", Role: RoleViewer})
	if report.Valid {
		t.Fatal("viewer submission should be rejected")
	}
	report = e.ValidateSubmission(placeAction("u1-bot", "tnt"), Caller{UserID: "u2", Role: RoleAutopilot})
	if report.Valid {
		t.Fatal("foreign-agent submission should be rejected")
	}

	// The danger gate does not apply at submission time, but the rate
	// window does.
	owner := Caller{UserID: "u1", Role: RoleAutopilot}
	for i := 0; i < 2; i++ {
		if report = e.ValidateSubmission(placeAction("u1-bot", "tnt"), owner); !report.Valid {
			t.Fatalf("submission %d should pass: %v", i, report.Errors)
		}
	}
	if report = e.ValidateSubmission(placeAction("u1-bot", "tnt"), owner); report.Valid {
		t.Fatal("3rd submission should be rate limited")
	}
}

func TestRateLimitWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 3
	e := newTestEngine(cfg)

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	now := base
	e.rates.now = func() time.Time { return now }

	caller := Caller{UserID: "u1", Role: RoleAdmin}
	for i := 0; i < 3; i++ {
		report := e.ValidateTaskPolicy(chatAction("bot-1"), caller)
		if !report.Valid {
			t.Fatalf("request %d should pass: %v", i, report.Errors)
		}
		if want := 3 - i - 1; report.RateLimit.Remaining != want {
			t.Errorf("request %d: remaining=%d, want %d", i, report.RateLimit.Remaining, want)
		}
	}

	report := e.ValidateTaskPolicy(chatAction("bot-1"), caller)
	if report.Valid {
		t.Fatal("4th request should be rate limited")
	}
	if report.RateLimit.Remaining != 0 {
		t.Errorf("remaining=%d, want 0", report.RateLimit.Remaining)
	}
	if want := base.Add(60 * time.Second); !report.RateLimit.ResetAt.Equal(want) {
		t.Errorf("resetAt=%v, want %v", report.RateLimit.ResetAt, want)
	}

	// First request of the next window always passes.
	now = base.Add(61 * time.Second)
	report = e.ValidateTaskPolicy(chatAction("bot-1"), caller)
	if !report.Valid {
		t.Fatalf("new window should pass: %v", report.Errors)
	}
	if report.RateLimit.Remaining != 2 {
		t.Errorf("remaining=%d, want 2", report.RateLimit.Remaining)
	}
}

func TestRateLimitPerUserRoleKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 1
	e := newTestEngine(cfg)

	if r := e.ValidateTaskPolicy(chatAction("b"), Caller{UserID: "u1", Role: RoleAdmin}); !r.Valid {
		t.Fatalf("u1 first request: %v", r.Errors)
	}
	if r := e.ValidateTaskPolicy(chatAction("b"), Caller{UserID: "u2", Role: RoleAdmin}); !r.Valid {
		t.Fatalf("u2 should have its own bucket: %v", r.Errors)
	}
	if r := e.ValidateTaskPolicy(chatAction("b"), Caller{UserID: "u1", Role: RoleAdmin}); r.Valid {
		t.Fatal("u1 second request should be limited")
	}
}

func TestConcurrencyGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTasksPerAgent = 2
	e := newTestEngine(cfg)

	if !e.AcquireAgentSlot("bot-1") || !e.AcquireAgentSlot("bot-1") {
		t.Fatal("two slots should be available")
	}
	if e.AcquireAgentSlot("bot-1") {
		t.Fatal("third slot should be denied")
	}

	report := e.ValidateTaskPolicy(chatAction("bot-1"), Caller{UserID: "u", Role: RoleAdmin})
	if report.Valid {
		t.Fatal("saturated agent should fail validation")
	}
	if report.Concurrency == nil || report.Concurrency.Active != 2 {
		t.Errorf("unexpected concurrency status %+v", report.Concurrency)
	}

	e.ReleaseAgentSlot("bot-1")
	if !e.AcquireAgentSlot("bot-1") {
		t.Fatal("slot should be free after release")
	}
}

func TestCounterBalance(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	for i := 0; i < 100; i++ {
		if !e.AcquireAgentSlot("bot-1") {
			t.Fatalf("acquire %d failed", i)
		}
		e.ReleaseAgentSlot("bot-1")
	}
	if n := e.ActiveTasks("bot-1"); n != 0 {
		t.Fatalf("expected balanced counter, got %d", n)
	}
	// Over-release clamps at zero.
	e.ReleaseAgentSlot("bot-1")
	if n := e.ActiveTasks("bot-1"); n != 0 {
		t.Fatalf("expected clamped counter, got %d", n)
	}
}

func TestDangerousAdminWarns(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	report := e.ValidateTaskPolicy(placeAction("bot-1", "tnt"), Caller{UserID: "root", Role: RoleAdmin})
	if !report.Valid {
		t.Fatalf("admin dangerous action should pass: %v", report.Errors)
	}
	if len(report.Warnings) != 1 || report.Warnings[0] != "Dangerous action: tnt" {
		t.Errorf("unexpected warnings %v", report.Warnings)
	}
}

func TestDangerousNonAdminRejected(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	report := e.ValidateTaskPolicy(placeAction("u1-bot", "tnt"), Caller{UserID: "u1", Role: RoleAutopilot})
	if report.Valid {
		t.Fatal("autopilot dangerous action should be rejected")
	}

	approved := placeAction("u1-bot", "tnt")
	approved.Approved = true
	report = e.ValidateTaskPolicy(approved, Caller{UserID: "u1", Role: RoleAutopilot})
	if !report.Valid {
		t.Fatalf("approved dangerous action should pass: %v", report.Errors)
	}
}

func TestExtraDangerousBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExtraDangerousBlocks = []string{"obsidian"}
	e := newTestEngine(cfg)

	if !e.IsDangerous(placeAction("b", "obsidian")) {
		t.Fatal("configured extra block should be dangerous")
	}
	if !e.IsDangerous(placeAction("b", "tnt")) {
		t.Fatal("default set must survive extension")
	}
	if e.IsDangerous(placeAction("b", "stone")) {
		t.Fatal("stone should be safe")
	}
}

func TestRejectedDangerousActionConsumesNoBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 1
	e := newTestEngine(cfg)
	caller := Caller{UserID: "u1", Role: RoleAutopilot}

	for i := 0; i < 5; i++ {
		if r := e.ValidateTaskPolicy(placeAction("u1-bot", "tnt"), caller); r.Valid {
			t.Fatalf("attempt %d should be rejected", i)
		}
	}
	// The budget is still intact for a safe action.
	if r := e.ValidateTaskPolicy(chatAction("u1-bot"), caller); !r.Valid {
		t.Fatalf("budget should be intact: %v", r.Errors)
	}
}

func TestCanApprove(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	if !e.CanApprove(RoleAdmin) {
		t.Error("admin should approve")
	}
	if e.CanApprove(RoleAutopilot) || e.CanApprove(RoleViewer) {
		t.Error("only admin approves")
	}
}

func TestManyAgentsIndependentCounters(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("bot-%d", i)
		if !e.AcquireAgentSlot(id) {
			t.Fatalf("agent %s first slot denied", id)
		}
	}
	if got := e.ActiveTasks("bot-3"); got != 1 {
		t.Fatalf("bot-3 active=%d, want 1", got)
	}
}
