// Package policy enforces the safety envelope between callers and the
// action router: role capabilities, per-role task allow-lists, bot access
// scoping, rate limits, per-agent concurrency and the dangerous-block
// check. Policy failures are values (a structured Report), never errors —
// the engine itself cannot fail a validation call.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/schema"
)

// Role is a caller role. Capabilities nest: admin ⊇ autopilot ⊇ viewer.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAutopilot Role = "autopilot"
	RoleViewer    Role = "viewer"
)

// Caller identifies who is submitting an action.
type Caller struct {
	UserID string
	Role   Role
}

// Config tunes the engine.
type Config struct {
	// RequestsPerMinute is the fixed-window rate limit per (user, role).
	// 0 disables rate limiting.
	RequestsPerMinute int

	// MaxTasksPerAgent caps in-flight actions per agent.
	MaxTasksPerAgent int

	// Allowlist maps roles to permitted action types; "*" permits all.
	// Roles absent from the map may submit nothing.
	Allowlist map[Role][]string

	// ExtraDangerousBlocks extends the built-in blacklist.
	ExtraDangerousBlocks []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		MaxTasksPerAgent:  8,
		Allowlist: map[Role][]string{
			RoleAdmin:     {"*"},
			RoleAutopilot: {"*"},
			// viewer: read-only, no task types
		},
	}
}

// RateLimitStatus reports the rate gate outcome.
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// ConcurrencyStatus reports the per-agent concurrency gate outcome.
type ConcurrencyStatus struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

// Report is the structured outcome of validating one action.
type Report struct {
	Valid       bool               `json:"valid"`
	Errors      []string           `json:"errors,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	RateLimit   *RateLimitStatus   `json:"rate_limit,omitempty"`
	Concurrency *ConcurrencyStatus `json:"concurrency,omitempty"`
}

func (r *Report) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Engine is the policy engine. It owns the rate buckets, the per-agent
// concurrency counters and the dangerous-block set.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	rates *rateTable

	concMu  sync.Mutex
	active  map[string]int // agentID → in-flight actions
	danger  map[string]struct{}
}

// NewEngine creates a policy engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTasksPerAgent <= 0 {
		cfg.MaxTasksPerAgent = DefaultConfig().MaxTasksPerAgent
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = DefaultConfig().Allowlist
	}

	danger := make(map[string]struct{})
	for _, name := range schema.DangerousBlocks() {
		danger[name] = struct{}{}
	}
	for _, name := range cfg.ExtraDangerousBlocks {
		danger[name] = struct{}{}
	}

	return &Engine{
		cfg:    cfg,
		logger: logger,
		rates:  newRateTable(cfg.RequestsPerMinute),
		active: make(map[string]int),
		danger: danger,
	}
}

// ValidateTaskPolicy runs every gate against one action. On an allowed
// outcome the caller's rate bucket has been consumed; the concurrency
// counter is NOT consumed — callers reserve a slot via AcquireAgentSlot
// once they commit to dispatch.
func (e *Engine) ValidateTaskPolicy(action *protocol.Action, caller Caller) Report {
	report := Report{Valid: true}

	if !e.checkRole(&report, caller) {
		return report
	}
	e.checkAccess(&report, action, caller)

	// Danger check before the rate gate so a rejected dangerous action
	// does not consume budget.
	e.checkDanger(&report, action, caller)
	if !report.Valid {
		return report
	}

	if !e.checkRate(&report, caller) {
		return report
	}

	// Gate 5: per-agent concurrency.
	e.concMu.Lock()
	active := e.active[action.AgentID]
	e.concMu.Unlock()
	report.Concurrency = &ConcurrencyStatus{Active: active, Limit: e.cfg.MaxTasksPerAgent}
	if active >= e.cfg.MaxTasksPerAgent {
		report.addError("agent %s already has %d in-flight actions (max %d)",
			action.AgentID, active, e.cfg.MaxTasksPerAgent)
	}

	if !report.Valid {
		e.logger.Info("action rejected by policy",
			zap.String("agent", action.AgentID),
			zap.String("type", string(action.Type)),
			zap.String("user", caller.UserID),
			zap.Strings("errors", report.Errors),
		)
	}
	return report
}

// ValidateSubmission runs the gates that precede any dispatch or parking:
// role capability, the per-role allow-list, bot access and the rate window.
// The admission host applies it before a dangerous action may hold an
// approval ticket; the danger and concurrency gates apply at dispatch.
func (e *Engine) ValidateSubmission(action *protocol.Action, caller Caller) Report {
	report := Report{Valid: true}

	if !e.checkRole(&report, caller) {
		return report
	}
	e.checkAccess(&report, action, caller)
	if !report.Valid {
		return report
	}
	e.checkRate(&report, caller)
	return report
}

// Gate 1: role capability. Viewers are read-only.
func (e *Engine) checkRole(report *Report, caller Caller) bool {
	switch caller.Role {
	case RoleAdmin, RoleAutopilot:
		return true
	case RoleViewer:
		report.addError("role viewer is read-only")
	default:
		report.addError("unknown role %q", caller.Role)
	}
	return false
}

// Gates 2 and 3: per-role task allow-list, then bot access. Admin sees
// every agent; autopilot only agents prefixed by its user id.
func (e *Engine) checkAccess(report *Report, action *protocol.Action, caller Caller) {
	if !e.typeAllowed(caller.Role, action.Type) {
		report.addError("role %s may not submit %s actions", caller.Role, action.Type)
	}
	if caller.Role == RoleAutopilot && !strings.HasPrefix(action.AgentID, caller.UserID) {
		report.addError("user %s has no access to agent %s", caller.UserID, action.AgentID)
	}
}

// Gate 4: rate limit, fixed 60s windows per (user, role).
func (e *Engine) checkRate(report *Report, caller Caller) bool {
	rl := e.rates.take(string(caller.Role) + "|" + caller.UserID)
	report.RateLimit = &rl
	if !rl.Allowed {
		report.addError("rate limit exceeded for %s (%s): resets at %s",
			caller.UserID, caller.Role, rl.ResetAt.Format(time.RFC3339))
		return false
	}
	return true
}

func (e *Engine) typeAllowed(role Role, t protocol.ActionType) bool {
	allowed, ok := e.cfg.Allowlist[role]
	if !ok {
		return false
	}
	for _, entry := range allowed {
		if entry == "*" || entry == string(t) {
			return true
		}
	}
	return false
}

// checkDanger applies the dangerous-block rule to place_block/mine_block.
// Admins get a warning and proceed; anyone else needs action.Approved.
func (e *Engine) checkDanger(report *Report, action *protocol.Action, caller Caller) {
	if action.Type != protocol.ActionPlaceBlock && action.Type != protocol.ActionMineBlock {
		return
	}
	blockType := action.StringParam("blockType")
	if blockType == "" {
		return
	}
	if _, dangerous := e.danger[blockType]; !dangerous {
		return
	}

	if caller.Role == RoleAdmin {
		report.addWarning("Dangerous action: %s", blockType)
		e.logger.Warn("admin submitted dangerous action",
			zap.String("agent", action.AgentID),
			zap.String("block", blockType),
			zap.String("user", caller.UserID),
		)
		return
	}
	if action.Approved {
		report.addWarning("Dangerous action: %s (pre-approved)", blockType)
		return
	}
	report.addError("dangerous block %s requires approval", blockType)
}

// IsDangerous reports whether an action touches the dangerous-block set.
func (e *Engine) IsDangerous(action *protocol.Action) bool {
	if action.Type != protocol.ActionPlaceBlock && action.Type != protocol.ActionMineBlock {
		return false
	}
	_, dangerous := e.danger[action.StringParam("blockType")]
	return dangerous
}

// RateStatus reports a caller's current budget without consuming it.
func (e *Engine) RateStatus(caller Caller) RateLimitStatus {
	return e.rates.peek(string(caller.Role) + "|" + caller.UserID)
}

// CanApprove reports whether a role may decide approval tickets or modify
// policy. Only admin qualifies.
func (e *Engine) CanApprove(role Role) bool { return role == RoleAdmin }

// AcquireAgentSlot reserves one concurrency slot for an agent. Returns
// false when the agent is saturated.
func (e *Engine) AcquireAgentSlot(agentID string) bool {
	e.concMu.Lock()
	defer e.concMu.Unlock()

	if e.active[agentID] >= e.cfg.MaxTasksPerAgent {
		return false
	}
	e.active[agentID]++
	return true
}

// ReleaseAgentSlot returns a slot. Releasing below zero is clamped.
func (e *Engine) ReleaseAgentSlot(agentID string) {
	e.concMu.Lock()
	defer e.concMu.Unlock()

	if e.active[agentID] > 0 {
		e.active[agentID]--
	}
	if e.active[agentID] == 0 {
		delete(e.active, agentID)
	}
}

// ActiveTasks returns the current in-flight count for an agent.
func (e *Engine) ActiveTasks(agentID string) int {
	e.concMu.Lock()
	defer e.concMu.Unlock()
	return e.active[agentID]
}
