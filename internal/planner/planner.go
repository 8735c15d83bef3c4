// Package planner resolves named goals into validated action plans using a
// closed template set. Every emitted plan is schema-checked action by action
// and capped at a maximum length; results are cached per (agent, goal) with
// a short TTL so repeated decisions within one observation window do not
// replan.
package planner

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/schema"
)

// ErrUnknownGoal is returned for goal names outside the template registry.
var ErrUnknownGoal = errors.New("unknown goal")

// ErrNoSnapshot is returned when the agent has no world snapshot yet.
var ErrNoSnapshot = errors.New("no world snapshot for agent")

// Config tunes the planner.
type Config struct {
	MaxPlanLength int           // hard cap on emitted plan length
	CacheTTL      time.Duration // per-(agent, goal) plan cache lifetime
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPlanLength: 20,
		CacheTTL:      30 * time.Second,
	}
}

// Evaluation is the advisory feasibility check for a plan.
type Evaluation struct {
	Feasible    bool     `json:"feasible"`
	Warnings    []string `json:"warnings,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type cacheEntry struct {
	plan *protocol.Plan
	at   time.Time
}

// clonePlan deep-copies a plan so callers can consume the returned copy
// without corrupting the cached one.
func clonePlan(p *protocol.Plan) *protocol.Plan {
	out := *p
	out.Warnings = append([]string(nil), p.Warnings...)
	out.Actions = make([]protocol.Action, len(p.Actions))
	for i, a := range p.Actions {
		if a.Params != nil {
			params := make(map[string]any, len(a.Params))
			for k, v := range a.Params {
				params[k] = v
			}
			a.Params = params
		}
		out.Actions[i] = a
	}
	return &out
}

// Planner generates plans from goals.
type Planner struct {
	cfg    Config
	obs    *observer.Observer
	reg    *registry.Registry
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

// New creates a planner over an observer and registry.
func New(obs *observer.Observer, reg *registry.Registry, cfg Config, logger *zap.Logger) *Planner {
	if cfg.MaxPlanLength <= 0 {
		cfg.MaxPlanLength = DefaultConfig().MaxPlanLength
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		cfg:    cfg,
		obs:    obs,
		reg:    reg,
		logger: logger,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Generate resolves a goal into a plan for one agent. A fresh cached plan is
// re-served; otherwise the template runs against the latest snapshot, the
// result is validated action by action and truncated to the length cap.
func (p *Planner) Generate(agentID string, goal protocol.Goal) (*protocol.Plan, error) {
	tmpl, ok := templates[goal.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownGoal, goal.Name, strings.Join(GoalNames(), ", "))
	}

	key := agentID + "|" + goal.Name
	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.now().Sub(entry.at) < p.cfg.CacheTTL {
		p.mu.Unlock()
		return clonePlan(entry.plan), nil
	}
	p.mu.Unlock()

	snap, ok := p.obs.Latest(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, agentID)
	}

	steps, warnings := tmpl(Input{
		AgentID:  agentID,
		Snapshot: snap,
		Registry: p.reg,
		Context:  goal.Context,
	})

	truncated := false
	if len(steps) > p.cfg.MaxPlanLength {
		steps = steps[:p.cfg.MaxPlanLength]
		truncated = true
		warnings = append(warnings, fmt.Sprintf("plan truncated to %d actions", p.cfg.MaxPlanLength))
	}

	now := p.now().UTC()
	plan := &protocol.Plan{
		Goal:      goal.Name,
		AgentID:   agentID,
		Actions:   make([]protocol.Action, 0, len(steps)),
		Truncated: truncated,
		Warnings:  warnings,
		CreatedAt: now,
	}
	for _, s := range steps {
		action := protocol.Action{
			ID:        uuid.NewString(),
			Type:      s.Type,
			AgentID:   agentID,
			Params:    s.Params,
			CreatedAt: now,
		}
		if res := schema.ValidateAction(&action); !res.Valid {
			return nil, fmt.Errorf("template %s emitted invalid %s action: %s",
				goal.Name, s.Type, strings.Join(res.Errors, "; "))
		}
		plan.Actions = append(plan.Actions, action)
	}

	p.mu.Lock()
	p.cache[key] = cacheEntry{plan: clonePlan(plan), at: p.now()}
	p.mu.Unlock()

	metrics.PlansGeneratedTotal.WithLabelValues(goal.Name).Inc()
	p.logger.Debug("plan generated",
		zap.String("agent", agentID),
		zap.String("goal", goal.Name),
		zap.Int("actions", plan.Len()),
		zap.Strings("warnings", plan.Warnings),
	)
	return plan, nil
}

// EvaluatePlan checks a plan against the agent's current condition. The
// result is advisory and never blocks execution.
func (p *Planner) EvaluatePlan(agentID string, plan *protocol.Plan) Evaluation {
	eval := Evaluation{Feasible: true}

	snap, ok := p.obs.Latest(agentID)
	if !ok {
		eval.Warnings = append(eval.Warnings, "no world snapshot, condition unknown")
		return eval
	}

	if snap.Self.Health <= 4 {
		eval.Feasible = false
		eval.Warnings = append(eval.Warnings, fmt.Sprintf("critical health %d", snap.Self.Health))
		eval.Suggestions = append(eval.Suggestions, "queue find_shelter before continuing")
	} else if snap.Self.Health <= 10 {
		eval.Warnings = append(eval.Warnings, fmt.Sprintf("low health %d", snap.Self.Health))
	}

	if agent, ok := p.reg.Get(agentID); ok && len(agent.Inventory) >= 32 {
		eval.Warnings = append(eval.Warnings, fmt.Sprintf("inventory pressure: %d stacks", len(agent.Inventory)))
		eval.Suggestions = append(eval.Suggestions, "drop_item to free slots")
	}

	if n := snap.Summary.NearbyHostiles; n > 0 {
		eval.Warnings = append(eval.Warnings, fmt.Sprintf("%d hostile(s) nearby", n))
		if n >= 3 && planTouchesWorld(plan) {
			eval.Suggestions = append(eval.Suggestions, "queue find_shelter before mining or building")
		}
	}

	return eval
}

func planTouchesWorld(plan *protocol.Plan) bool {
	for _, a := range plan.Actions {
		switch a.Type {
		case protocol.ActionMineBlock, protocol.ActionPlaceBlock, protocol.ActionInteract:
			return true
		}
	}
	return false
}

// InvalidateAgent drops all cached plans for one agent.
func (p *Planner) InvalidateAgent(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.cache {
		if strings.HasPrefix(key, agentID+"|") {
			delete(p.cache, key)
		}
	}
}

// Clear drops the whole plan cache.
func (p *Planner) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]cacheEntry)
}
