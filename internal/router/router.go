// Package router dispatches validated actions to driver primitives. Every
// action type maps to a handler group with routing flags; execution is
// bounded by a per-task timeout and by per-agent concurrency slots, and
// every outcome is counted and optionally persisted.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/schema"
	"github.com/blockforge/swarmd/internal/telemetry"
)

// HandlerGroup names the family a route belongs to.
type HandlerGroup string

const (
	GroupMovement    HandlerGroup = "movement"
	GroupInteraction HandlerGroup = "interaction"
	GroupBasic       HandlerGroup = "basic"
	GroupInventory   HandlerGroup = "inventory"
)

// Route describes how one action type is dispatched.
type Route struct {
	Group            HandlerGroup
	DangerousAction  bool // may need approval depending on parameters
	RequiresLocation bool // needs a target position
	RequiresAgent    bool // needs a connected agent session
	handler          handlerFunc
}

type handlerFunc func(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error)

// Slots guards per-agent in-flight action counts. The policy engine
// implements it; routing through the same instance keeps the admission view
// and the execution view of the counters identical.
type Slots interface {
	AcquireAgentSlot(agentID string) bool
	ReleaseAgentSlot(agentID string)
	ActiveTasks(agentID string) int
}

// DangerChecker decides whether a concrete action (not just its type) is
// dangerous. The policy engine implements it.
type DangerChecker interface {
	IsDangerous(action *protocol.Action) bool
}

// Sink receives every completed routing outcome for persistence.
type Sink interface {
	Persist(action *protocol.Action, result protocol.Result)
}

// Config tunes the router.
type Config struct {
	TaskTimeout                 time.Duration
	RequireApprovalForDangerous bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:                 30 * time.Second,
		RequireApprovalForDangerous: true,
	}
}

// Stats is a snapshot of the router counters.
type Stats struct {
	Total           int `json:"total"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	Rejected        int `json:"rejected"`
	DangerousLogged int `json:"dangerous_logged"`
}

// Router routes actions to a driver.
type Router struct {
	cfg    Config
	drv    driver.Driver
	reg    *registry.Registry
	slots  Slots
	danger DangerChecker
	sink   Sink
	logger *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a router. reg, slots, danger and sink may be nil; nil slots
// disables the concurrency gate and nil sink disables persistence.
func New(drv driver.Driver, reg *registry.Registry, slots Slots, danger DangerChecker, sink Sink, cfg Config, logger *zap.Logger) *Router {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:    cfg,
		drv:    drv,
		reg:    reg,
		slots:  slots,
		danger: danger,
		sink:   sink,
		logger: logger,
	}
}

// Lookup returns the route for an action type.
func Lookup(t protocol.ActionType) (Route, bool) {
	r, ok := routes[t]
	return r, ok
}

// RouteTask validates, gates and executes one action. The returned Result is
// always well-formed; transport and primitive failures come back as failed
// results, not errors.
func (r *Router) RouteTask(ctx context.Context, action *protocol.Action) protocol.Result {
	r.count(func(s *Stats) { s.Total++ })

	ctx, span := telemetry.StartDispatchSpan(ctx, action.AgentID, string(action.Type))
	result, rejected := r.routeTask(ctx, action)
	telemetry.EndDispatchSpan(span, result.Success, rejected, result.Error)
	return result
}

func (r *Router) routeTask(ctx context.Context, action *protocol.Action) (protocol.Result, bool) {
	if res := schema.ValidateAction(action); !res.Valid {
		return r.finish(action, protocol.Fail("schema validation failed: %v", res.Errors)), true
	}

	route, ok := routes[action.Type]
	if !ok {
		return r.finish(action, protocol.Fail("no route for action type %s", action.Type)), true
	}

	if route.RequiresAgent && !r.drv.Connected(action.AgentID) {
		return r.finish(action, protocol.Fail("agent %s is not connected", action.AgentID)), true
	}

	if route.DangerousAction && r.isDangerous(action) {
		r.count(func(s *Stats) { s.DangerousLogged++ })
		r.logger.Warn("dangerous action routed",
			zap.String("agent", action.AgentID),
			zap.String("type", string(action.Type)),
			zap.Bool("approved", action.Approved),
		)
		if r.cfg.RequireApprovalForDangerous && !action.Approved {
			return r.finish(action, protocol.Fail("dangerous action requires approval")), true
		}
	}

	if r.slots != nil {
		if !r.slots.AcquireAgentSlot(action.AgentID) {
			return r.finish(action, protocol.Fail("agent %s is at its concurrency limit (%d active)",
				action.AgentID, r.slots.ActiveTasks(action.AgentID))), true
		}
		defer r.slots.ReleaseAgentSlot(action.AgentID)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	data, err := route.handler(execCtx, r.drv, action)
	elapsed := time.Since(start)

	var result protocol.Result
	if err != nil {
		result = protocol.Fail("%s: %v", action.Type, err)
		r.count(func(s *Stats) { s.Failed++ })
		metrics.RecordAction(string(action.Type), "failure", elapsed)
		r.logger.Warn("action failed",
			zap.String("agent", action.AgentID),
			zap.String("type", string(action.Type)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		result = protocol.OK(data)
		r.count(func(s *Stats) { s.Succeeded++ })
		metrics.RecordAction(string(action.Type), "success", elapsed)
		r.logger.Debug("action succeeded",
			zap.String("agent", action.AgentID),
			zap.String("type", string(action.Type)),
			zap.Duration("elapsed", elapsed),
		)
	}

	if r.reg != nil {
		r.reg.RecordOutcome(action.AgentID, result.Success)
	}
	if r.sink != nil {
		r.sink.Persist(action, result)
	}
	return result, false
}

func (r *Router) isDangerous(action *protocol.Action) bool {
	if r.danger == nil {
		return false
	}
	return r.danger.IsDangerous(action)
}

// finish records a pre-dispatch rejection.
func (r *Router) finish(action *protocol.Action, result protocol.Result) protocol.Result {
	r.count(func(s *Stats) { s.Rejected++ })
	metrics.ActionsTotal.WithLabelValues(string(action.Type), "rejected").Inc()
	if r.sink != nil {
		r.sink.Persist(action, result)
	}
	return result
}

func (r *Router) count(apply func(*Stats)) {
	r.mu.Lock()
	apply(&r.stats)
	r.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
