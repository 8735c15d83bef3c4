// Package orchestrator is the operator-facing surface of the swarm: it
// connects agents with autonomy, fans goals out across the fleet,
// coordinates multi-agent tasks through work claims and owns the emergency
// stop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockforge/swarmd/internal/admission"
	"github.com/blockforge/swarmd/internal/autonomy"
	"github.com/blockforge/swarmd/internal/coordinator"
	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/planner"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/session"
	"github.com/blockforge/swarmd/internal/telemetry"
)

// Deps carries the orchestrator's collaborators. Sessions and Experience
// may be nil.
type Deps struct {
	Driver      driver.Driver
	Observer    *observer.Observer
	Planner     *planner.Planner
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Host        *admission.Host
	Experience  *experience.Buffer
	Sessions    *session.Store
	LoopConfig  autonomy.Config
	Logger      *zap.Logger
}

// Orchestrator owns the per-agent autonomy loops and the swarm goal list.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger

	mu         sync.Mutex
	loops      map[string]*autonomy.Loop
	swarmGoals []protocol.Goal
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		logger: deps.Logger,
		loops:  make(map[string]*autonomy.Loop),
	}
}

// ConnectAgentWithAutonomy connects the driver, registers the agent, starts
// observation and the autonomy loop, then queues the given goals plus every
// standing swarm goal. Partial failures unwind the steps already taken.
func (o *Orchestrator) ConnectAgentWithAutonomy(ctx context.Context, agentID string, creds driver.Credentials, goals []protocol.Goal) error {
	o.mu.Lock()
	if _, exists := o.loops[agentID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("agent %s already connected", agentID)
	}
	o.mu.Unlock()

	if err := o.deps.Driver.Connect(ctx, agentID, creds); err != nil {
		return fmt.Errorf("connect %s: %w", agentID, err)
	}

	if _, err := o.deps.Registry.Register(agentID, registry.RoleAutonomous, nil, "orchestrator"); err != nil {
		o.deps.Driver.Disconnect(ctx, agentID, "registration failed")
		return fmt.Errorf("register %s: %w", agentID, err)
	}

	if err := o.deps.Observer.StartObserving(ctx, agentID); err != nil {
		o.deps.Registry.Unregister(agentID)
		o.deps.Driver.Disconnect(ctx, agentID, "observation failed")
		return fmt.Errorf("observe %s: %w", agentID, err)
	}

	loop := autonomy.NewLoop(agentID, o.deps.Observer, o.deps.Planner, o.deps.Host,
		o.deps.Experience, o.deps.Registry, o.deps.LoopConfig, o.logger)
	loop.Start(ctx)

	o.mu.Lock()
	o.loops[agentID] = loop
	standing := make([]protocol.Goal, len(o.swarmGoals))
	copy(standing, o.swarmGoals)
	metrics.ConnectedAgents.Set(float64(len(o.loops)))
	o.mu.Unlock()

	for _, g := range append(goals, standing...) {
		if err := loop.QueueGoal(g); err != nil {
			o.logger.Warn("initial goal dropped",
				zap.String("agent", agentID),
				zap.String("goal", g.Name),
				zap.Error(err),
			)
		}
	}

	if o.deps.Sessions != nil {
		if err := o.deps.Sessions.Save(agentID, creds); err != nil {
			o.logger.Warn("session save failed", zap.String("agent", agentID), zap.Error(err))
		}
	}

	o.logger.Info("agent connected with autonomy",
		zap.String("agent", agentID),
		zap.Int("goals", len(goals)+len(standing)),
	)
	return nil
}

// ReconnectAgent reconnects an agent from its stored session credentials.
func (o *Orchestrator) ReconnectAgent(ctx context.Context, agentID string, goals []protocol.Goal) error {
	if o.deps.Sessions == nil {
		return fmt.Errorf("no session store configured")
	}
	creds, ok, err := o.deps.Sessions.Load(agentID)
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", agentID, err)
	}
	if !ok {
		return fmt.Errorf("reconnect %s: no stored session", agentID)
	}
	return o.ConnectAgentWithAutonomy(ctx, agentID, creds, goals)
}

// DisconnectAgent tears an agent down in failure-safe order: loop first so
// nothing new dispatches, then observation, registry and finally the driver.
func (o *Orchestrator) DisconnectAgent(ctx context.Context, agentID, reason string) error {
	o.mu.Lock()
	loop, ok := o.loops[agentID]
	delete(o.loops, agentID)
	metrics.ConnectedAgents.Set(float64(len(o.loops)))
	o.mu.Unlock()

	if ok {
		loop.Stop()
	}
	o.deps.Observer.StopObserving(agentID)
	o.deps.Planner.InvalidateAgent(agentID)

	var errs []error
	if err := o.deps.Registry.Unregister(agentID); err != nil {
		errs = append(errs, fmt.Errorf("unregister: %w", err))
	}
	if err := o.deps.Driver.Disconnect(ctx, agentID, reason); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	// A removed agent leaves no stored credentials behind.
	if o.deps.Sessions != nil {
		if err := o.deps.Sessions.Delete(agentID); err != nil {
			errs = append(errs, fmt.Errorf("session wipe: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("disconnect %s: %v", agentID, errs)
	}

	o.logger.Info("agent disconnected", zap.String("agent", agentID), zap.String("reason", reason))
	return nil
}

// QueueSwarmGoal queues a goal on every active loop and records it for
// agents that connect later.
func (o *Orchestrator) QueueSwarmGoal(name string, goalCtx map[string]any) int {
	goal := protocol.Goal{Name: name, Context: goalCtx, Priority: protocol.PriorityNormal}

	o.mu.Lock()
	o.swarmGoals = append(o.swarmGoals, goal)
	loops := make(map[string]*autonomy.Loop, len(o.loops))
	for id, l := range o.loops {
		loops[id] = l
	}
	o.mu.Unlock()

	queued := 0
	for id, loop := range loops {
		if err := loop.QueueGoal(goal); err != nil {
			o.logger.Warn("swarm goal dropped", zap.String("agent", id), zap.Error(err))
			continue
		}
		queued++
	}

	o.logger.Info("swarm goal queued", zap.String("goal", name), zap.Int("agents", queued))
	return queued
}

// SwarmGoals returns the standing swarm goal list.
func (o *Orchestrator) SwarmGoals() []protocol.Goal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.Goal, len(o.swarmGoals))
	copy(out, o.swarmGoals)
	return out
}

// CoordinateTask claims a work id per agent and executes the same action on
// all of them concurrently. Overall success requires every agent to succeed;
// per-agent results are returned either way.
func (o *Orchestrator) CoordinateTask(ctx context.Context, agentIDs []string, taskType protocol.ActionType, params map[string]any) (bool, map[string]protocol.Result) {
	taskID := uuid.NewString()

	ctx, span := telemetry.StartCoordinateSpan(ctx, taskID, string(taskType), len(agentIDs))
	defer span.End()

	var mu sync.Mutex
	results := make(map[string]protocol.Result, len(agentIDs))

	g, taskCtx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		g.Go(func() error {
			workID := taskID + "/" + agentID
			claim, err := o.deps.Registry.ClaimWork(workID, agentID, map[string]any{"task_type": string(taskType)})
			if err != nil {
				mu.Lock()
				results[agentID] = protocol.Fail("claim: %v", err)
				mu.Unlock()
				return nil
			}
			defer o.deps.Registry.ReleaseWork(claim.WorkID)

			action := &protocol.Action{
				ID:      uuid.NewString(),
				Type:    taskType,
				AgentID: agentID,
				Params:  params,
			}
			decision := o.deps.Host.ExecuteTask(taskCtx, action, policy.Caller{UserID: "orchestrator", Role: policy.RoleAdmin})

			mu.Lock()
			results[agentID] = decision.Result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	allOK := len(agentIDs) > 0
	for _, r := range results {
		if !r.Success {
			allOK = false
		}
	}
	o.logger.Info("coordinated task finished",
		zap.String("task", taskID),
		zap.String("type", string(taskType)),
		zap.Int("agents", len(agentIDs)),
		zap.Bool("success", allOK),
	)
	return allOK, results
}

// Loop returns the autonomy loop for an agent, if connected.
func (o *Orchestrator) Loop(agentID string) (*autonomy.Loop, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.loops[agentID]
	return l, ok
}

// ActiveAgents lists connected agent ids.
func (o *Orchestrator) ActiveAgents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.loops))
	for id := range o.loops {
		out = append(out, id)
	}
	return out
}

// EmergencyReset stops every loop, disconnects every agent, clears the
// swarm goal list and drops planner caches. Safe to call repeatedly.
func (o *Orchestrator) EmergencyReset(ctx context.Context) {
	o.mu.Lock()
	loops := o.loops
	o.loops = make(map[string]*autonomy.Loop)
	o.swarmGoals = nil
	metrics.ConnectedAgents.Set(0)
	o.mu.Unlock()

	for agentID, loop := range loops {
		loop.Stop()
		o.deps.Observer.StopObserving(agentID)
		if err := o.deps.Registry.Unregister(agentID); err != nil {
			o.logger.Warn("reset unregister failed", zap.String("agent", agentID), zap.Error(err))
		}
		if err := o.deps.Driver.Disconnect(ctx, agentID, "emergency reset"); err != nil {
			o.logger.Warn("reset disconnect failed", zap.String("agent", agentID), zap.Error(err))
		}
		if o.deps.Sessions != nil {
			if err := o.deps.Sessions.Delete(agentID); err != nil {
				o.logger.Warn("reset session wipe failed", zap.String("agent", agentID), zap.Error(err))
			}
		}
	}
	o.deps.Planner.Clear()

	o.logger.Warn("emergency reset completed", zap.Int("agents", len(loops)))
}
