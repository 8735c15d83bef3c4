// Package autonomy runs the per-agent observe/decide/validate/act loop.
// Each loop owns its goal queue and history; ticks advance one action at a
// time so a single agent never has two actions in flight.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/admission"
	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/planner"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/schema"
	"github.com/blockforge/swarmd/internal/telemetry"
)

// State is the loop's lifecycle phase.
type State string

const (
	StateIdle     State = "idle"
	StatePlanning State = "planning"
	StateActing   State = "acting"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrQueueFull is returned when the goal queue cannot take another goal.
var ErrQueueFull = errors.New("goal queue full")

// ErrStopped is returned when queueing to a stopped loop.
var ErrStopped = errors.New("loop stopped")

// Config tunes one loop.
type Config struct {
	LoopInterval   time.Duration // tick cadence
	StaleThreshold time.Duration // skip ticks when the snapshot is older
	HistorySize    int           // bounded outcome history
	GoalQueueSize  int           // buffered goal channel
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LoopInterval:   time.Second,
		StaleThreshold: 10 * time.Second,
		HistorySize:    1000,
		GoalQueueSize:  64,
	}
}

// Outcome is one recorded tick result.
type Outcome struct {
	Tick       int64               `json:"tick"`
	Goal       string              `json:"goal,omitempty"`
	ActionType protocol.ActionType `json:"action_type,omitempty"`
	Success    bool                `json:"success"`
	Detail     string              `json:"detail,omitempty"`
	At         time.Time           `json:"at"`
}

// Loop is one agent's autonomy driver.
type Loop struct {
	agentID string
	cfg     Config
	obs     *observer.Observer
	pl      *planner.Planner
	host    *admission.Host
	exp     *experience.Buffer
	reg     *registry.Registry
	logger  *zap.Logger

	goals chan protocol.Goal

	mu           sync.Mutex
	state        State
	plan         *protocol.Plan
	cursor       int
	history      []Outcome
	tick         int64
	actionCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a loop for one agent. exp and reg may be nil.
func NewLoop(agentID string, obs *observer.Observer, pl *planner.Planner, host *admission.Host,
	exp *experience.Buffer, reg *registry.Registry, cfg Config, logger *zap.Logger) *Loop {
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = DefaultConfig().LoopInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.GoalQueueSize <= 0 {
		cfg.GoalQueueSize = DefaultConfig().GoalQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		agentID: agentID,
		cfg:     cfg,
		obs:     obs,
		pl:      pl,
		host:    host,
		exp:     exp,
		reg:     reg,
		logger:  logger.With(zap.String("agent", agentID)),
		goals:   make(chan protocol.Goal, cfg.GoalQueueSize),
		state:   StateIdle,
		done:    make(chan struct{}),
	}
}

// Start launches the ticker. Call once.
func (l *Loop) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.LoopInterval)
		defer ticker.Stop()

		l.logger.Info("autonomy loop started", zap.Duration("interval", l.cfg.LoopInterval))
		for {
			select {
			case <-loopCtx.Done():
				l.setState(StateStopped)
				l.logger.Info("autonomy loop stopped")
				return
			case <-ticker.C:
				l.runTick(loopCtx)
			}
		}
	}()
}

// Stop cancels the in-flight action, terminates the ticker and waits for
// the loop goroutine to exit. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	if l.state != StateStopped {
		l.state = StateStopping
	}
	if l.actionCancel != nil {
		l.actionCancel()
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-l.done
	}
}

// Pause suspends ticking without dropping queued goals.
func (l *Loop) Pause() { l.setState(StatePaused) }

// Resume continues a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StatePaused {
		l.state = StateIdle
	}
}

// QueueGoal appends a goal to the loop's queue.
func (l *Loop) QueueGoal(goal protocol.Goal) error {
	l.mu.Lock()
	stopped := l.state == StateStopped || l.state == StateStopping
	l.mu.Unlock()
	if stopped {
		return fmt.Errorf("%w: %s", ErrStopped, l.agentID)
	}
	if goal.QueuedAt.IsZero() {
		goal.QueuedAt = time.Now().UTC()
	}
	select {
	case l.goals <- goal:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, l.agentID)
	}
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// History returns the last n outcomes, oldest first.
func (l *Loop) History(n int) []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	out := make([]Outcome, n)
	copy(out, l.history[len(l.history)-n:])
	return out
}

// runTick advances one ODVA cycle: observe the snapshot, decide on a plan
// if none is active, then validate and act on the plan's next action.
func (l *Loop) runTick(ctx context.Context) {
	l.mu.Lock()
	if l.state == StatePaused || l.state == StateStopping || l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.tick++
	tick := l.tick
	l.mu.Unlock()
	metrics.LoopTicksTotal.WithLabelValues(l.agentID).Inc()

	ctx, span := telemetry.StartTickSpan(ctx, l.agentID, tick)
	defer span.End()

	// Observe.
	age, ok := l.obs.SnapshotAge(l.agentID)
	if !ok || age > l.cfg.StaleThreshold {
		l.record(Outcome{Tick: tick, Success: false, Detail: "snapshot missing or stale, tick skipped"})
		return
	}

	// Decide.
	if !l.planInProgress() {
		select {
		case goal := <-l.goals:
			l.setState(StatePlanning)
			_, planSpan := telemetry.StartPlanSpan(ctx, l.agentID, goal.Name)
			plan, err := l.pl.Generate(l.agentID, goal)
			if err != nil {
				telemetry.EndPlanSpan(planSpan, 0, false)
				l.record(Outcome{Tick: tick, Goal: goal.Name, Success: false, Detail: err.Error()})
				l.setState(StateIdle)
				return
			}
			telemetry.EndPlanSpan(planSpan, plan.Len(), false)
			l.mu.Lock()
			l.plan = plan
			l.cursor = 0
			l.state = StateActing
			l.mu.Unlock()
			l.setRegistryStatus(registry.StatusBusy)
		default:
			l.setState(StateIdle)
			return
		}
	}

	// Validate + act.
	l.mu.Lock()
	if l.plan == nil || l.cursor >= l.plan.Len() {
		l.mu.Unlock()
		return
	}
	action := l.plan.Actions[l.cursor]
	goalName := l.plan.Goal
	actionCtx, cancel := context.WithCancel(ctx)
	l.actionCancel = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		l.actionCancel = nil
		l.mu.Unlock()
	}()

	if res := schema.ValidateAction(&action); !res.Valid {
		l.record(Outcome{Tick: tick, Goal: goalName, ActionType: action.Type, Success: false,
			Detail: fmt.Sprintf("schema: %v", res.Errors)})
		l.abortPlan()
		return
	}

	caller := policy.Caller{UserID: l.agentID, Role: policy.RoleAutopilot}
	decision := l.host.ExecuteTask(actionCtx, &action, caller)

	outcome := Outcome{
		Tick: tick, Goal: goalName, ActionType: action.Type,
		Success: decision.Result.Success, At: time.Now().UTC(),
	}
	if !decision.Result.Success {
		outcome.Detail = decision.Result.Error
	}
	l.record(outcome)
	l.logExperience(action, goalName, decision.Result)

	if !decision.Result.Success {
		l.logger.Warn("plan aborted",
			zap.String("goal", goalName),
			zap.String("type", string(action.Type)),
			zap.String("error", decision.Result.Error),
		)
		l.abortPlan()
		return
	}

	l.mu.Lock()
	l.cursor++
	finished := l.cursor >= l.plan.Len()
	if finished {
		l.plan = nil
		l.cursor = 0
		l.state = StateIdle
	}
	l.mu.Unlock()
	if finished {
		l.setRegistryStatus(registry.StatusIdle)
		l.logger.Info("plan completed", zap.String("goal", goalName))
	}
}

func (l *Loop) planInProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plan != nil && l.cursor < l.plan.Len()
}

func (l *Loop) abortPlan() {
	l.mu.Lock()
	l.plan = nil
	l.cursor = 0
	l.state = StateIdle
	l.mu.Unlock()
	l.setRegistryStatus(registry.StatusIdle)
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	if l.state != StateStopped {
		l.state = s
	}
	l.mu.Unlock()
}

func (l *Loop) setRegistryStatus(s registry.AgentStatus) {
	if l.reg == nil {
		return
	}
	if err := l.reg.UpdateStatus(l.agentID, s); err != nil {
		l.logger.Debug("status update failed", zap.Error(err))
	}
}

func (l *Loop) record(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	l.mu.Lock()
	l.history = append(l.history, o)
	if overflow := len(l.history) - l.cfg.HistorySize; overflow > 0 {
		l.history = l.history[overflow:]
	}
	l.mu.Unlock()
}

func (l *Loop) logExperience(action protocol.Action, goal string, result protocol.Result) {
	if l.exp == nil {
		return
	}
	reward := 0.0
	if result.Success {
		reward = 1.0
	}
	l.exp.Log(experience.Entry{
		AgentID: l.agentID,
		Action:  action,
		Success: result.Success,
		Reward:  reward,
		Error:   result.Error,
		Goal:    goal,
	})
}
