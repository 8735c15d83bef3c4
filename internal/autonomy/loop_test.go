package autonomy

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/admission"
	"github.com/blockforge/swarmd/internal/approval"
	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/driver/simdriver"
	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/planner"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/router"
)

type fixture struct {
	sim  *simdriver.Sim
	obs  *observer.Observer
	reg  *registry.Registry
	exp  *experience.Buffer
	loop *Loop
}

func newFixture(t *testing.T, agentID string) *fixture {
	t.Helper()
	sim := simdriver.New(zap.NewNop())
	sim.SetSpawn(protocol.Position{X: 0, Y: 64, Z: 0})
	obs := observer.New(sim, observer.Config{}, zap.NewNop())
	reg := registry.New(zap.NewNop())
	eng := policy.NewEngine(policy.DefaultConfig(), zap.NewNop())
	rt := router.New(sim, reg, eng, eng, nil, router.DefaultConfig(), zap.NewNop())
	queue := approval.NewQueue(time.Minute, 0, zap.NewNop())
	host := admission.New(eng, rt, queue, zap.NewNop())
	pl := planner.New(obs, reg, planner.DefaultConfig(), zap.NewNop())
	exp := experience.New(100, nil)

	cfg := DefaultConfig()
	cfg.LoopInterval = 10 * time.Millisecond
	cfg.StaleThreshold = time.Hour

	return &fixture{
		sim:  sim,
		obs:  obs,
		reg:  reg,
		exp:  exp,
		loop: NewLoop(agentID, obs, pl, host, exp, reg, cfg, zap.NewNop()),
	}
}

func (f *fixture) spawn(t *testing.T, agentID string) {
	t.Helper()
	if err := f.sim.Connect(context.Background(), agentID, driver.Credentials{Host: "sim"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := f.reg.Register(agentID, registry.RoleGeneralist, []string{"mining"}, "op"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.obs.Scan(context.Background(), agentID); err != nil {
		t.Fatalf("scan: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMineCoalEndToEnd(t *testing.T) {
	f := newFixture(t, "bot-1")
	f.sim.SetBlock(protocol.Position{X: 10, Y: 64, Z: 0}, "coal_ore", true)
	f.spawn(t, "bot-1")

	f.loop.Start(context.Background())
	defer f.loop.Stop()

	if err := f.loop.QueueGoal(protocol.Goal{Name: "mine_coal", Priority: protocol.PriorityNormal}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	waitFor(t, "plan completion", func() bool {
		h := f.loop.History(0)
		return len(h) >= 2 && h[len(h)-1].Success
	})

	history := f.loop.History(0)
	if history[0].ActionType != protocol.ActionMoveTo || history[1].ActionType != protocol.ActionMineBlock {
		t.Errorf("history shape wrong: %+v", history)
	}
	for _, o := range history {
		if !o.Success {
			t.Errorf("unexpected failure: %+v", o)
		}
	}

	if n := f.exp.Summarize("bot-1", 0).Count; n != 2 {
		t.Errorf("experience entries = %d, want 2", n)
	}

	waitFor(t, "idle state", func() bool { return f.loop.State() == StateIdle })
	agent, _ := f.reg.Get("bot-1")
	if agent.Status != registry.StatusIdle {
		t.Errorf("registry status = %s, want idle", agent.Status)
	}

	// The coal actually got mined.
	items, err := f.sim.Inventory(context.Background(), "bot-1")
	if err != nil || len(items) != 1 || items[0].Name != "coal_ore" {
		t.Errorf("inventory = %+v, err = %v", items, err)
	}
}

func TestDriverFailureAbortsPlan(t *testing.T) {
	f := newFixture(t, "bot-1")
	f.sim.SetBlock(protocol.Position{X: 10, Y: 64, Z: 0}, "coal_ore", true)
	f.spawn(t, "bot-1")
	f.sim.FailNext("bot-1", "dig", errors.New("pickaxe broke"))

	f.loop.Start(context.Background())
	defer f.loop.Stop()

	if err := f.loop.QueueGoal(protocol.Goal{Name: "mine_coal"}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	waitFor(t, "aborted plan", func() bool {
		h := f.loop.History(0)
		return len(h) >= 2 && !h[len(h)-1].Success
	})

	history := f.loop.History(0)
	last := history[len(history)-1]
	if last.ActionType != protocol.ActionMineBlock || last.Detail == "" {
		t.Errorf("failure outcome wrong: %+v", last)
	}

	waitFor(t, "idle after abort", func() bool { return f.loop.State() == StateIdle })
}

func TestStaleSnapshotSkipsTick(t *testing.T) {
	f := newFixture(t, "bot-1")
	f.spawn(t, "bot-1")
	// Shrink the threshold so the one scan we did goes stale immediately.
	f.loop.cfg.StaleThreshold = time.Nanosecond

	f.loop.Start(context.Background())
	defer f.loop.Stop()

	waitFor(t, "skip outcome", func() bool {
		h := f.loop.History(0)
		return len(h) > 0 && h[0].Detail != "" && !h[0].Success
	})
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, "bot-1")
	f.sim.SetBlock(protocol.Position{X: 10, Y: 64, Z: 0}, "coal_ore", true)
	f.spawn(t, "bot-1")

	f.loop.Start(context.Background())
	defer f.loop.Stop()

	f.loop.Pause()
	if err := f.loop.QueueGoal(protocol.Goal{Name: "mine_coal"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(f.loop.History(0)); got != 0 {
		t.Fatalf("paused loop ran %d ticks", got)
	}

	f.loop.Resume()
	waitFor(t, "work after resume", func() bool { return len(f.loop.History(0)) > 0 })
}

func TestStopTerminatesAndRejectsGoals(t *testing.T) {
	f := newFixture(t, "bot-1")
	f.spawn(t, "bot-1")

	f.loop.Start(context.Background())
	f.loop.Stop()
	f.loop.Stop() // idempotent

	if f.loop.State() != StateStopped {
		t.Errorf("state = %s, want stopped", f.loop.State())
	}
	if err := f.loop.QueueGoal(protocol.Goal{Name: "idle"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestGoalQueueBounded(t *testing.T) {
	f := newFixture(t, "bot-1")
	loop := NewLoop("bot-1", f.obs, nil, nil, nil, nil, Config{
		LoopInterval: time.Hour, GoalQueueSize: 1, HistorySize: 10, StaleThreshold: time.Hour,
	}, zap.NewNop())

	if err := loop.QueueGoal(protocol.Goal{Name: "idle"}); err != nil {
		t.Fatalf("first goal: %v", err)
	}
	if err := loop.QueueGoal(protocol.Goal{Name: "idle"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	f := newFixture(t, "bot-1")
	f.loop.cfg.HistorySize = 3
	for i := 0; i < 10; i++ {
		f.loop.record(Outcome{Tick: int64(i)})
	}
	h := f.loop.History(0)
	if len(h) != 3 || h[0].Tick != 7 || h[2].Tick != 9 {
		t.Fatalf("history = %+v", h)
	}
	if got := f.loop.History(2); len(got) != 2 || got[1].Tick != 9 {
		t.Fatalf("tail = %+v", got)
	}
}
