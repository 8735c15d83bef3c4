package simdriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/protocol"
)

func newConnectedSim(t *testing.T) (*Sim, context.Context) {
	t.Helper()
	s := New(zap.NewNop())
	ctx := context.Background()
	if err := s.Connect(ctx, "bot-1", driver.Credentials{Username: "bot-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, ctx
}

func TestConnectEmitsSpawn(t *testing.T) {
	s := New(zap.NewNop())
	events, cancel := s.Events().Subscribe()
	defer cancel()

	if err := s.Connect(context.Background(), "bot-1", driver.Credentials{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != protocol.EventSpawn || ev.AgentID != "bot-1" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no spawn event")
	}

	if err := s.Connect(context.Background(), "bot-1", driver.Credentials{}); err == nil {
		t.Fatal("double connect should fail")
	}
}

func TestPrimitivesRequireConnection(t *testing.T) {
	s := New(zap.NewNop())
	err := s.MoveTo(context.Background(), "ghost", protocol.Position{X: 1, Y: 64, Z: 1})
	if !errors.Is(err, driver.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestMoveAndSelfState(t *testing.T) {
	s, ctx := newConnectedSim(t)

	target := protocol.Position{X: 10, Y: 64, Z: -5}
	if err := s.MoveTo(ctx, "bot-1", target); err != nil {
		t.Fatalf("move: %v", err)
	}

	state, err := s.SelfState(ctx, "bot-1")
	if err != nil {
		t.Fatalf("self state: %v", err)
	}
	if state.Position != target {
		t.Errorf("position %v, want %v", state.Position, target)
	}
	if state.Health != 20 {
		t.Errorf("expected full health, got %d", state.Health)
	}
}

func TestDigCollectsBlock(t *testing.T) {
	s, ctx := newConnectedSim(t)
	pos := protocol.Position{X: 2, Y: 64, Z: 0}
	s.SetBlock(pos, "coal_ore", true)

	if err := s.Dig(ctx, "bot-1", pos); err != nil {
		t.Fatalf("dig: %v", err)
	}
	if _, err := s.BlockAt(ctx, "bot-1", pos); err == nil {
		t.Fatal("block should be gone after dig")
	}

	items, err := s.Inventory(ctx, "bot-1")
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if len(items) != 1 || items[0].Name != "coal_ore" || items[0].Count != 1 {
		t.Errorf("unexpected inventory %+v", items)
	}

	// Digging air fails.
	if err := s.Dig(ctx, "bot-1", protocol.Position{X: 9, Y: 9, Z: 9}); err == nil {
		t.Fatal("digging air should fail")
	}
}

func TestDigUndiggableBlock(t *testing.T) {
	s, ctx := newConnectedSim(t)
	pos := protocol.Position{X: 0, Y: -64, Z: 0}
	s.SetBlock(pos, "bedrock", false)

	if err := s.Dig(ctx, "bot-1", pos); err == nil {
		t.Fatal("bedrock should not be diggable")
	}
}

func TestPlaceBlockFaces(t *testing.T) {
	s, ctx := newConnectedSim(t)
	against := protocol.Position{X: 0, Y: 63, Z: 0}
	s.SetBlock(against, "stone", true)
	s.GiveItem("bot-1", "dirt", 4)

	if err := s.PlaceBlock(ctx, "bot-1", against, "dirt", "top"); err != nil {
		t.Fatalf("place: %v", err)
	}
	block, err := s.BlockAt(ctx, "bot-1", protocol.Position{X: 0, Y: 64, Z: 0})
	if err != nil || block.Name != "dirt" {
		t.Fatalf("expected dirt above, got %+v (%v)", block, err)
	}

	// Same spot again is occupied.
	if err := s.PlaceBlock(ctx, "bot-1", against, "dirt", "top"); err == nil {
		t.Fatal("placing into occupied position should fail")
	}
}

func TestScanBlocksSortedByDistance(t *testing.T) {
	s, ctx := newConnectedSim(t)
	s.SetBlock(protocol.Position{X: 8, Y: 64, Z: 0}, "iron_ore", true)
	s.SetBlock(protocol.Position{X: 2, Y: 64, Z: 0}, "coal_ore", true)
	s.SetBlock(protocol.Position{X: 100, Y: 64, Z: 0}, "gold_ore", true)

	blocks, err := s.ScanBlocks(ctx, "bot-1", 16)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks in radius, got %d", len(blocks))
	}
	if blocks[0].Name != "coal_ore" {
		t.Errorf("expected nearest first, got %s", blocks[0].Name)
	}
}

func TestNearbyAndNearestEntity(t *testing.T) {
	s, ctx := newConnectedSim(t)
	s.AddEntity(protocol.Entity{ID: "z1", Name: "zombie", Kind: protocol.EntityHostile, Position: protocol.Position{X: 5, Y: 64, Z: 0}})
	s.AddEntity(protocol.Entity{ID: "c1", Name: "cow", Kind: protocol.EntityPassive, Position: protocol.Position{X: 2, Y: 64, Z: 0}})

	entities, err := s.NearbyEntities(ctx, "bot-1", 10)
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if len(entities) != 2 || entities[0].Name != "cow" {
		t.Fatalf("unexpected entities %+v", entities)
	}

	hostile, ok, err := s.NearestEntity(ctx, "bot-1", func(e protocol.Entity) bool {
		return e.Kind == protocol.EntityHostile
	})
	if err != nil || !ok || hostile.Name != "zombie" {
		t.Fatalf("expected zombie, got %+v ok=%v err=%v", hostile, ok, err)
	}
}

func TestFailNextInjection(t *testing.T) {
	s, ctx := newConnectedSim(t)
	injected := errors.New("pickaxe broke")
	s.FailNext("bot-1", "dig", injected)

	pos := protocol.Position{X: 1, Y: 64, Z: 1}
	s.SetBlock(pos, "stone", true)

	if err := s.Dig(ctx, "bot-1", pos); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	// Failure is one-shot.
	if err := s.Dig(ctx, "bot-1", pos); err != nil {
		t.Fatalf("second dig should succeed: %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	s, _ := newConnectedSim(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.MoveTo(ctx, "bot-1", protocol.Position{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	s, ctx := newConnectedSim(t)
	if err := s.Disconnect(ctx, "bot-1", "shutdown"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := s.Disconnect(ctx, "bot-1", "shutdown"); err != nil {
		t.Fatalf("second disconnect should be a no-op: %v", err)
	}
	if s.Connected("bot-1") {
		t.Fatal("agent should be disconnected")
	}
}
