package planner

import (
	"fmt"
	"strings"

	"github.com/blockforge/swarmd/internal/observer"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/registry"
	"github.com/blockforge/swarmd/internal/schema"
)

// Input is what a template sees when it runs. The snapshot is the agent's
// latest world view and is never nil; Context carries goal parameters.
type Input struct {
	AgentID  string
	Snapshot *observer.Snapshot
	Registry *registry.Registry
	Context  map[string]any
}

// step is an action without identity; the planner stamps IDs and timestamps.
type step struct {
	Type   protocol.ActionType
	Params map[string]any
}

// Template turns a world snapshot into an ordered action sequence. Templates
// are deterministic: the same snapshot and context produce the same steps.
type Template func(in Input) ([]step, []string)

// templates is the closed goal registry. Unknown names are rejected before
// any template runs.
var templates = map[string]Template{
	"mine_coal":    mineCoal,
	"gather_wood":  gatherWood,
	"explore_area": exploreArea,
	"find_mobs":    findMobs,
	"find_shelter": findShelter,
	"idle":         idle,
}

// GoalNames lists the supported goal names.
func GoalNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	return names
}

func mineCoal(in Input) ([]step, []string) {
	return mineNearest(in, func(b protocol.Block) bool { return b.Name == "coal_ore" }, "coal_ore")
}

func gatherWood(in Input) ([]step, []string) {
	return mineNearest(in, func(b protocol.Block) bool { return strings.HasSuffix(b.Name, "_log") }, "log")
}

// mineNearest walks to the closest matching block and digs it. Snapshots
// keep blocks distance-sorted, so the first match is the nearest one.
func mineNearest(in Input, match func(protocol.Block) bool, what string) ([]step, []string) {
	for _, b := range in.Snapshot.Blocks {
		if !match(b) || !b.Diggable {
			continue
		}
		return []step{
			{Type: protocol.ActionMoveTo, Params: map[string]any{
				"target": protocol.PositionParam(b.Position),
			}},
			{Type: protocol.ActionMineBlock, Params: map[string]any{
				"target":    protocol.PositionParam(b.Position),
				"blockType": b.Name,
			}},
		}, nil
	}
	steps, warnings := exploreArea(in)
	return steps, append(warnings, fmt.Sprintf("no %s in scan range, exploring instead", what))
}

// exploreArea emits a square spiral of waypoints around the agent. The
// radius comes from context (default 16 blocks).
func exploreArea(in Input) ([]step, []string) {
	radius := 16.0
	if r, ok := numberCtx(in.Context, "radius"); ok && r > 0 {
		radius = r
	}

	self := in.Snapshot.Self.Position
	waypoints := spiral(self, radius, 8)
	encoded := make([]any, len(waypoints))
	for i, p := range waypoints {
		encoded[i] = protocol.PositionParam(p)
	}

	return []step{
		{Type: protocol.ActionNavigate, Params: map[string]any{"waypoints": encoded}},
	}, nil
}

// findMobs follows the nearest living entity, preferring hostiles.
func findMobs(in Input) ([]step, []string) {
	var target *protocol.Entity
	for i := range in.Snapshot.Entities {
		e := &in.Snapshot.Entities[i]
		if e.Kind != protocol.EntityHostile && e.Kind != protocol.EntityPassive {
			continue
		}
		if target == nil || (e.Kind == protocol.EntityHostile && target.Kind != protocol.EntityHostile) {
			target = e
		}
	}
	if target == nil {
		steps, warnings := exploreArea(in)
		return steps, append(warnings, "no mobs in scan range, exploring instead")
	}
	return []step{
		{Type: protocol.ActionMoveTo, Params: map[string]any{
			"target": protocol.PositionParam(target.Position),
		}},
		{Type: protocol.ActionFollow, Params: map[string]any{
			"target": map[string]any{"entity": target.Name},
		}},
	}, nil
}

// findShelter retreats away from the nearest hostile and watches it. With no
// hostile around, the agent just holds position and looks at its feet level.
func findShelter(in Input) ([]step, []string) {
	self := in.Snapshot.Self.Position

	var hostile *protocol.Entity
	for i := range in.Snapshot.Entities {
		e := &in.Snapshot.Entities[i]
		if e.Kind == protocol.EntityHostile {
			hostile = e
			break
		}
	}
	if hostile == nil {
		return []step{
			{Type: protocol.ActionLookAt, Params: map[string]any{
				"target": protocol.PositionParam(self),
			}},
		}, []string{"no hostiles nearby, holding position"}
	}

	// Step directly away from the threat, 12 blocks at the same height.
	// Near the map edge the offset is clamped so the target stays valid.
	dx := self.X - hostile.Position.X
	dz := self.Z - hostile.Position.Z
	norm := maxf(1, absf(dx)+absf(dz))
	retreat := protocol.Position{
		X: clampXZ(self.X + 12*dx/norm),
		Y: self.Y,
		Z: clampXZ(self.Z + 12*dz/norm),
	}

	return []step{
		{Type: protocol.ActionMoveTo, Params: map[string]any{
			"target": protocol.PositionParam(retreat),
		}},
		{Type: protocol.ActionLookAt, Params: map[string]any{
			"target": protocol.PositionParam(hostile.Position),
		}},
	}, nil
}

// idle keeps the agent visibly alive without touching the world.
func idle(in Input) ([]step, []string) {
	self := in.Snapshot.Self.Position
	return []step{
		{Type: protocol.ActionLookAt, Params: map[string]any{
			"target": protocol.PositionParam(protocol.Position{X: self.X + 1, Y: self.Y, Z: self.Z}),
		}},
	}, nil
}

// spiral produces count waypoints on an outward square spiral from center,
// clamped to the navigate waypoint limit by the caller's count.
func spiral(center protocol.Position, radius float64, count int) []protocol.Position {
	offsets := [][2]float64{
		{1, 0}, {1, 1}, {0, 1}, {-1, 1},
		{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
	}
	out := make([]protocol.Position, 0, count)
	for i := 0; i < count; i++ {
		o := offsets[i%len(offsets)]
		scale := radius * float64(i/len(offsets)+1) / float64(count/len(offsets)+1)
		out = append(out, protocol.Position{
			X: center.X + o[0]*scale,
			Y: center.Y,
			Z: center.Z + o[1]*scale,
		})
	}
	return out
}

func numberCtx(ctx map[string]any, key string) (float64, bool) {
	switch v := ctx[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func clampXZ(v float64) float64 {
	if v < schema.WorldMinXZ {
		return schema.WorldMinXZ
	}
	if v > schema.WorldMaxXZ {
		return schema.WorldMaxXZ
	}
	return v
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
