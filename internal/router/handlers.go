package router

import (
	"context"
	"fmt"
	"math"

	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/protocol"
)

// routes is the closed routing table. Every action type in the catalog has
// exactly one entry; adding an action type without a route is a bug caught
// by the table test.
var routes = map[protocol.ActionType]Route{
	protocol.ActionMoveTo: {
		Group: GroupMovement, RequiresLocation: true, RequiresAgent: true,
		handler: handleMoveTo,
	},
	protocol.ActionNavigate: {
		Group: GroupMovement, RequiresLocation: true, RequiresAgent: true,
		handler: handleNavigate,
	},
	protocol.ActionFollow: {
		Group: GroupMovement, RequiresAgent: true,
		handler: handleFollow,
	},
	protocol.ActionMineBlock: {
		Group: GroupInteraction, DangerousAction: true, RequiresLocation: true, RequiresAgent: true,
		handler: handleMineBlock,
	},
	protocol.ActionPlaceBlock: {
		Group: GroupInteraction, DangerousAction: true, RequiresLocation: true, RequiresAgent: true,
		handler: handlePlaceBlock,
	},
	protocol.ActionInteract: {
		Group: GroupInteraction, RequiresLocation: true, RequiresAgent: true,
		handler: handleInteract,
	},
	protocol.ActionUseItem: {
		Group: GroupInteraction, RequiresAgent: true,
		handler: handleUseItem,
	},
	protocol.ActionLookAt: {
		Group: GroupBasic, RequiresLocation: true, RequiresAgent: true,
		handler: handleLookAt,
	},
	protocol.ActionChat: {
		Group: GroupBasic, RequiresAgent: true,
		handler: handleChat,
	},
	protocol.ActionGetInventory: {
		Group: GroupInventory, RequiresAgent: true,
		handler: handleGetInventory,
	},
	protocol.ActionEquipItem: {
		Group: GroupInventory, RequiresAgent: true,
		handler: handleEquipItem,
	},
	protocol.ActionDropItem: {
		Group: GroupInventory, RequiresAgent: true,
		handler: handleDropItem,
	},
}

func handleMoveTo(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	target, ok := action.TargetPosition()
	if !ok {
		return nil, fmt.Errorf("missing target")
	}
	if err := drv.MoveTo(ctx, action.AgentID, target); err != nil {
		return nil, err
	}
	return map[string]any{"arrived": target}, nil
}

func handleNavigate(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	waypoints := action.Waypoints()
	if len(waypoints) == 0 {
		return nil, fmt.Errorf("missing waypoints")
	}
	if err := drv.NavigateWaypoints(ctx, action.AgentID, waypoints); err != nil {
		return nil, err
	}
	return map[string]any{"visited": len(waypoints)}, nil
}

func handleFollow(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	target, _ := action.Param("target").(map[string]any)
	name, _ := target["entity"].(string)
	if name == "" {
		return nil, fmt.Errorf("missing target entity")
	}
	if err := drv.FollowEntity(ctx, action.AgentID, name); err != nil {
		return nil, err
	}
	return map[string]any{"following": name}, nil
}

func handleMineBlock(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	target, ok := action.TargetPosition()
	if !ok {
		return nil, fmt.Errorf("missing target")
	}
	if err := drv.Dig(ctx, action.AgentID, target); err != nil {
		return nil, err
	}
	return map[string]any{"mined": target}, nil
}

func handlePlaceBlock(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	target, ok := action.TargetPosition()
	if !ok {
		return nil, fmt.Errorf("missing target")
	}
	blockType := action.StringParam("blockType")
	face := action.StringParam("face")
	if face == "" {
		face = "top"
	}
	if err := drv.PlaceBlock(ctx, action.AgentID, target, blockType, face); err != nil {
		return nil, err
	}
	return map[string]any{"placed": blockType, "against": target, "face": face}, nil
}

func handleInteract(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	target, ok := action.TargetPosition()
	if !ok {
		return nil, fmt.Errorf("missing target")
	}
	if err := drv.ActivateBlock(ctx, action.AgentID, target); err != nil {
		return nil, err
	}
	return map[string]any{"activated": target}, nil
}

func handleUseItem(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	itemName := action.StringParam("itemName")
	var target *protocol.Position
	if pos, ok := action.TargetPosition(); ok {
		target = &pos
	}
	if err := drv.ActivateItem(ctx, action.AgentID, itemName, target); err != nil {
		return nil, err
	}
	return map[string]any{"used": itemName}, nil
}

func handleLookAt(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	target, ok := action.TargetPosition()
	if !ok {
		return nil, fmt.Errorf("missing target")
	}
	self, err := drv.SelfState(ctx, action.AgentID)
	if err != nil {
		return nil, err
	}
	yaw, pitch := lookAngles(self.Position, target)
	if err := drv.Look(ctx, action.AgentID, yaw, pitch); err != nil {
		return nil, err
	}
	return map[string]any{"yaw": yaw, "pitch": pitch}, nil
}

func handleChat(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	message := action.StringParam("message")
	if err := drv.Chat(ctx, action.AgentID, message); err != nil {
		return nil, err
	}
	return map[string]any{"sent": len(message)}, nil
}

func handleGetInventory(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	items, err := drv.Inventory(ctx, action.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func handleEquipItem(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	itemName := action.StringParam("itemName")
	slot := 0
	if n, ok := action.NumberParam("slot"); ok {
		slot = int(n)
	}
	if err := drv.Equip(ctx, action.AgentID, itemName, slot); err != nil {
		return nil, err
	}
	return map[string]any{"equipped": itemName, "slot": slot}, nil
}

func handleDropItem(ctx context.Context, drv driver.Driver, action *protocol.Action) (any, error) {
	slot := 0
	if n, ok := action.NumberParam("slot"); ok {
		slot = int(n)
	}
	count := 1
	if n, ok := action.NumberParam("count"); ok {
		count = int(n)
	}
	if err := drv.Drop(ctx, action.AgentID, slot, count); err != nil {
		return nil, err
	}
	return map[string]any{"dropped": count, "slot": slot}, nil
}

// lookAngles converts a self → target vector into yaw/pitch degrees.
func lookAngles(from, to protocol.Position) (yaw, pitch float64) {
	dx := to.X - from.X
	dy := to.Y - from.Y
	dz := to.Z - from.Z
	yaw = math.Atan2(-dx, dz) * 180 / math.Pi
	horizontal := math.Sqrt(dx*dx + dz*dz)
	pitch = -math.Atan2(dy, horizontal) * 180 / math.Pi
	return yaw, pitch
}
