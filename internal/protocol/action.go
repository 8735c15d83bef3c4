// Package protocol defines the shared types exchanged between the control
// plane and the game-client drivers. Every component imports this package;
// cross-component references are by id only.
package protocol

import (
	"fmt"
	"math"
	"time"
)

// ActionType identifies an atomic, schema-validated operation on the world.
type ActionType string

const (
	ActionMoveTo       ActionType = "move_to"
	ActionNavigate     ActionType = "navigate"
	ActionFollow       ActionType = "follow"
	ActionMineBlock    ActionType = "mine_block"
	ActionPlaceBlock   ActionType = "place_block"
	ActionInteract     ActionType = "interact"
	ActionUseItem      ActionType = "use_item"
	ActionLookAt       ActionType = "look_at"
	ActionChat         ActionType = "chat"
	ActionGetInventory ActionType = "get_inventory"
	ActionEquipItem    ActionType = "equip_item"
	ActionDropItem     ActionType = "drop_item"
)

// ActionTypes lists every known action type. The set is closed: the schema
// table, the routing table and the policy allow-lists are all keyed by it.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionMoveTo, ActionNavigate, ActionFollow,
		ActionMineBlock, ActionPlaceBlock, ActionInteract,
		ActionUseItem, ActionLookAt, ActionChat,
		ActionGetInventory, ActionEquipItem, ActionDropItem,
	}
}

// Position is a point in world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the Euclidean distance to other.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (p Position) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// Action is one atomic operation addressed to a single agent. Parameters are
// a bag of fields validated against the declarative schema for Type before
// the action may reach a driver.
type Action struct {
	ID        string         `json:"id"`
	Type      ActionType     `json:"type"`
	AgentID   string         `json:"agent_id"`
	Params    map[string]any `json:"params,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	Role      string         `json:"role,omitempty"`
	Approved  bool           `json:"approved,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Param returns a named parameter, or nil if absent.
func (a *Action) Param(key string) any {
	if a.Params == nil {
		return nil
	}
	return a.Params[key]
}

// StringParam returns a string parameter, or "" if absent or not a string.
func (a *Action) StringParam(key string) string {
	s, _ := a.Param(key).(string)
	return s
}

// NumberParam returns a numeric parameter. JSON decoding produces float64;
// int is accepted for actions built in-process.
func (a *Action) NumberParam(key string) (float64, bool) {
	switch v := a.Param(key).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// TargetPosition decodes the "target" parameter as a Position.
func (a *Action) TargetPosition() (Position, bool) {
	return decodePosition(a.Param("target"))
}

// Waypoints decodes the "waypoints" parameter for navigate actions.
func (a *Action) Waypoints() []Position {
	raw, ok := a.Param("waypoints").([]any)
	if !ok {
		return nil
	}
	out := make([]Position, 0, len(raw))
	for _, w := range raw {
		if p, ok := decodePosition(w); ok {
			out = append(out, p)
		}
	}
	return out
}

func decodePosition(v any) (Position, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Position{}, false
	}
	num := func(key string) (float64, bool) {
		switch n := m[key].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
		return 0, false
	}
	x, okX := num("x")
	y, okY := num("y")
	z, okZ := num("z")
	if !okX || !okY || !okZ {
		return Position{}, false
	}
	return Position{X: x, Y: y, Z: z}, true
}

// PositionParam encodes a Position as an action parameter value.
func PositionParam(p Position) map[string]any {
	return map[string]any{"x": p.X, "y": p.Y, "z": p.Z}
}

// Priority orders goals in an agent's queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Goal is a named intent resolved to a Plan via a planner template.
type Goal struct {
	Name     string         `json:"name"`
	Context  map[string]any `json:"context,omitempty"`
	Priority Priority       `json:"priority"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Plan is an ordered, finite sequence of actions targeting one goal.
type Plan struct {
	Goal      string    `json:"goal"`
	AgentID   string    `json:"agent_id"`
	Actions   []Action  `json:"actions"`
	Truncated bool      `json:"truncated,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Len returns the number of actions in the plan.
func (p *Plan) Len() int { return len(p.Actions) }

// Result is the discriminated outcome envelope every public operation
// returns to callers. Data is operation-specific.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful result.
func OK(data any) Result { return Result{Success: true, Data: data} }

// Fail wraps an error message in a failed result.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
