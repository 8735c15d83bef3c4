package protocol

import "time"

// EventType identifies the kind of event emitted by a game-client driver.
type EventType string

const (
	// Driver → control plane
	EventSpawn  EventType = "spawn"
	EventMove   EventType = "move"
	EventHealth EventType = "health"
	EventChat   EventType = "chat"
	EventError  EventType = "error"
	EventEnd    EventType = "end"
)

// Event is the envelope for every driver event. Only the fields relevant to
// Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`

	// move / spawn
	Position *Position `json:"position,omitempty"`

	// health
	Health int `json:"health,omitempty"`
	Food   int `json:"food,omitempty"`

	// chat
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`

	// error / end
	Reason string `json:"reason,omitempty"`
}

// EntityKind classifies entities seen in world scans.
type EntityKind string

const (
	EntityPlayer  EntityKind = "player"
	EntityHostile EntityKind = "hostile"
	EntityPassive EntityKind = "passive"
	EntityItem    EntityKind = "item"
)

// Entity is one entity observed near an agent.
type Entity struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Kind     EntityKind `json:"kind"`
	Position Position   `json:"position"`
	Distance float64    `json:"distance"`
	Health   int        `json:"health,omitempty"`
	Yaw      float64    `json:"yaw,omitempty"`
	Pitch    float64    `json:"pitch,omitempty"`
}

// Block is one non-air block observed near an agent.
type Block struct {
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Distance float64  `json:"distance"`
	Hardness float64  `json:"hardness,omitempty"`
	Material string   `json:"material,omitempty"`
	Diggable bool     `json:"diggable"`
}

// InventoryItem is one stack in an agent's inventory.
type InventoryItem struct {
	Slot  int    `json:"slot"`
	Name  string `json:"name"`
	Count int    `json:"count"`
	Meta  int    `json:"meta,omitempty"`
}

// SelfState is an agent's own view of itself, reported by the driver.
type SelfState struct {
	Position  Position `json:"position"`
	Health    int      `json:"health"`
	Food      int      `json:"food"`
	MaxHealth int      `json:"max_health"`
	Yaw       float64  `json:"yaw"`
	Pitch     float64  `json:"pitch"`
}
