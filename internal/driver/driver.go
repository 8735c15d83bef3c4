// Package driver defines the contract between the control plane and a
// game-client implementation. The control plane treats the game client as
// an opaque capability provider: it calls primitives and consumes the event
// stream, nothing else. Implementations live in subpackages (wsdriver for
// the remote gateway, simdriver for the in-process simulated world).
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/blockforge/swarmd/internal/protocol"
)

// DefaultTimeout bounds every primitive call that does not carry its own
// deadline. Expiration yields ErrTimeout, never a hang.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned for primitives on unconnected agents.
	ErrNotConnected = errors.New("agent not connected")
	// ErrTimeout is returned when a primitive exceeds its deadline.
	ErrTimeout = errors.New("driver call timed out")
	// ErrUnsupported is returned by drivers lacking an optional primitive.
	ErrUnsupported = errors.New("primitive not supported")
)

// Credentials authenticate one agent against the world server.
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// BiomeInfo describes the terrain and weather around an agent.
type BiomeInfo struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature,omitempty"`
	Raining     bool    `json:"raining"`
	DayTime     int     `json:"day_time,omitempty"`
}

// EntityFilter selects entities in NearestEntity queries. A nil filter
// matches everything.
type EntityFilter func(protocol.Entity) bool

// Driver is the set of primitives the control plane may invoke. Every call
// honors ctx cancellation and times out internally after DefaultTimeout.
type Driver interface {
	// Lifecycle
	Connect(ctx context.Context, agentID string, creds Credentials) error
	Disconnect(ctx context.Context, agentID, reason string) error
	Connected(agentID string) bool

	// Movement
	MoveTo(ctx context.Context, agentID string, target protocol.Position) error
	NavigateWaypoints(ctx context.Context, agentID string, waypoints []protocol.Position) error
	FollowEntity(ctx context.Context, agentID, entityName string) error
	Look(ctx context.Context, agentID string, yaw, pitch float64) error
	StopMoving(ctx context.Context, agentID string) error

	// World interaction
	Dig(ctx context.Context, agentID string, target protocol.Position) error
	PlaceBlock(ctx context.Context, agentID string, against protocol.Position, blockType, face string) error
	ActivateBlock(ctx context.Context, agentID string, target protocol.Position) error
	ActivateItem(ctx context.Context, agentID, itemName string, target *protocol.Position) error

	// Inventory
	Equip(ctx context.Context, agentID, itemName string, slot int) error
	Drop(ctx context.Context, agentID string, slot, count int) error
	Inventory(ctx context.Context, agentID string) ([]protocol.InventoryItem, error)

	// Chat
	Chat(ctx context.Context, agentID, message string) error

	// Observation
	SelfState(ctx context.Context, agentID string) (protocol.SelfState, error)
	BlockAt(ctx context.Context, agentID string, pos protocol.Position) (protocol.Block, error)
	ScanBlocks(ctx context.Context, agentID string, radius int) ([]protocol.Block, error)
	NearbyEntities(ctx context.Context, agentID string, radius float64) ([]protocol.Entity, error)
	NearestEntity(ctx context.Context, agentID string, filter EntityFilter) (protocol.Entity, bool, error)
	Biome(ctx context.Context, agentID string) (BiomeInfo, error)

	// Events returns the fan-out hub carrying the driver's event stream.
	Events() *Hub
}
