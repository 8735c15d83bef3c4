package wsdriver

import (
	"encoding/json"
	"time"

	"github.com/blockforge/swarmd/internal/protocol"
)

// frameType discriminates messages on the gateway wire.
type frameType string

const (
	frameRequest  frameType = "request"
	frameResponse frameType = "response"
	frameEvent    frameType = "event"
)

// frame is the envelope for every message exchanged with the game gateway.
// One WebSocket connection multiplexes all agents; requests are correlated
// to responses by ID.
type frame struct {
	ID        string          `json:"id,omitempty"`
	Type      frameType       `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     *protocol.Event `json:"event,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Gateway operation names. These mirror the primitive surface of the driver
// contract one to one.
const (
	opConnect        = "connect"
	opDisconnect     = "disconnect"
	opMoveTo         = "move_to"
	opNavigate       = "navigate"
	opFollow         = "follow"
	opLook           = "look"
	opStop           = "stop"
	opDig            = "dig"
	opPlaceBlock     = "place_block"
	opActivateBlock  = "activate_block"
	opActivateItem   = "activate_item"
	opEquip          = "equip"
	opDrop           = "drop"
	opInventory      = "inventory"
	opChat           = "chat"
	opSelfState      = "self_state"
	opBlockAt        = "block_at"
	opScanBlocks     = "scan_blocks"
	opNearbyEntities = "nearby_entities"
	opBiome          = "biome"
)
