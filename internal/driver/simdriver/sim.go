// Package simdriver implements the driver contract over an in-memory voxel
// world. Movement is instantaneous and physics-free; digging and placing
// mutate the shared world and the agent inventory. It backs every
// integration-style test and `swarmd --sim` local runs.
package simdriver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/protocol"
)

type blockKey struct{ x, y, z int }

func keyFor(p protocol.Position) blockKey {
	return blockKey{int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z))}
}

func (k blockKey) center() protocol.Position {
	return protocol.Position{X: float64(k.x), Y: float64(k.y), Z: float64(k.z)}
}

type session struct {
	pos       protocol.Position
	health    int
	food      int
	yaw       float64
	pitch     float64
	inventory map[string]*protocol.InventoryItem // name → stack
	nextSlot  int
}

// Sim is a simulated world shared by all connected agents.
type Sim struct {
	mu       sync.Mutex
	blocks   map[blockKey]protocol.Block
	entities map[string]protocol.Entity
	sessions map[string]*session
	biome    driver.BiomeInfo
	spawn    protocol.Position

	// failNext maps agentID|op → error, consumed on the next matching call.
	failNext map[string]error

	hub    *driver.Hub
	logger *zap.Logger
}

// New creates an empty simulated world.
func New(logger *zap.Logger) *Sim {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sim{
		blocks:   make(map[blockKey]protocol.Block),
		entities: make(map[string]protocol.Entity),
		sessions: make(map[string]*session),
		biome:    driver.BiomeInfo{Name: "plains", Temperature: 0.8},
		spawn:    protocol.Position{X: 0, Y: 64, Z: 0},
		failNext: make(map[string]error),
		hub:      driver.NewHub(logger),
		logger:   logger,
	}
}

var _ driver.Driver = (*Sim)(nil)

// --- world construction (test/dev seeding) ---

// SetBlock places a block in the world.
func (s *Sim) SetBlock(pos protocol.Position, name string, diggable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyFor(pos)
	s.blocks[k] = protocol.Block{
		Name:     name,
		Position: k.center(),
		Hardness: 1.5,
		Material: "rock",
		Diggable: diggable,
	}
}

// ClearBlock removes a block from the world.
func (s *Sim) ClearBlock(pos protocol.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, keyFor(pos))
}

// AddEntity places an entity in the world.
func (s *Sim) AddEntity(e protocol.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
}

// RemoveEntity deletes an entity.
func (s *Sim) RemoveEntity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
}

// SetSpawn sets where newly connected agents appear.
func (s *Sim) SetSpawn(pos protocol.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawn = pos
}

// SetBiome overrides the world biome.
func (s *Sim) SetBiome(b driver.BiomeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.biome = b
}

// FailNext arranges for the next call of op for agentID to fail with err.
// Used by tests to exercise the failure policy.
func (s *Sim) FailNext(agentID, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[agentID+"|"+op] = err
}

// SetHealth overrides an agent's vitals and emits a health event.
func (s *Sim) SetHealth(agentID string, health, food int) {
	s.mu.Lock()
	sess, ok := s.sessions[agentID]
	if ok {
		sess.health = health
		sess.food = food
	}
	s.mu.Unlock()
	if ok {
		s.hub.Publish(protocol.Event{
			Type: protocol.EventHealth, AgentID: agentID,
			Timestamp: time.Now().UTC(), Health: health, Food: food,
		})
	}
}

// --- lifecycle ---

func (s *Sim) Connect(ctx context.Context, agentID string, creds driver.Credentials) error {
	if err := s.gate(ctx, agentID, "connect", false); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.sessions[agentID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("agent %s already connected", agentID)
	}
	pos := s.spawn
	s.sessions[agentID] = &session{
		pos:       pos,
		health:    20,
		food:      20,
		inventory: make(map[string]*protocol.InventoryItem),
	}
	s.mu.Unlock()

	s.logger.Info("sim agent connected", zap.String("agent", agentID))
	now := time.Now().UTC()
	s.hub.Publish(protocol.Event{Type: protocol.EventSpawn, AgentID: agentID, Timestamp: now, Position: &pos})
	return nil
}

func (s *Sim) Disconnect(ctx context.Context, agentID, reason string) error {
	s.mu.Lock()
	_, ok := s.sessions[agentID]
	delete(s.sessions, agentID)
	s.mu.Unlock()

	if !ok {
		return nil // disconnect is idempotent
	}
	s.logger.Info("sim agent disconnected",
		zap.String("agent", agentID),
		zap.String("reason", reason),
	)
	s.hub.Publish(protocol.Event{
		Type: protocol.EventEnd, AgentID: agentID,
		Timestamp: time.Now().UTC(), Reason: reason,
	})
	return nil
}

func (s *Sim) Connected(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[agentID]
	return ok
}

// --- movement ---

func (s *Sim) MoveTo(ctx context.Context, agentID string, target protocol.Position) error {
	if err := s.gate(ctx, agentID, "move_to", true); err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.sessions[agentID]
	sess.pos = target
	s.mu.Unlock()

	s.hub.Publish(protocol.Event{
		Type: protocol.EventMove, AgentID: agentID,
		Timestamp: time.Now().UTC(), Position: &target,
	})
	return nil
}

func (s *Sim) NavigateWaypoints(ctx context.Context, agentID string, waypoints []protocol.Position) error {
	if err := s.gate(ctx, agentID, "navigate", true); err != nil {
		return err
	}
	for _, wp := range waypoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.MoveTo(ctx, agentID, wp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sim) FollowEntity(ctx context.Context, agentID, entityName string) error {
	if err := s.gate(ctx, agentID, "follow", true); err != nil {
		return err
	}

	s.mu.Lock()
	var target *protocol.Entity
	for _, e := range s.entities {
		if e.Name == entityName {
			ent := e
			target = &ent
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("entity %q not found", entityName)
	}
	s.sessions[agentID].pos = target.Position
	pos := target.Position
	s.mu.Unlock()

	s.hub.Publish(protocol.Event{
		Type: protocol.EventMove, AgentID: agentID,
		Timestamp: time.Now().UTC(), Position: &pos,
	})
	return nil
}

func (s *Sim) Look(ctx context.Context, agentID string, yaw, pitch float64) error {
	if err := s.gate(ctx, agentID, "look", true); err != nil {
		return err
	}
	s.mu.Lock()
	sess := s.sessions[agentID]
	sess.yaw, sess.pitch = yaw, pitch
	s.mu.Unlock()
	return nil
}

func (s *Sim) StopMoving(ctx context.Context, agentID string) error {
	return s.gate(ctx, agentID, "stop", true)
}

// --- world interaction ---

func (s *Sim) Dig(ctx context.Context, agentID string, target protocol.Position) error {
	if err := s.gate(ctx, agentID, "dig", true); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(target)
	block, ok := s.blocks[k]
	if !ok {
		return fmt.Errorf("no block at %s", target)
	}
	if !block.Diggable {
		return fmt.Errorf("block %s at %s is not diggable", block.Name, target)
	}
	delete(s.blocks, k)
	s.addItemLocked(s.sessions[agentID], block.Name, 1)
	return nil
}

func (s *Sim) PlaceBlock(ctx context.Context, agentID string, against protocol.Position, blockType, face string) error {
	if err := s.gate(ctx, agentID, "place", true); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(offsetForFace(against, face))
	if _, occupied := s.blocks[k]; occupied {
		return fmt.Errorf("position %v already occupied", k.center())
	}
	sess := s.sessions[agentID]
	if item, ok := sess.inventory[blockType]; ok {
		item.Count--
		if item.Count <= 0 {
			delete(sess.inventory, blockType)
		}
	}
	s.blocks[k] = protocol.Block{
		Name:     blockType,
		Position: k.center(),
		Hardness: 1.5,
		Material: "rock",
		Diggable: true,
	}
	return nil
}

func (s *Sim) ActivateBlock(ctx context.Context, agentID string, target protocol.Position) error {
	if err := s.gate(ctx, agentID, "activate_block", true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[keyFor(target)]; !ok {
		return fmt.Errorf("no block at %s", target)
	}
	return nil
}

func (s *Sim) ActivateItem(ctx context.Context, agentID, itemName string, target *protocol.Position) error {
	if err := s.gate(ctx, agentID, "activate_item", true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[agentID].inventory[itemName]; !ok {
		return fmt.Errorf("item %q not in inventory", itemName)
	}
	return nil
}

// --- inventory ---

func (s *Sim) Equip(ctx context.Context, agentID, itemName string, slot int) error {
	if err := s.gate(ctx, agentID, "equip", true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[agentID].inventory[itemName]; !ok {
		return fmt.Errorf("item %q not in inventory", itemName)
	}
	return nil
}

func (s *Sim) Drop(ctx context.Context, agentID string, slot, count int) error {
	if err := s.gate(ctx, agentID, "drop", true); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[agentID]
	for name, item := range sess.inventory {
		if item.Slot != slot {
			continue
		}
		drop := count
		if drop <= 0 || drop > item.Count {
			drop = item.Count
		}
		item.Count -= drop
		if item.Count <= 0 {
			delete(sess.inventory, name)
		}
		return nil
	}
	return fmt.Errorf("slot %d is empty", slot)
}

func (s *Sim) Inventory(ctx context.Context, agentID string) ([]protocol.InventoryItem, error) {
	if err := s.gate(ctx, agentID, "inventory", true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[agentID]
	out := make([]protocol.InventoryItem, 0, len(sess.inventory))
	for _, item := range sess.inventory {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

// GiveItem adds an item stack to a connected agent (test/dev seeding).
func (s *Sim) GiveItem(agentID, name string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[agentID]; ok {
		s.addItemLocked(sess, name, count)
	}
}

func (s *Sim) addItemLocked(sess *session, name string, count int) {
	if item, ok := sess.inventory[name]; ok {
		item.Count += count
		return
	}
	sess.inventory[name] = &protocol.InventoryItem{
		Slot:  sess.nextSlot,
		Name:  name,
		Count: count,
	}
	sess.nextSlot++
}

// --- chat ---

func (s *Sim) Chat(ctx context.Context, agentID, message string) error {
	if err := s.gate(ctx, agentID, "chat", true); err != nil {
		return err
	}
	s.hub.Publish(protocol.Event{
		Type: protocol.EventChat, AgentID: agentID,
		Timestamp: time.Now().UTC(), Sender: agentID, Message: message,
	})
	return nil
}

// --- observation ---

func (s *Sim) SelfState(ctx context.Context, agentID string) (protocol.SelfState, error) {
	if err := s.gate(ctx, agentID, "self", true); err != nil {
		return protocol.SelfState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[agentID]
	return protocol.SelfState{
		Position:  sess.pos,
		Health:    sess.health,
		Food:      sess.food,
		MaxHealth: 20,
		Yaw:       sess.yaw,
		Pitch:     sess.pitch,
	}, nil
}

func (s *Sim) BlockAt(ctx context.Context, agentID string, pos protocol.Position) (protocol.Block, error) {
	if err := s.gate(ctx, agentID, "block_at", true); err != nil {
		return protocol.Block{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[keyFor(pos)]
	if !ok {
		return protocol.Block{}, fmt.Errorf("no block at %s", pos)
	}
	return block, nil
}

func (s *Sim) ScanBlocks(ctx context.Context, agentID string, radius int) ([]protocol.Block, error) {
	if err := s.gate(ctx, agentID, "scan_blocks", true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	origin := s.sessions[agentID].pos
	var out []protocol.Block
	for _, b := range s.blocks {
		d := b.Position.DistanceTo(origin)
		if d <= float64(radius) {
			block := b
			block.Distance = d
			out = append(out, block)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (s *Sim) NearbyEntities(ctx context.Context, agentID string, radius float64) ([]protocol.Entity, error) {
	if err := s.gate(ctx, agentID, "entities", true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	origin := s.sessions[agentID].pos
	var out []protocol.Entity
	for _, e := range s.entities {
		d := e.Position.DistanceTo(origin)
		if d <= radius {
			ent := e
			ent.Distance = d
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (s *Sim) NearestEntity(ctx context.Context, agentID string, filter driver.EntityFilter) (protocol.Entity, bool, error) {
	entities, err := s.NearbyEntities(ctx, agentID, math.Inf(1))
	if err != nil {
		return protocol.Entity{}, false, err
	}
	for _, e := range entities {
		if filter == nil || filter(e) {
			return e, true, nil
		}
	}
	return protocol.Entity{}, false, nil
}

func (s *Sim) Biome(ctx context.Context, agentID string) (driver.BiomeInfo, error) {
	if err := s.gate(ctx, agentID, "biome", true); err != nil {
		return driver.BiomeInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.biome, nil
}

func (s *Sim) Events() *driver.Hub { return s.hub }

// gate enforces ctx, injected failures and the connected check shared by
// every primitive.
func (s *Sim) gate(ctx context.Context, agentID, op string, requireSession bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failNext[agentID+"|"+op]; ok {
		delete(s.failNext, agentID+"|"+op)
		return err
	}
	if requireSession {
		if _, ok := s.sessions[agentID]; !ok {
			return fmt.Errorf("%w: %s", driver.ErrNotConnected, agentID)
		}
	}
	return nil
}

func offsetForFace(pos protocol.Position, face string) protocol.Position {
	switch face {
	case "bottom":
		return protocol.Position{X: pos.X, Y: pos.Y - 1, Z: pos.Z}
	case "north":
		return protocol.Position{X: pos.X, Y: pos.Y, Z: pos.Z - 1}
	case "south":
		return protocol.Position{X: pos.X, Y: pos.Y, Z: pos.Z + 1}
	case "east":
		return protocol.Position{X: pos.X + 1, Y: pos.Y, Z: pos.Z}
	case "west":
		return protocol.Position{X: pos.X - 1, Y: pos.Y, Z: pos.Z}
	default: // "top" or unspecified
		return protocol.Position{X: pos.X, Y: pos.Y + 1, Z: pos.Z}
	}
}
