// Package observer maintains each agent's view of the world: a periodic
// scan produces an immutable snapshot that fully replaces the previous one,
// and driver events are recorded into a bounded per-agent history. Queries
// run against the latest snapshot without touching the driver.
package observer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/driver"
	"github.com/blockforge/swarmd/internal/protocol"
)

// Config tunes scanning.
type Config struct {
	ScanRadius      int           // entity scan radius (blocks)
	BlockScanRadius int           // block scan radius (blocks)
	UpdateInterval  time.Duration // periodic scan cadence
	EventHistory    int           // per-agent event ring size
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ScanRadius:      32,
		BlockScanRadius: 16,
		UpdateInterval:  2 * time.Second,
		EventHistory:    100,
	}
}

// Summary carries the per-scan counters.
type Summary struct {
	NearbyPlayers  int `json:"nearby_players"`
	NearbyHostiles int `json:"nearby_hostiles"`
	NearbyPassives int `json:"nearby_passives"`
	ResourceBlocks int `json:"resource_blocks"`
}

// Snapshot is one agent's world view from a single scan. It is never
// mutated after publication; a new scan swaps in a fresh snapshot.
type Snapshot struct {
	AgentID   string             `json:"agent_id"`
	Timestamp time.Time          `json:"timestamp"`
	Self      protocol.SelfState `json:"self"`
	Entities  []protocol.Entity  `json:"entities,omitempty"`
	Blocks    []protocol.Block   `json:"blocks,omitempty"`
	Biome     driver.BiomeInfo   `json:"biome"`
	Summary   Summary            `json:"summary"`
}

// Hazard is one advisory safety finding.
type Hazard struct {
	Kind   string `json:"kind"` // lava, hostiles, fall
	Detail string `json:"detail"`
}

// Observer owns snapshots and event histories for all observed agents.
type Observer struct {
	cfg    Config
	drv    driver.Driver
	logger *zap.Logger

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	events    map[string][]protocol.Event // bounded ring, newest last
	scanners  map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates an observer over a driver.
func New(drv driver.Driver, cfg Config, logger *zap.Logger) *Observer {
	if cfg.ScanRadius <= 0 {
		cfg.ScanRadius = DefaultConfig().ScanRadius
	}
	if cfg.BlockScanRadius <= 0 {
		cfg.BlockScanRadius = DefaultConfig().BlockScanRadius
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig().UpdateInterval
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = DefaultConfig().EventHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		cfg:       cfg,
		drv:       drv,
		logger:    logger,
		snapshots: make(map[string]*Snapshot),
		events:    make(map[string][]protocol.Event),
		scanners:  make(map[string]context.CancelFunc),
	}
}

// Run consumes the driver event stream until ctx is cancelled. Call once.
func (o *Observer) Run(ctx context.Context) {
	events, cancel := o.drv.Events().Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.RecordEvent(ev)
		}
	}
}

// RecordEvent appends an event to the agent's bounded history.
func (o *Observer) RecordEvent(ev protocol.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ring := append(o.events[ev.AgentID], ev)
	if overflow := len(ring) - o.cfg.EventHistory; overflow > 0 {
		ring = ring[overflow:]
	}
	o.events[ev.AgentID] = ring
}

// Events returns the most recent n events for an agent, oldest first.
func (o *Observer) Events(agentID string, n int) []protocol.Event {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ring := o.events[agentID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]protocol.Event, n)
	copy(out, ring[len(ring)-n:])
	return out
}

// StartObserving performs an initial scan and then rescans every
// UpdateInterval until StopObserving or ctx cancellation.
func (o *Observer) StartObserving(ctx context.Context, agentID string) error {
	if _, err := o.Scan(ctx, agentID); err != nil {
		return fmt.Errorf("initial scan for %s: %w", agentID, err)
	}

	o.mu.Lock()
	if _, running := o.scanners[agentID]; running {
		o.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	o.scanners[agentID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.UpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				if _, err := o.Scan(scanCtx, agentID); err != nil {
					if scanCtx.Err() != nil {
						return
					}
					o.logger.Warn("periodic scan failed",
						zap.String("agent", agentID),
						zap.Error(err),
					)
				}
			}
		}
	}()

	o.logger.Info("observation started",
		zap.String("agent", agentID),
		zap.Duration("interval", o.cfg.UpdateInterval),
	)
	return nil
}

// StopObserving stops the periodic scanner and drops the agent's state.
func (o *Observer) StopObserving(agentID string) {
	o.mu.Lock()
	cancel, ok := o.scanners[agentID]
	delete(o.scanners, agentID)
	delete(o.snapshots, agentID)
	delete(o.events, agentID)
	o.mu.Unlock()

	if ok {
		cancel()
		o.logger.Info("observation stopped", zap.String("agent", agentID))
	}
}

// Close stops every scanner and waits for them to finish.
func (o *Observer) Close() {
	o.mu.Lock()
	for id, cancel := range o.scanners {
		cancel()
		delete(o.scanners, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Scan performs one full scan and atomically publishes the snapshot.
func (o *Observer) Scan(ctx context.Context, agentID string) (*Snapshot, error) {
	self, err := o.drv.SelfState(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("self state: %w", err)
	}
	entities, err := o.drv.NearbyEntities(ctx, agentID, float64(o.cfg.ScanRadius))
	if err != nil {
		return nil, fmt.Errorf("entities: %w", err)
	}
	blocks, err := o.drv.ScanBlocks(ctx, agentID, o.cfg.BlockScanRadius)
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	biome, err := o.drv.Biome(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("biome: %w", err)
	}

	snap := &Snapshot{
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Self:      self,
		Entities:  entities,
		Blocks:    blocks,
		Biome:     biome,
		Summary:   summarize(entities, blocks),
	}

	o.mu.Lock()
	o.snapshots[agentID] = snap
	o.mu.Unlock()

	return snap, nil
}

// Latest returns the current snapshot for an agent, if any. The snapshot is
// immutable; callers may hold it across ticks.
func (o *Observer) Latest(agentID string) (*Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap, ok := o.snapshots[agentID]
	return snap, ok
}

// SnapshotAge returns how stale the agent's snapshot is.
func (o *Observer) SnapshotAge(agentID string) (time.Duration, bool) {
	snap, ok := o.Latest(agentID)
	if !ok {
		return 0, false
	}
	return time.Since(snap.Timestamp), true
}

// ScanForBlocks returns blocks from the last snapshot whose name contains
// the query (exact match when the query names a full block type).
func (o *Observer) ScanForBlocks(agentID, name string) []protocol.Block {
	snap, ok := o.Latest(agentID)
	if !ok {
		return nil
	}
	var out []protocol.Block
	for _, b := range snap.Blocks {
		if b.Name == name || strings.Contains(b.Name, name) {
			out = append(out, b)
		}
	}
	return out
}

// FindEntities returns entities of one kind from the last snapshot.
func (o *Observer) FindEntities(agentID string, kind protocol.EntityKind) []protocol.Entity {
	snap, ok := o.Latest(agentID)
	if !ok {
		return nil
	}
	var out []protocol.Entity
	for _, e := range snap.Entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// NearestEntity returns the closest entity matching filter from the last
// snapshot. Snapshots keep entities distance-sorted.
func (o *Observer) NearestEntity(agentID string, filter func(protocol.Entity) bool) (protocol.Entity, bool) {
	snap, ok := o.Latest(agentID)
	if !ok {
		return protocol.Entity{}, false
	}
	for _, e := range snap.Entities {
		if filter == nil || filter(e) {
			return e, true
		}
	}
	return protocol.Entity{}, false
}

// NearestBlock returns the closest block matching name from the last
// snapshot.
func (o *Observer) NearestBlock(agentID, name string) (protocol.Block, bool) {
	snap, ok := o.Latest(agentID)
	if !ok {
		return protocol.Block{}, false
	}
	for _, b := range snap.Blocks {
		if b.Name == name {
			return b, true
		}
	}
	return protocol.Block{}, false
}

// IsSafePosition returns advisory hazards around pos: lava at the position,
// hostiles within 10 blocks, or an air column of 5+ blocks below (fall
// risk). It never blocks an action by itself.
func (o *Observer) IsSafePosition(agentID string, pos protocol.Position) (bool, []Hazard) {
	snap, ok := o.Latest(agentID)
	if !ok {
		return true, nil
	}

	var hazards []Hazard

	occupied := make(map[[3]int]string, len(snap.Blocks))
	for _, b := range snap.Blocks {
		occupied[blockCell(b.Position)] = b.Name
	}

	if name, ok := occupied[blockCell(pos)]; ok && (name == "lava" || name == "flowing_lava") {
		hazards = append(hazards, Hazard{Kind: "lava", Detail: fmt.Sprintf("lava at %s", pos)})
	}

	hostiles := 0
	for _, e := range snap.Entities {
		if e.Kind == protocol.EntityHostile && e.Position.DistanceTo(pos) <= 10 {
			hostiles++
		}
	}
	if hostiles > 0 {
		hazards = append(hazards, Hazard{Kind: "hostiles", Detail: fmt.Sprintf("%d hostile(s) within 10 blocks", hostiles)})
	}

	airBelow := 0
	for dy := 1; dy <= 5; dy++ {
		below := protocol.Position{X: pos.X, Y: pos.Y - float64(dy), Z: pos.Z}
		if _, solid := occupied[blockCell(below)]; solid {
			break
		}
		airBelow++
	}
	if airBelow >= 5 {
		hazards = append(hazards, Hazard{Kind: "fall", Detail: "5+ blocks of air below"})
	}

	return len(hazards) == 0, hazards
}

func blockCell(p protocol.Position) [3]int {
	return [3]int{int(p.X), int(p.Y), int(p.Z)}
}

func summarize(entities []protocol.Entity, blocks []protocol.Block) Summary {
	var s Summary
	for _, e := range entities {
		switch e.Kind {
		case protocol.EntityPlayer:
			s.NearbyPlayers++
		case protocol.EntityHostile:
			s.NearbyHostiles++
		case protocol.EntityPassive:
			s.NearbyPassives++
		}
	}
	for _, b := range blocks {
		if strings.HasSuffix(b.Name, "_ore") || strings.HasSuffix(b.Name, "_log") {
			s.ResourceBlocks++
		}
	}
	return s
}
