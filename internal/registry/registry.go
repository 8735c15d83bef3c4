// Package registry tracks the swarm: agent metadata, region membership and
// work claims. It is the single owner of that state; every mutation goes
// through the registry lock and cross-component references are by agent id.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/protocol"
)

// AgentRole describes what kind of work an agent is built for.
type AgentRole string

const (
	RoleMiner      AgentRole = "miner"
	RoleBuilder    AgentRole = "builder"
	RoleExplorer   AgentRole = "explorer"
	RoleGuard      AgentRole = "guard"
	RoleCourier    AgentRole = "courier"
	RoleGeneralist AgentRole = "generalist"
	RoleAutonomous AgentRole = "autonomous"
)

// AgentStatus is the single current state of an agent.
type AgentStatus string

const (
	StatusOffline  AgentStatus = "offline"
	StatusIdle     AgentStatus = "idle"
	StatusBusy     AgentStatus = "busy"
	StatusMining   AgentStatus = "mining"
	StatusBuilding AgentStatus = "building"
	StatusMoving   AgentStatus = "moving"
	StatusBlocked  AgentStatus = "blocked"
	StatusError    AgentStatus = "error"
)

var validStatuses = map[AgentStatus]struct{}{
	StatusOffline: {}, StatusIdle: {}, StatusBusy: {}, StatusMining: {},
	StatusBuilding: {}, StatusMoving: {}, StatusBlocked: {}, StatusError: {},
}

// Agent is the registry's view of one swarm member.
type Agent struct {
	ID           string                   `json:"id"`
	Role         AgentRole                `json:"role"`
	Capabilities []string                 `json:"capabilities,omitempty"`
	Status       AgentStatus              `json:"status"`
	Owner        string                   `json:"owner,omitempty"`
	Position     protocol.Position        `json:"position"`
	Health       int                      `json:"health"`
	Food         int                      `json:"food"`
	MaxHealth    int                      `json:"max_health"`
	Inventory    []protocol.InventoryItem `json:"inventory,omitempty"`
	RegisteredAt time.Time                `json:"registered_at"`
	LastUpdate   time.Time                `json:"last_update"`

	// Metrics counters, owned by the registry.
	ActionsDone   int `json:"actions_done"`
	ActionsFailed int `json:"actions_failed"`
}

// WorkClaim records the at-most-once assignment of a work id to an agent.
type WorkClaim struct {
	WorkID    string         `json:"work_id"`
	AgentID   string         `json:"agent_id"`
	ClaimedAt time.Time      `json:"claimed_at"`
	Details   map[string]any `json:"details,omitempty"`
}

var (
	// ErrAgentExists is returned when registering a duplicate agent id.
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned for operations on unknown agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrWorkClaimed is returned when a work id already has an active claim.
	ErrWorkClaimed = errors.New("work already claimed")
	// ErrInvalidStatus is returned for status values outside the enum.
	ErrInvalidStatus = errors.New("invalid agent status")
)

// Registry is the in-memory agent/region/claim store.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	regions map[string]map[string]struct{} // regionID → set of agentIDs
	claims  map[string]*WorkClaim          // workID → claim
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents:  make(map[string]*Agent),
		regions: make(map[string]map[string]struct{}),
		claims:  make(map[string]*WorkClaim),
		logger:  logger,
	}
}

// Register adds a new agent. Duplicate ids are rejected.
func (r *Registry) Register(id string, role AgentRole, capabilities []string, owner string) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:           id,
		Role:         role,
		Capabilities: append([]string(nil), capabilities...),
		Status:       StatusIdle,
		Owner:        owner,
		MaxHealth:    20,
		RegisteredAt: now,
		LastUpdate:   now,
	}
	r.agents[id] = a

	r.logger.Info("agent registered",
		zap.String("agent", id),
		zap.String("role", string(role)),
		zap.Strings("capabilities", capabilities),
	)
	return cloneAgent(a), nil
}

// Unregister removes an agent, atomically releasing all its work claims and
// region memberships.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(r.agents, id)

	released := 0
	for workID, claim := range r.claims {
		if claim.AgentID == id {
			delete(r.claims, workID)
			released++
		}
	}
	for regionID, members := range r.regions {
		delete(members, id)
		if len(members) == 0 {
			delete(r.regions, regionID)
		}
	}
	metrics.WorkClaimsActive.Set(float64(len(r.claims)))

	r.logger.Info("agent unregistered",
		zap.String("agent", id),
		zap.Int("claims_released", released),
	)
	return nil
}

// Get returns a copy of an agent.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return cloneAgent(a), true
}

// List returns all agents sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// UpdatePosition records an agent's position and bumps LastUpdate.
func (r *Registry) UpdatePosition(id string, pos protocol.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Position = pos
	a.LastUpdate = time.Now().UTC()
	return nil
}

// UpdateStatus validates and records an agent's status.
func (r *Registry) UpdateStatus(id string, status AgentStatus) error {
	if _, ok := validStatuses[status]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Status = status
	a.LastUpdate = time.Now().UTC()
	return nil
}

// UpdateVitals records driver-reported health and food.
func (r *Registry) UpdateVitals(id string, health, food int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Health = health
	a.Food = food
	a.LastUpdate = time.Now().UTC()
	return nil
}

// UpdateInventory replaces an agent's inventory view.
func (r *Registry) UpdateInventory(id string, items []protocol.InventoryItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Inventory = append([]protocol.InventoryItem(nil), items...)
	a.LastUpdate = time.Now().UTC()
	return nil
}

// RecordOutcome bumps the per-agent action counters.
func (r *Registry) RecordOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return
	}
	if success {
		a.ActionsDone++
	} else {
		a.ActionsFailed++
	}
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Inventory = append([]protocol.InventoryItem(nil), a.Inventory...)
	return &c
}
