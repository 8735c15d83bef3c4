// Package coordinator is a stateless facade over the agent registry that
// assigns work to the least-loaded suitable agent and arbitrates spatial
// collisions inside a region.
package coordinator

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/registry"
)

// ErrNoAvailableAgents is returned when no agent can take the work.
var ErrNoAvailableAgents = errors.New("no available agents")

// DefaultCollisionThreshold is how close (blocks) two agents may get before
// they count as colliding.
const DefaultCollisionThreshold = 3.0

// WorkRequest describes one unit of work to place.
type WorkRequest struct {
	Capability string         `json:"capability,omitempty"` // required agent capability
	Region     string         `json:"region,omitempty"`     // placement hint
	Details    map[string]any `json:"details,omitempty"`
}

// Resolution is one suggested fix for a collision.
type Resolution struct {
	Collision registry.CollisionPair `json:"collision"`
	MoveAgent string                 `json:"move_agent"` // the busier agent
	Reason    string                 `json:"reason"`
}

// Coordinator assigns work and resolves collisions. It holds no state of its
// own; atomicity comes from the registry's claim lock.
type Coordinator struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// New creates a coordinator over a registry.
func New(reg *registry.Registry, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{reg: reg, logger: logger}
}

// AssignWork picks an agent for the work and claims it. Selection order:
// required capability, then region hint, then the globally least-loaded idle
// agent. Ties break on lexicographic agent id. The claim itself is the
// atomicity point: a concurrent assignment of the same work id loses with
// registry.ErrWorkClaimed.
func (c *Coordinator) AssignWork(workID string, req WorkRequest) (*registry.WorkClaim, error) {
	agentID, ok := c.pickAgent(req)
	if !ok {
		return nil, fmt.Errorf("%w for work %s", ErrNoAvailableAgents, workID)
	}

	claim, err := c.reg.ClaimWork(workID, agentID, req.Details)
	if err != nil {
		return nil, fmt.Errorf("claim %s for %s: %w", workID, agentID, err)
	}

	c.logger.Info("work assigned",
		zap.String("work", workID),
		zap.String("agent", agentID),
		zap.String("capability", req.Capability),
		zap.String("region", req.Region),
	)
	return claim, nil
}

func (c *Coordinator) pickAgent(req WorkRequest) (string, bool) {
	if req.Capability != "" {
		return c.leastLoaded(c.reg.FindByCapability(req.Capability))
	}
	if req.Region != "" {
		if id, ok := c.reg.SuggestNextAgent(req.Region); ok {
			return id, true
		}
		// Empty region: fall through to the global pool.
	}
	return c.leastLoaded(c.reg.FindByStatus(registry.StatusIdle))
}

// leastLoaded returns the candidate with the fewest active claims, ties
// broken by lexicographic id. Candidates arrive id-sorted from the registry.
func (c *Coordinator) leastLoaded(candidates []*registry.Agent) (string, bool) {
	best := ""
	bestLoad := -1
	for _, a := range candidates {
		if a.Status == registry.StatusOffline || a.Status == registry.StatusError {
			continue
		}
		load := c.reg.ClaimCount(a.ID)
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = a.ID, load
		}
	}
	return best, best != ""
}

// CheckAndResolveCollisions lists every collision in a region and suggests
// moving the busier agent of each pair, on the grounds that its work is more
// likely to be re-placeable through the claim machinery.
func (c *Coordinator) CheckAndResolveCollisions(regionID string) []Resolution {
	collisions := c.reg.FindCollisions(regionID, DefaultCollisionThreshold)
	if len(collisions) == 0 {
		return nil
	}

	out := make([]Resolution, 0, len(collisions))
	for _, col := range collisions {
		loadA := c.reg.ClaimCount(col.AgentA)
		loadB := c.reg.ClaimCount(col.AgentB)

		move := col.AgentA
		if loadB > loadA || (loadB == loadA && col.AgentB < col.AgentA) {
			move = col.AgentB
		}
		out = append(out, Resolution{
			Collision: col,
			MoveAgent: move,
			Reason: fmt.Sprintf("agents %.1f blocks apart; %s carries more claims (%d vs %d)",
				col.Distance, move, maxInt(loadA, loadB), minInt(loadA, loadB)),
		})

		c.logger.Warn("collision detected",
			zap.String("region", regionID),
			zap.String("agent_a", col.AgentA),
			zap.String("agent_b", col.AgentB),
			zap.Float64("distance", col.Distance),
			zap.String("move", move),
		)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
