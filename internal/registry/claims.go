package registry

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/metrics"
)

// ClaimWork atomically assigns a work id to an agent. A work id can have at
// most one active claim; a second claim for the same id fails with
// ErrWorkClaimed carrying the current holder.
func (r *Registry) ClaimWork(workID, agentID string, details map[string]any) (*WorkClaim, error) {
	if workID == "" {
		return nil, fmt.Errorf("work id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if existing, ok := r.claims[workID]; ok {
		return nil, fmt.Errorf("%w: %s held by %s", ErrWorkClaimed, workID, existing.AgentID)
	}

	claim := &WorkClaim{
		WorkID:    workID,
		AgentID:   agentID,
		ClaimedAt: time.Now().UTC(),
		Details:   details,
	}
	r.claims[workID] = claim
	metrics.WorkClaimsActive.Set(float64(len(r.claims)))

	r.logger.Info("work claimed", zap.String("work", workID), zap.String("agent", agentID))
	return cloneClaim(claim), nil
}

// ReleaseWork releases a claim. Releasing an unclaimed work id is a no-op.
func (r *Registry) ReleaseWork(workID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[workID]; ok {
		delete(r.claims, workID)
		metrics.WorkClaimsActive.Set(float64(len(r.claims)))
		r.logger.Info("work released", zap.String("work", workID))
	}
}

// GetClaim returns the active claim for a work id.
func (r *Registry) GetClaim(workID string) (*WorkClaim, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[workID]
	if !ok {
		return nil, false
	}
	return cloneClaim(c), true
}

// ClaimsByAgent returns all claims held by one agent, oldest first.
func (r *Registry) ClaimsByAgent(agentID string) []*WorkClaim {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claimsByAgentLocked(agentID)
}

func (r *Registry) claimsByAgentLocked(agentID string) []*WorkClaim {
	var out []*WorkClaim
	for _, c := range r.claims {
		if c.AgentID == agentID {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out
}

// ClaimCount returns the number of active claims held by one agent.
func (r *Registry) ClaimCount(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claimCountLocked(agentID)
}

func (r *Registry) claimCountLocked(agentID string) int {
	n := 0
	for _, c := range r.claims {
		if c.AgentID == agentID {
			n++
		}
	}
	return n
}

func cloneClaim(c *WorkClaim) *WorkClaim {
	out := *c
	if c.Details != nil {
		out.Details = make(map[string]any, len(c.Details))
		for k, v := range c.Details {
			out.Details[k] = v
		}
	}
	return &out
}
