package registry

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
)

// AssignToRegion adds an agent to a region, creating the region if absent.
// Repeated assignment is a no-op; an agent may belong to several regions.
func (r *Registry) AssignToRegion(regionID, agentID string) error {
	if regionID == "" {
		return fmt.Errorf("region id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	members, ok := r.regions[regionID]
	if !ok {
		members = make(map[string]struct{})
		r.regions[regionID] = members
	}
	if _, dup := members[agentID]; !dup {
		members[agentID] = struct{}{}
		r.logger.Info("agent assigned to region",
			zap.String("agent", agentID),
			zap.String("region", regionID),
		)
	}
	return nil
}

// RemoveFromRegion drops an agent from a region; empty regions are deleted.
func (r *Registry) RemoveFromRegion(regionID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.regions[regionID]; ok {
		delete(members, agentID)
		if len(members) == 0 {
			delete(r.regions, regionID)
		}
	}
}

// RegionMembers returns the agent ids in a region, sorted.
func (r *Registry) RegionMembers(regionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.regionMembersLocked(regionID)
}

func (r *Registry) regionMembersLocked(regionID string) []string {
	members, ok := r.regions[regionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Regions returns all region ids, sorted.
func (r *Registry) Regions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.regions))
	for id := range r.regions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CollisionPair is one unordered pair of agents closer than a threshold.
type CollisionPair struct {
	AgentA   string  `json:"agent_a"`
	AgentB   string  `json:"agent_b"`
	Distance float64 `json:"distance"`
}

// CheckCollision reports whether two agents are within threshold of each
// other. Unknown agents never collide.
func (r *Registry) CheckCollision(agentA, agentB string, threshold float64) (CollisionPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, okA := r.agents[agentA]
	b, okB := r.agents[agentB]
	if !okA || !okB || agentA == agentB {
		return CollisionPair{}, false
	}
	d := a.Position.DistanceTo(b.Position)
	if d >= threshold {
		return CollisionPair{}, false
	}
	return CollisionPair{AgentA: agentA, AgentB: agentB, Distance: d}, true
}

// FindCollisions returns every unordered pair of region members closer than
// threshold, sorted by (AgentA, AgentB).
func (r *Registry) FindCollisions(regionID string, threshold float64) []CollisionPair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.regionMembersLocked(regionID)
	var out []CollisionPair
	for i := 0; i < len(members); i++ {
		a, okA := r.agents[members[i]]
		if !okA {
			continue
		}
		for j := i + 1; j < len(members); j++ {
			b, okB := r.agents[members[j]]
			if !okB {
				continue
			}
			if d := a.Position.DistanceTo(b.Position); d < threshold {
				out = append(out, CollisionPair{AgentA: a.ID, AgentB: b.ID, Distance: d})
			}
		}
	}
	return out
}

// RegionBalance summarises how evenly work is spread across a region.
type RegionBalance struct {
	RegionID  string         `json:"region_id"`
	Claims    map[string]int `json:"claims"` // agentID → active claim count
	Mean      float64        `json:"mean"`
	Imbalance float64        `json:"imbalance"` // stddev of claim counts
}

// Balance computes the claim distribution for a region.
func (r *Registry) Balance(regionID string) RegionBalance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.regionMembersLocked(regionID)
	bal := RegionBalance{RegionID: regionID, Claims: make(map[string]int, len(members))}
	if len(members) == 0 {
		return bal
	}

	total := 0
	for _, id := range members {
		n := r.claimCountLocked(id)
		bal.Claims[id] = n
		total += n
	}
	bal.Mean = float64(total) / float64(len(members))

	var variance float64
	for _, n := range bal.Claims {
		d := float64(n) - bal.Mean
		variance += d * d
	}
	bal.Imbalance = math.Sqrt(variance / float64(len(members)))
	return bal
}

// SuggestNextAgent returns the region member with the fewest active claims,
// ties broken by lexicographic agent id. Returns false for empty regions.
func (r *Registry) SuggestNextAgent(regionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.regionMembersLocked(regionID)
	if len(members) == 0 {
		return "", false
	}

	best := ""
	bestCount := math.MaxInt
	for _, id := range members { // members are sorted: first win is the tie-break
		if n := r.claimCountLocked(id); n < bestCount {
			best, bestCount = id, n
		}
	}
	return best, true
}
