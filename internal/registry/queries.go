package registry

import (
	"math"

	"github.com/blockforge/swarmd/internal/protocol"
)

// FindByCapability returns agents advertising a capability, sorted by id.
func (r *Registry) FindByCapability(capability string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		for _, c := range a.Capabilities {
			if c == capability {
				out = append(out, cloneAgent(a))
				break
			}
		}
	}
	sortAgents(out)
	return out
}

// FindByStatus returns agents in a given status, sorted by id.
func (r *Registry) FindByStatus(status AgentStatus) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if a.Status == status {
			out = append(out, cloneAgent(a))
		}
	}
	sortAgents(out)
	return out
}

// FindNearest returns the agent closest to pos for which filter returns
// true (nil filter matches everything). Full scan; ties go to the
// lexicographically smaller id. The filter runs under the registry read
// lock and must not retain or mutate the agent.
func (r *Registry) FindNearest(pos protocol.Position, filter func(*Agent) bool) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	bestDist := math.Inf(1)
	for _, a := range r.agents {
		if filter != nil && !filter(a) {
			continue
		}
		d := a.Position.DistanceTo(pos)
		if d < bestDist || (d == bestDist && best != nil && a.ID < best.ID) {
			best, bestDist = a, d
		}
	}
	if best == nil {
		return nil, false
	}
	return cloneAgent(best), true
}

func sortAgents(agents []*Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j].ID < agents[j-1].ID; j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}
