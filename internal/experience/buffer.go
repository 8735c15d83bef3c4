// Package experience keeps a bounded append-only record of action outcomes
// for later analysis. The ring evicts oldest entries first; persistence is a
// collaborator's concern via the Archiver hook.
package experience

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/protocol"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 5000

// Entry is one logged outcome.
type Entry struct {
	ID       string          `json:"id"`
	AgentID  string          `json:"agent_id"`
	Action   protocol.Action `json:"action"`
	Success  bool            `json:"success"`
	Reward   float64         `json:"reward"`
	Error    string          `json:"error,omitempty"`
	Goal     string          `json:"goal,omitempty"`
	LoggedAt time.Time       `json:"logged_at"`
}

// Summary aggregates an agent's recent outcomes.
type Summary struct {
	AgentID    string  `json:"agent_id"`
	Count      int     `json:"count"`
	Successes  int     `json:"successes"`
	MeanReward float64 `json:"mean_reward"`
	Tail       []Entry `json:"tail"`
}

// Archiver receives every entry as it is logged. Implementations must not
// block; the buffer calls it under its lock.
type Archiver interface {
	Archive(e Entry)
}

// Buffer is the fixed-capacity experience ring.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry // oldest first
	capacity int
	archiver Archiver
}

// New creates a buffer. capacity ≤ 0 selects DefaultCapacity; archiver may
// be nil.
func New(capacity int, archiver Archiver) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		archiver: archiver,
	}
}

// Log appends an entry and returns its id. On overflow the oldest entry is
// evicted.
func (b *Buffer) Log(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now().UTC()
	}
	if e.AgentID == "" {
		e.AgentID = e.Action.AgentID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:b.capacity-1]
	}
	b.entries = append(b.entries, e)
	metrics.ExperienceEntries.Set(float64(len(b.entries)))

	if b.archiver != nil {
		b.archiver.Archive(e)
	}
	return e.ID
}

// Recent returns the last n entries for one agent, oldest first.
func (b *Buffer) Recent(agentID string, n int) []Entry {
	return b.filter(func(e *Entry) bool { return e.AgentID == agentID }, n)
}

// Batch returns the last n entries, optionally filtered to one agent.
func (b *Buffer) Batch(agentID string, n int) []Entry {
	if agentID == "" {
		return b.filter(nil, n)
	}
	return b.Recent(agentID, n)
}

func (b *Buffer) filter(match func(*Entry) bool, n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for i := len(b.entries) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if match == nil || match(&b.entries[i]) {
			out = append(out, b.entries[i])
		}
	}
	// Collected newest first; flip to oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Summarize returns the mean reward over the agent's last n entries along
// with the tail slice itself.
func (b *Buffer) Summarize(agentID string, n int) Summary {
	tail := b.Recent(agentID, n)
	s := Summary{AgentID: agentID, Count: len(tail), Tail: tail}
	if len(tail) == 0 {
		return s
	}
	total := 0.0
	for _, e := range tail {
		total += e.Reward
		if e.Success {
			s.Successes++
		}
	}
	s.MeanReward = total / float64(len(tail))
	return s
}

// Len returns the current number of entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops every entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}
