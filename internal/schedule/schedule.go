// Package schedule dispatches recurring swarm goals. Each entry carries a
// standard cron expression or a plain interval ("15m"); due entries queue
// their goal on every active agent through the orchestrator.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// GoalQueuer fans a swarm goal out across the fleet. The orchestrator
// implements it.
type GoalQueuer interface {
	QueueSwarmGoal(name string, goalCtx map[string]any) int
}

// Entry is one recurring swarm goal.
type Entry struct {
	ID      string         `json:"id"`
	Spec    string         `json:"spec"` // cron expression or Go duration
	Goal    string         `json:"goal"`
	Context map[string]any `json:"context,omitempty"`
	Enabled bool           `json:"enabled"`

	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	Runs      int        `json:"runs"`
}

// DefaultCheckInterval is how often entries are evaluated for dueness.
const DefaultCheckInterval = 30 * time.Second

// Scheduler evaluates entries on a fixed cadence.
type Scheduler struct {
	queuer        GoalQueuer
	checkInterval time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates a scheduler. checkInterval ≤ 0 selects DefaultCheckInterval.
func New(queuer GoalQueuer, checkInterval time.Duration, logger *zap.Logger) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queuer:        queuer,
		checkInterval: checkInterval,
		logger:        logger,
		entries:       make(map[string]*Entry),
		now:           time.Now,
	}
}

// Add registers a recurring goal. The spec is validated up front.
func (s *Scheduler) Add(id, spec, goal string, goalCtx map[string]any) (*Entry, error) {
	if id == "" || goal == "" {
		return nil, fmt.Errorf("schedule id and goal are required")
	}
	if _, err := parseSpec(spec); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return nil, fmt.Errorf("schedule %s already exists", id)
	}
	e := &Entry{
		ID:        id,
		Spec:      spec,
		Goal:      goal,
		Context:   goalCtx,
		Enabled:   true,
		CreatedAt: s.now().UTC(),
	}
	s.entries[id] = e

	s.logger.Info("schedule added", zap.String("id", id), zap.String("spec", spec), zap.String("goal", goal))
	return cloneEntry(e), nil
}

// Remove deletes an entry. Unknown ids are a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// SetEnabled pauses or resumes an entry.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	e.Enabled = enabled
	return nil
}

// Entries lists all entries sorted by id.
func (s *Scheduler) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Start launches the evaluation loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// RunOnce evaluates every entry and fires the due ones. Returns how many
// entries fired.
func (s *Scheduler) RunOnce() int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Enabled {
			continue
		}
		ok, err := isDue(e, now)
		if err != nil {
			s.logger.Warn("invalid schedule spec",
				zap.String("id", e.ID),
				zap.String("spec", e.Spec),
				zap.Error(err),
			)
			continue
		}
		if ok {
			fired := now
			e.LastRunAt = &fired
			e.Runs++
			due = append(due, cloneEntry(e))
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		queued := s.queuer.QueueSwarmGoal(e.Goal, e.Context)
		s.logger.Info("scheduled goal fired",
			zap.String("id", e.ID),
			zap.String("goal", e.Goal),
			zap.Int("agents", queued),
		)
	}
	return len(due)
}

type specKind int

const (
	specInterval specKind = iota
	specCron
)

type parsedSpec struct {
	kind     specKind
	interval time.Duration
	cron     cron.Schedule
}

func parseSpec(spec string) (parsedSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return parsedSpec{}, fmt.Errorf("spec is required")
	}
	if interval, err := time.ParseDuration(spec); err == nil {
		if interval <= 0 {
			return parsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return parsedSpec{kind: specInterval, interval: interval}, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return parsedSpec{}, err
	}
	return parsedSpec{kind: specCron, cron: sched}, nil
}

func isDue(e *Entry, now time.Time) (bool, error) {
	ps, err := parseSpec(e.Spec)
	if err != nil {
		return false, err
	}

	anchor := e.CreatedAt.UTC()
	if e.LastRunAt != nil {
		anchor = e.LastRunAt.UTC()
	}

	if ps.kind == specInterval {
		return !anchor.Add(ps.interval).After(now), nil
	}
	return !ps.cron.Next(anchor).After(now), nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		c.LastRunAt = &t
	}
	if e.Context != nil {
		c.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}
