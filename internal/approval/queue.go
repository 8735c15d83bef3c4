// Package approval implements the dangerous-action approval queue. Actions
// that touch blacklisted blocks and come from non-admin callers are held
// here as tickets until an admin decides them. Each ticket has a TTL;
// unanswered tickets expire and can never execute.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/protocol"
)

// Status is the lifecycle state of a ticket. The state machine is a DAG:
// pending → approved | rejected | expired; terminal tickets are immutable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Ticket tracks one held dangerous action.
type Ticket struct {
	Token       string          `json:"token"`
	Action      protocol.Action `json:"action"`
	Requester   string          `json:"requester"`
	Reason      string          `json:"reason,omitempty"`
	Status      Status          `json:"status"`
	Approver    string          `json:"approver,omitempty"`
	DecideNote  string          `json:"decide_note,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	DecidedAt   time.Time       `json:"decided_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// DefaultTTL is how long a ticket stays decidable.
const DefaultTTL = 10 * time.Minute

// Queue holds pending tickets in memory.
type Queue struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
	ttl     time.Duration
	maxSize int
	logger  *zap.Logger
}

// NewQueue creates an approval queue. ttl ≤ 0 means DefaultTTL; maxSize ≤ 0
// means unbounded.
func NewQueue(ttl time.Duration, maxSize int, logger *zap.Logger) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		tickets: make(map[string]*Ticket),
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger,
	}
}

// Submit holds an action for approval and returns its ticket.
func (q *Queue) Submit(action protocol.Action, requester, reason string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(time.Now().UTC())

	if q.maxSize > 0 && len(q.tickets) >= q.maxSize {
		return nil, fmt.Errorf("approval queue full (%d/%d)", len(q.tickets), q.maxSize)
	}

	now := time.Now().UTC()
	t := &Ticket{
		Token:       uuid.New().String(),
		Action:      action,
		Requester:   requester,
		Reason:      reason,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(q.ttl),
	}
	q.tickets[t.Token] = t
	q.updateGaugeLocked()

	q.logger.Info("dangerous action held for approval",
		zap.String("token", t.Token),
		zap.String("type", string(action.Type)),
		zap.String("agent", action.AgentID),
		zap.String("requester", requester),
	)
	return cloneTicket(t), nil
}

// Approve marks a pending ticket approved and returns the held action.
// Approving a terminal ticket fails; approval is never reapplied.
func (q *Queue) Approve(token, approver string) (*Ticket, error) {
	return q.decide(token, approver, StatusApproved, "")
}

// Reject marks a pending ticket rejected.
func (q *Queue) Reject(token, approver, reason string) (*Ticket, error) {
	return q.decide(token, approver, StatusRejected, reason)
}

func (q *Queue) decide(token, approver string, to Status, note string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[token]
	if !ok {
		return nil, fmt.Errorf("approval ticket %s not found", token)
	}

	now := time.Now().UTC()
	if t.Status == StatusPending && now.After(t.ExpiresAt) {
		t.Status = StatusExpired
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("ticket %s already %s", token, t.Status)
	}

	t.Status = to
	t.Approver = approver
	t.DecideNote = note
	t.DecidedAt = now
	q.updateGaugeLocked()

	q.logger.Info("approval ticket decided",
		zap.String("token", token),
		zap.String("status", string(to)),
		zap.String("approver", approver),
	)
	return cloneTicket(t), nil
}

// Get returns a ticket by token.
func (q *Queue) Get(token string) (*Ticket, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tickets[token]
	if !ok {
		return nil, false
	}
	return cloneTicket(t), true
}

// Pending returns all pending, unexpired tickets, newest first.
func (q *Queue) Pending() []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(time.Now().UTC())

	var out []*Ticket
	for _, t := range q.tickets {
		if t.Status == StatusPending {
			out = append(out, cloneTicket(t))
		}
	}
	sortNewestFirst(out)
	return out
}

// StartReaper expires stale tickets in the background until stop closes.
func (q *Queue) StartReaper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				q.mu.Lock()
				q.expireLocked(time.Now().UTC())
				q.mu.Unlock()
			}
		}
	}()
}

// expireLocked flips overdue pending tickets to expired and purges decided
// tickets older than 24h.
func (q *Queue) expireLocked(now time.Time) {
	for _, t := range q.tickets {
		if t.Status == StatusPending && now.After(t.ExpiresAt) {
			t.Status = StatusExpired
			t.DecidedAt = now
		}
	}
	cutoff := now.Add(-24 * time.Hour)
	for token, t := range q.tickets {
		if t.Status != StatusPending && t.RequestedAt.Before(cutoff) {
			delete(q.tickets, token)
		}
	}
	q.updateGaugeLocked()
}

func (q *Queue) updateGaugeLocked() {
	pending := 0
	for _, t := range q.tickets {
		if t.Status == StatusPending {
			pending++
		}
	}
	metrics.ApprovalsPending.Set(float64(pending))
}

func sortNewestFirst(tickets []*Ticket) {
	for i := 1; i < len(tickets); i++ {
		for j := i; j > 0 && tickets[j].RequestedAt.After(tickets[j-1].RequestedAt); j-- {
			tickets[j], tickets[j-1] = tickets[j-1], tickets[j]
		}
	}
}

func cloneTicket(t *Ticket) *Ticket {
	c := *t
	return &c
}
