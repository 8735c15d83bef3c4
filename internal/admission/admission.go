// Package admission is the single entry point for executing actions: it
// composes the policy engine, the approval queue and the action router.
// Dangerous actions from non-admin callers that pass the submission gates
// are parked as approval tickets instead of dispatching; everything else
// runs through policy gates and then the router.
package admission

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/approval"
	"github.com/blockforge/swarmd/internal/metrics"
	"github.com/blockforge/swarmd/internal/policy"
	"github.com/blockforge/swarmd/internal/protocol"
	"github.com/blockforge/swarmd/internal/router"
)

// Decision is the outcome of submitting one action. Exactly one of Result
// or Ticket is meaningful: a non-nil Ticket means the action is parked
// awaiting approval and nothing was dispatched.
type Decision struct {
	Result protocol.Result  `json:"result"`
	Ticket *approval.Ticket `json:"ticket,omitempty"`
	Report policy.Report    `json:"report"`
}

// Host wires policy, approval and routing together.
type Host struct {
	eng    *policy.Engine
	rt     *router.Router
	queue  *approval.Queue
	logger *zap.Logger
}

// New creates an admission host.
func New(eng *policy.Engine, rt *router.Router, queue *approval.Queue, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{eng: eng, rt: rt, queue: queue, logger: logger}
}

// ExecuteTask validates an action against policy and dispatches it. A
// dangerous action from a non-admin caller that is not pre-approved first
// passes the submission gates, then is parked in the approval queue and the
// pending ticket returned.
func (h *Host) ExecuteTask(ctx context.Context, action *protocol.Action, caller policy.Caller) Decision {
	action.Caller = caller.UserID
	action.Role = string(caller.Role)

	if h.eng.IsDangerous(action) && caller.Role != policy.RoleAdmin && !action.Approved {
		// A caller policy would reject must not hold queue capacity either.
		report := h.eng.ValidateSubmission(action, caller)
		if !report.Valid {
			metrics.RecordPolicyRejection(string(caller.Role))
			return Decision{
				Result: protocol.Fail("policy: %s", strings.Join(report.Errors, "; ")),
				Report: report,
			}
		}
		ticket, err := h.queue.Submit(*action, caller.UserID, fmt.Sprintf("dangerous %s by %s", action.Type, caller.UserID))
		if err != nil {
			return Decision{Result: protocol.Fail("approval queue: %v", err), Report: report}
		}
		metrics.RecordDangerous("parked")
		h.logger.Info("dangerous action parked for approval",
			zap.String("agent", action.AgentID),
			zap.String("type", string(action.Type)),
			zap.String("token", ticket.Token),
		)
		return Decision{
			Result: protocol.Fail("approval required, ticket %s", ticket.Token),
			Ticket: ticket,
			Report: report,
		}
	}

	report := h.eng.ValidateTaskPolicy(action, caller)
	if !report.Valid {
		metrics.RecordPolicyRejection(string(caller.Role))
		return Decision{
			Result: protocol.Fail("policy: %s", strings.Join(report.Errors, "; ")),
			Report: report,
		}
	}

	return Decision{
		Result: h.rt.RouteTask(ctx, action),
		Report: report,
	}
}

// ApproveDangerousTask decides a ticket and executes the held action as
// autopilot on behalf of the original requester. Only admins may approve.
func (h *Host) ApproveDangerousTask(ctx context.Context, token, approverID string, approverRole policy.Role) (Decision, error) {
	if !h.eng.CanApprove(approverRole) {
		return Decision{}, fmt.Errorf("role %s may not approve dangerous tasks", approverRole)
	}

	ticket, err := h.queue.Approve(token, approverID)
	if err != nil {
		return Decision{}, fmt.Errorf("approve %s: %w", token, err)
	}

	action := ticket.Action
	action.Approved = true
	caller := policy.Caller{UserID: ticket.Requester, Role: policy.RoleAutopilot}
	metrics.RecordDangerous("approved")

	h.logger.Info("approved dangerous action executing",
		zap.String("agent", action.AgentID),
		zap.String("type", string(action.Type)),
		zap.String("token", token),
		zap.String("approver", approverID),
	)
	return h.ExecuteTask(ctx, &action, caller), nil
}

// RejectDangerousTask declines a pending ticket.
func (h *Host) RejectDangerousTask(token, approverID string, approverRole policy.Role, reason string) error {
	if !h.eng.CanApprove(approverRole) {
		return fmt.Errorf("role %s may not reject dangerous tasks", approverRole)
	}
	if _, err := h.queue.Reject(token, approverID, reason); err != nil {
		return fmt.Errorf("reject %s: %w", token, err)
	}
	metrics.RecordDangerous("rejected")
	return nil
}

// PendingApprovals lists undecided tickets, newest first.
func (h *Host) PendingApprovals() []*approval.Ticket { return h.queue.Pending() }

// Ticket looks up one ticket by token.
func (h *Host) Ticket(token string) (*approval.Ticket, bool) { return h.queue.Get(token) }

// Stats exposes the underlying router counters.
func (h *Host) Stats() router.Stats { return h.rt.Stats() }
