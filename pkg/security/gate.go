// Package security implements the Security Gate: policy evaluation over
// shell commands and tool actions, and the PendingApproval lifecycle for
// decisions that require a human to sign off before the action runs.
// Evaluation order is fixed: blocklist, allowlist, approval-required,
// per-tool rules, then the default action.
package security

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
	"github.com/restflow/restflow/pkg/tool"
)

// ToolAction describes a pending tool side effect to be checked against
// policy before the tool runs.
type ToolAction struct {
	ToolName  string
	Operation string
	Target    string
	Summary   string
}

// AsPatternString renders the action as "tool_name:operation target",
// the string glob patterns in a Rule are matched against.
func (a ToolAction) AsPatternString() string {
	return fmt.Sprintf("%s:%s %s", a.ToolName, a.Operation, a.Target)
}

// Decision is the gate's verdict. Use the Allowed/Blocked/RequiresApproval
// constructors rather than constructing one by hand.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	ApprovalID       string
	Reason           string
}

func Allowed(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

func Blocked(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

func RequiresApproval(approvalID, reason string) Decision {
	return Decision{Allowed: false, RequiresApproval: true, ApprovalID: approvalID, Reason: reason}
}

// toToolDecision adapts a Decision to pkg/tool.Decision so *Gate
// satisfies tool.SecurityGate without pkg/tool importing this package.
func (d Decision) toToolDecision() tool.Decision {
	return tool.Decision{
		Allowed:          d.Allowed,
		RequiresApproval: d.RequiresApproval,
		ApprovalID:       d.ApprovalID,
		Reason:           d.Reason,
	}
}

// DefaultAction is the verdict applied when nothing in a Policy matches.
type DefaultAction string

const (
	DefaultDeny            DefaultAction = "deny"
	DefaultAllow           DefaultAction = "allow"
	DefaultRequireApproval DefaultAction = "require_approval"
)

// Rule matches a command or tool-action pattern by glob. When Pattern
// contains "/" it matches the canonical path; a pattern containing ":"
// (tool_name:operation target) matches the whole subject; otherwise it
// matches the basename only.
type Rule struct {
	Pattern string
	Reason  string
}

func (r Rule) matches(subject string) bool {
	pattern := r.Pattern
	candidate := subject
	if !strings.Contains(pattern, "/") {
		candidate = path.Base(subject)
		if strings.Contains(pattern, ":") {
			// tool_name:operation target patterns match the whole subject;
			// only bare rules match the basename.
			candidate = subject
		}
	} else {
		candidate = filepath.ToSlash(subject)
	}
	ok, err := path.Match(pattern, candidate)
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	// path.Match's * does not cross "/", so a trailing * acts as a
	// prefix wildcard; "http:delete *" matches any URL target.
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(candidate, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Policy is the ordered rule set the Gate evaluates: blocklist,
// allowlist, approval-required, then per-tool rules, then Default.
type Policy struct {
	Blocklist         []Rule
	Allowlist         []Rule
	ApprovalRequired  []Rule
	ToolRules         map[string][]Rule // tool name -> rules matched against "operation target"
	Default           DefaultAction
}

// Gate evaluates Policy and persists PendingApproval records.
type Gate struct {
	policy     Policy
	approvals  *storage.Table[PendingApproval]
}

var _ tool.SecurityGate = (*Gate)(nil)

// Open opens the approvals table and returns a Gate bound to policy.
func Open(ctx context.Context, engine *storage.Engine, policy Policy) (*Gate, error) {
	table, err := storage.NewTable[PendingApproval](ctx, engine, "approvals", "agent_id", "task_id", "status")
	if err != nil {
		return nil, err
	}
	if policy.Default == "" {
		policy.Default = DefaultAllow
	}
	return &Gate{policy: policy, approvals: table}, nil
}

// CheckCommand evaluates a shell command against policy.
func (g *Gate) CheckCommand(ctx context.Context, command, taskID, agentID, workdir string) (Decision, error) {
	executable := firstToken(command)
	return g.evaluate(ctx, executable, ToolAction{ToolName: "bash", Operation: "exec", Target: command, Summary: command}, agentID, taskID)
}

// CheckToolAction evaluates a tool's declared side effect against
// policy, implementing tool.SecurityGate.
func (g *Gate) CheckToolAction(ctx context.Context, toolName, operation, target, summary, agentID, taskID string) (tool.Decision, error) {
	action := ToolAction{ToolName: toolName, Operation: operation, Target: target, Summary: summary}
	decision, err := g.evaluate(ctx, action.AsPatternString(), action, agentID, taskID)
	return decision.toToolDecision(), err
}

func (g *Gate) evaluate(ctx context.Context, subject string, action ToolAction, agentID, taskID string) (Decision, error) {
	for _, rule := range g.policy.Blocklist {
		if rule.matches(subject) {
			return Blocked(reasonOr(rule.Reason, "blocked by blocklist rule "+rule.Pattern)), nil
		}
	}
	for _, rule := range g.policy.Allowlist {
		if rule.matches(subject) {
			return Allowed(reasonOr(rule.Reason, "allowed by allowlist rule "+rule.Pattern)), nil
		}
	}
	for _, rule := range g.policy.ApprovalRequired {
		if rule.matches(subject) {
			return g.requestApproval(ctx, action, agentID, taskID, reasonOr(rule.Reason, "matches approval-required rule "+rule.Pattern))
		}
	}
	if rules, ok := g.policy.ToolRules[action.ToolName]; ok {
		opTarget := fmt.Sprintf("%s %s", action.Operation, action.Target)
		for _, rule := range rules {
			if rule.matches(opTarget) {
				return Allowed(reasonOr(rule.Reason, "allowed by tool rule "+rule.Pattern)), nil
			}
		}
	}

	switch g.policy.Default {
	case DefaultAllow:
		return Allowed("default allow"), nil
	case DefaultRequireApproval:
		return g.requestApproval(ctx, action, agentID, taskID, "default policy requires approval")
	default:
		return Blocked("default policy denies"), nil
	}
}

func (g *Gate) requestApproval(ctx context.Context, action ToolAction, agentID, taskID, reason string) (Decision, error) {
	id := uuid.NewString()
	record := PendingApproval{
		ID:            id,
		ActionPattern: action.AsPatternString(),
		Summary:       action.Summary,
		AgentID:       agentID,
		TaskID:        taskID,
		CreatedAt:     time.Now().UnixMilli(),
		Status:        StatusPending,
	}
	if err := g.approvals.Put(ctx, id, record, storage.IndexValues{
		"agent_id": agentID, "task_id": taskID, "status": string(StatusPending),
	}); err != nil {
		return Decision{}, err
	}
	return RequiresApproval(id, reason), nil
}

// ApprovalStatus is the PendingApproval lifecycle state.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusConsumed ApprovalStatus = "consumed"
)

// PendingApproval is the persisted record an external approver
// transitions from pending to approved or rejected(reason); the agent
// runtime consumes an approved record exactly once.
type PendingApproval struct {
	ID            string         `json:"id"`
	ActionPattern string         `json:"action_pattern"`
	Summary       string         `json:"summary"`
	AgentID       string         `json:"agent_id"`
	TaskID        string         `json:"task_id"`
	CreatedAt     int64          `json:"created_at"`
	Status        ApprovalStatus `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	ConsumedAt    int64          `json:"consumed_at,omitempty"`
}

// GetApproval returns the approval record by id.
func (g *Gate) GetApproval(ctx context.Context, id string) (PendingApproval, bool, error) {
	return g.approvals.Get(ctx, id)
}

// Approve transitions a pending approval to approved.
func (g *Gate) Approve(ctx context.Context, id string) error {
	return g.transition(ctx, id, StatusApproved, "")
}

// Reject transitions a pending approval to rejected with reason.
func (g *Gate) Reject(ctx context.Context, id, reason string) error {
	return g.transition(ctx, id, StatusRejected, reason)
}

// Consume marks an approved record consumed so it cannot be reused for a
// second execution of the same action.
func (g *Gate) Consume(ctx context.Context, id string) error {
	rec, found, err := g.approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return rferrors.New(rferrors.NotFound, "approval not found: "+id)
	}
	if rec.Status != StatusApproved {
		return rferrors.New(rferrors.Conflict, "approval "+id+" is not approved")
	}
	rec.Status = StatusConsumed
	rec.ConsumedAt = time.Now().UnixMilli()
	return g.approvals.Put(ctx, id, rec, storage.IndexValues{
		"agent_id": rec.AgentID, "task_id": rec.TaskID, "status": string(rec.Status),
	})
}

func (g *Gate) transition(ctx context.Context, id string, status ApprovalStatus, reason string) error {
	rec, found, err := g.approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return rferrors.New(rferrors.NotFound, "approval not found: "+id)
	}
	if rec.Status != StatusPending {
		return rferrors.New(rferrors.Conflict, "approval "+id+" is not pending")
	}
	rec.Status = status
	rec.Reason = reason
	return g.approvals.Put(ctx, id, rec, storage.IndexValues{
		"agent_id": rec.AgentID, "task_id": rec.TaskID, "status": string(rec.Status),
	})
}

// ListByTask returns every approval recorded for a task, most recent
// first is not guaranteed; callers sort if needed.
func (g *Gate) ListByTask(ctx context.Context, taskID string) ([]PendingApproval, error) {
	return g.approvals.ListByIndex(ctx, "task_id", taskID)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}
