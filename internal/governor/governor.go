// package governor evaluates proposed actions against registered policy rules
// and owns the approval / incident / kill-switch surfaces.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
)

// Outcome is what a single rule decides about an action.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeDeny
	OutcomeNeedsApproval
)

// Verdict carries a rule's outcome plus the operator-facing reason.
type Verdict struct {
	Outcome Outcome
	Reason  string
}

func Allow() Verdict                { return Verdict{Outcome: OutcomeAllow} }
func Deny(reason string) Verdict    { return Verdict{Outcome: OutcomeDeny, Reason: reason} }
func Approve(reason string) Verdict { return Verdict{Outcome: OutcomeNeedsApproval, Reason: reason} }

// Rule is a named predicate over an action and its payload. Rules are read-only
// during evaluation; registration happens at init or by an operator.
type Rule struct {
	Name         string
	Actions      []string
	Severity     models.IncidentSeverity
	ApproverRole string
	Check        func(data map[string]interface{}) Verdict
}

// CheckResult is the synchronous outcome of one policy evaluation.
type CheckResult struct {
	Allowed          bool       `json:"allowed"`
	RequiresApproval bool       `json:"requiresApproval"`
	ApprovalID       *uuid.UUID `json:"approvalId,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	Rule             string     `json:"rule,omitempty"`
}

// Governor owns the rule registry. It is safe for concurrent use; every
// instance is independent so tests can run isolated governors in parallel.
type Governor struct {
	store store.Store

	mu    sync.RWMutex
	rules []Rule

	builtinsOnce sync.Once
}

func New(st store.Store) *Governor {
	return &Governor{store: st}
}

// RegisterRule appends a rule to the registry.
func (g *Governor) RegisterRule(r Rule) {
	if r.Severity == "" {
		r.Severity = models.IncidentSeverityMedium
	}
	if r.ApproverRole == "" {
		r.ApproverRole = RoleFounder
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, r)
}

// InitializeBuiltInPolicies loads the default rule set. Idempotent.
func (g *Governor) InitializeBuiltInPolicies() {
	g.builtinsOnce.Do(func() {
		for _, r := range builtInRules() {
			g.RegisterRule(r)
		}
	})
}

func (g *Governor) matching(action string) []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Rule
	for _, r := range g.rules {
		for _, a := range r.Actions {
			if a == action {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// CheckPolicy evaluates every registered rule matching the action. A hard deny
// wins over an approval requirement; an approval requirement wins over allow.
// Evaluation is fail-closed: panics, unknown actions and malformed data all
// produce allowed=false rather than propagating.
func (g *Governor) CheckPolicy(ctx context.Context, orgUnitID, action string, data map[string]interface{}) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[governor] policy evaluation panic for action %q: %v", action, r)
			res = CheckResult{Allowed: false, Reason: fmt.Sprintf("policy evaluation error: %v", r)}
		}
	}()

	if action == "" {
		return CheckResult{Allowed: false, Reason: "policy evaluation error: empty action"}
	}

	rules := g.matching(action)
	if len(rules) == 0 {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("no policy registered for action %q", action)}
	}

	type ruleVerdict struct {
		rule    Rule
		verdict Verdict
	}
	verdicts := make([]ruleVerdict, 0, len(rules))
	for _, r := range rules {
		verdicts = append(verdicts, ruleVerdict{rule: r, verdict: r.Check(data)})
	}

	for _, rv := range verdicts {
		if rv.verdict.Outcome != OutcomeDeny {
			continue
		}
		// Hard policy breach: record an incident for operational visibility.
		details, _ := json.Marshal(map[string]interface{}{"action": action, "data": data})
		if _, err := g.store.CreateIncident(ctx, store.IncidentInput{
			OrgUnitID: orgUnitID,
			Type:      "policy_violation",
			Severity:  rv.rule.Severity,
			Summary:   fmt.Sprintf("policy %s denied action %s: %s", rv.rule.Name, action, rv.verdict.Reason),
			Details:   details,
		}); err != nil {
			log.Printf("[governor] create incident: %v", err)
		}
		return CheckResult{Allowed: false, Reason: rv.verdict.Reason, Rule: rv.rule.Name}
	}

	for _, rv := range verdicts {
		if rv.verdict.Outcome != OutcomeNeedsApproval {
			continue
		}
		actionData, err := json.Marshal(data)
		if err != nil {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("policy evaluation error: %v", err)}
		}
		approval, err := g.store.CreateApproval(ctx, store.ApprovalInput{
			OrgUnitID:    orgUnitID,
			Action:       action,
			ApproverRole: rv.rule.ApproverRole,
			Reason:       rv.verdict.Reason,
			ActionData:   actionData,
		})
		if err != nil {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("policy evaluation error: %v", err)}
		}
		id := approval.ID
		return CheckResult{
			Allowed:          false,
			RequiresApproval: true,
			ApprovalID:       &id,
			Reason:           rv.verdict.Reason,
			Rule:             rv.rule.Name,
		}
	}

	return CheckResult{Allowed: true}
}

// CheckApproval returns true only if the approval exists and is approved.
func (g *Governor) CheckApproval(ctx context.Context, id uuid.UUID) (bool, error) {
	approval, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return false, err
	}
	return approval.Status == models.ApprovalStatusApproved, nil
}

// ResolveApproval records the human decision. Only pending approvals can be
// resolved; a second resolution returns store.ErrConflict.
func (g *Governor) ResolveApproval(ctx context.Context, id uuid.UUID, approve bool, resolvedBy string) (models.Approval, error) {
	status := models.ApprovalStatusApproved
	if !approve {
		status = models.ApprovalStatusRejected
	}
	return g.store.ResolveApproval(ctx, id, status, resolvedBy)
}

// KillSwitch pauses all workflow triggering for an org unit and raises a
// critical incident. Idempotent: engaging an already-engaged switch does
// nothing. In-flight runs are not interrupted.
func (g *Governor) KillSwitch(ctx context.Context, orgUnitID, reason, actor string) error {
	paused, err := g.store.IsOrgUnitPaused(ctx, orgUnitID)
	if err != nil {
		return fmt.Errorf("check pause state: %w", err)
	}
	if paused {
		return nil
	}
	if err := g.store.PauseOrgUnit(ctx, models.OrgUnitPause{
		OrgUnitID: orgUnitID,
		Reason:    reason,
		PausedBy:  actor,
		PausedAt:  nowUTC(),
	}); err != nil {
		return fmt.Errorf("pause org unit: %w", err)
	}
	if _, err := g.store.CreateIncident(ctx, store.IncidentInput{
		OrgUnitID: orgUnitID,
		Type:      "kill_switch",
		Severity:  models.IncidentSeverityCritical,
		Summary:   fmt.Sprintf("kill switch engaged by %s: %s", actor, reason),
	}); err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// IsPaused reports whether the org unit's kill switch is engaged.
func (g *Governor) IsPaused(ctx context.Context, orgUnitID string) (bool, error) {
	return g.store.IsOrgUnitPaused(ctx, orgUnitID)
}
