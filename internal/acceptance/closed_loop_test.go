// Package acceptance exercises the full control loop end to end against the
// in-memory store: propose a change, simulate it, gate it through policy,
// execute it through the tool router, score the result and feed the reward
// back into the bandit.
package acceptance

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/opsloop/controlplane/internal/audit"
	"github.com/opsloop/controlplane/internal/decision"
	"github.com/opsloop/controlplane/internal/evaluator"
	"github.com/opsloop/controlplane/internal/governor"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/toolrouter"
	"github.com/opsloop/controlplane/internal/twin"
	"github.com/opsloop/controlplane/internal/workflow"
)

type system struct {
	store     *store.MemoryStore
	gov       *governor.Governor
	router    *toolrouter.Router
	twin      *twin.Twin
	decisions *decision.Engine
	eval      *evaluator.Evaluator
	workflows *workflow.Engine
}

func newSystem(t *testing.T) *system {
	t.Helper()

	st := store.NewMemoryStore()
	recorder := audit.NewRecorder(st)

	gov := governor.New(st)
	gov.InitializeBuiltInPolicies()

	router := toolrouter.New(st, recorder)
	router.SetSleepFunc(func(d time.Duration) {})

	tw := twin.New(st)
	tw.RegisterBuiltInModels()

	dec := decision.New(st, tw, gov, rand.New(rand.NewSource(7)))
	dec.RegisterDefaultDecisionTypes()

	ev := evaluator.New(st)

	wf := workflow.New(st, router, gov)
	wf.SetSleepFunc(func(d time.Duration) {})

	if err := st.UpsertAgent(context.Background(), models.Agent{
		ID:          "ops-agent",
		Name:        "ops agent",
		Active:      true,
		Permissions: []string{"payments:read", "payments:write", "ledger:write"},
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	return &system{
		store:     st,
		gov:       gov,
		router:    router,
		twin:      tw,
		decisions: dec,
		eval:      ev,
		workflows: wf,
	}
}

func (s *system) registerRefundFlow(t *testing.T) {
	t.Helper()

	err := s.router.RegisterTool(toolrouter.Tool{
		Name:                "payments",
		RequiredPermissions: []string{"payments:write"},
		Execute: func(ctx context.Context, operation string, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"status":  "ok",
				"orderId": args["orderId"],
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("register tool: %v", err)
	}

	err = s.workflows.RegisterWorkflow(workflow.Definition{
		Name:          "process_refund",
		AutonomyLevel: workflow.AutonomySupervised,
		Steps: []workflow.Step{
			{
				ID:        "gate",
				Type:      workflow.StepPolicyGate,
				Action:    "process_refund",
				Data:      map[string]interface{}{"amountCents": "$amountCents"},
				OnSuccess: "refund",
			},
			{
				ID:        "refund",
				Type:      workflow.StepToolCall,
				Tool:      "payments",
				Operation: "refund",
				Args:      map[string]interface{}{"orderId": "$orderId", "amountCents": "$amountCents"},
				OutputKey: "refund",
				OnSuccess: "verify",
			},
			{
				ID:         "verify",
				Type:       workflow.StepCondition,
				Expression: "refund.status == 'ok'",
			},
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}
}

func TestSmallRefundRunsStraightThrough(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	s.registerRefundFlow(t)

	run, err := s.workflows.ExecuteWorkflow(ctx, "process_refund",
		workflow.TriggerContext{OrgUnitID: "org-1", AgentID: "ops-agent"},
		map[string]interface{}{"orderId": "ord-1", "amountCents": 1200.0})
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed (error: %v)", run.Status, run.ErrorMessage)
	}

	replay, err := s.workflows.ReplayWorkflow(ctx, run.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	refund, ok := replay.State["refund"].(map[string]interface{})
	if !ok || refund["status"] != "ok" {
		t.Fatalf("refund output missing from run state: %v", replay.State)
	}

	// score the run and check the outcome was persisted
	s.eval.RegisterCriteria("refund_flow", []evaluator.Criterion{
		{Name: "completed", Weight: 2, Score: func(outputs map[string]interface{}, ec evaluator.Context) float64 {
			if outputs["status"] == string(models.RunStatusCompleted) {
				return 1
			}
			return 0
		}},
		{Name: "latency", Weight: 1, Score: func(outputs map[string]interface{}, ec evaluator.Context) float64 {
			return 0.9
		}},
	})
	res, err := s.eval.EvaluateOutcome(ctx, evaluator.Context{
		TaskType:  "refund_flow",
		TaskID:    run.ID.String(),
		OrgUnitID: "org-1",
		Outputs:   map[string]interface{}{"status": string(run.Status)},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Passed {
		t.Fatalf("evaluation should pass, got score %.2f feedback %v", res.OverallScore, res.Feedback)
	}

	if err := audit.VerifyChain(ctx, s.store); err != nil {
		t.Fatalf("audit chain broken: %v", err)
	}
}

func TestLargeRefundSuspendsUntilApproved(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	s.registerRefundFlow(t)

	run, err := s.workflows.ExecuteWorkflow(ctx, "process_refund",
		workflow.TriggerContext{OrgUnitID: "org-1", AgentID: "ops-agent"},
		map[string]interface{}{"orderId": "ord-2", "amountCents": 75000.0})
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if run.Status != models.RunStatusPendingApproval {
		t.Fatalf("run status = %s, want pending_approval", run.Status)
	}
	if run.ApprovalID == nil {
		t.Fatal("suspended run must carry its approval id")
	}
	if len(s.store.Actions()) != 0 {
		t.Fatalf("no tool may run before approval, got %d actions", len(s.store.Actions()))
	}

	// resuming before the human signs off must fail
	if _, err := s.workflows.ResumeWorkflow(ctx, run.ID); err == nil {
		t.Fatal("resume before approval should fail")
	} else if !strings.Contains(err.Error(), "not granted") {
		t.Fatalf("unexpected resume error: %v", err)
	}

	if _, err := s.gov.ResolveApproval(ctx, *run.ApprovalID, true, "founder@op"); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	resumed, err := s.workflows.ResumeWorkflow(ctx, run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != models.RunStatusCompleted {
		t.Fatalf("resumed run status = %s, want completed (error: %v)", resumed.Status, resumed.ErrorMessage)
	}
	if len(s.store.Actions()) != 1 {
		t.Fatalf("expected exactly one tool execution after approval, got %d", len(s.store.Actions()))
	}
}

func TestDecisionLoopFeedsRewardBack(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)

	res, err := s.decisions.MakeDecision(ctx, "pricing", decision.Context{
		OrgUnitID:    "org-1",
		CurrentState: map[string]float64{"marginPercent": 0.3, "revenueCents": 800000},
	})
	if err != nil {
		t.Fatalf("make decision: %v", err)
	}
	if res.RequiresApproval {
		t.Fatalf("healthy margin decision should not need approval: %s", res.Reasoning)
	}

	// score the executed change and learn from it
	eval, err := s.eval.EvaluateOutcome(ctx, evaluator.Context{
		TaskType:  "pricing",
		TaskID:    res.DecisionID.String(),
		OrgUnitID: "org-1",
		Outputs:   map[string]interface{}{"applied": res.SelectedOption},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	arm, err := s.decisions.RecordOutcome(ctx, res.DecisionID,
		map[string]float64{"revenueCents": 815000}, eval.OverallScore)
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if arm.Pulls != 1 {
		t.Fatalf("arm pulls = %d, want 1", arm.Pulls)
	}
	if arm.AvgReward != eval.OverallScore {
		t.Fatalf("arm avg reward = %v, want %v", arm.AvgReward, eval.OverallScore)
	}

	dec, err := s.store.GetDecision(ctx, res.DecisionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if dec.Status != models.DecisionStatusExecuted {
		t.Fatalf("decision status = %s, want executed", dec.Status)
	}
}

func TestKillSwitchStopsNewRuns(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	s.registerRefundFlow(t)

	if err := s.gov.KillSwitch(ctx, "org-1", "manual stop", "founder@op"); err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	_, err := s.workflows.ExecuteWorkflow(ctx, "process_refund",
		workflow.TriggerContext{OrgUnitID: "org-1", AgentID: "ops-agent"},
		map[string]interface{}{"orderId": "ord-3", "amountCents": 1200.0})
	if !errors.Is(err, workflow.ErrOrgUnitPaused) {
		t.Fatalf("expected ErrOrgUnitPaused, got %v", err)
	}
}
