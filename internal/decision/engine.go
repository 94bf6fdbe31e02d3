// package decision orchestrates bandit-driven action selection: pick an option,
// simulate it, policy-check it, persist the decision, and learn from recorded
// outcomes. The bandit is an online epsilon-greedy heuristic, not a statistical
// optimality guarantee.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/controlplane/internal/governor"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/twin"
)

const (
	// epsilon is the exploration probability of the bandit.
	epsilon = 0.1

	// scenarioDurationDays is how far ahead the twin forecasts a decision.
	scenarioDurationDays = 7
)

var ErrUnknownDecisionType = errors.New("unknown decision type")

// Option is one candidate action for a decision type.
type Option struct {
	Name   string  `json:"name"`
	Change float64 `json:"change"`
}

// TypeSpec declares the option catalog and constraints for one decision type.
type TypeSpec struct {
	Name        string
	Options     []Option
	Constraints map[string]float64
	// ScenarioKey is the twin change-map key the option magnitude maps to,
	// e.g. "priceChange" for pricing.
	ScenarioKey string
	Metrics     []string
}

// Context carries the situation a decision is made in.
type Context struct {
	OrgUnitID    string
	CurrentState map[string]float64
	Constraints  map[string]float64
}

// Result is returned from MakeDecision.
type Result struct {
	DecisionID       uuid.UUID          `json:"decisionId"`
	SelectedOption   string             `json:"selectedOption"`
	Reasoning        string             `json:"reasoning"`
	PredictedImpact  map[string]float64 `json:"predictedImpact"`
	Confidence       float64            `json:"confidence"`
	RequiresApproval bool               `json:"requiresApproval"`
	ApprovalID       *uuid.UUID         `json:"approvalId,omitempty"`
}

// Engine wires the bandit store, the digital twin and the governor together.
type Engine struct {
	store store.Store
	twin  *twin.Twin
	gov   *governor.Governor

	mu    sync.RWMutex
	types map[string]TypeSpec

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs an engine. A nil rng gets a time-seeded source; tests inject
// a fixed seed for deterministic exploration.
func New(st store.Store, tw *twin.Twin, gov *governor.Governor, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		store: st,
		twin:  tw,
		gov:   gov,
		types: map[string]TypeSpec{},
		rng:   rng,
	}
}

// RegisterDecisionType installs the declarative option catalog for a type.
func (e *Engine) RegisterDecisionType(spec TypeSpec) {
	if spec.ScenarioKey == "" {
		spec.ScenarioKey = spec.Name + "Change"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types[spec.Name] = spec
}

// RegisterDefaultDecisionTypes installs the pricing and ad-spend catalogs.
func (e *Engine) RegisterDefaultDecisionTypes() {
	e.RegisterDecisionType(TypeSpec{
		Name: "pricing",
		Options: []Option{
			{Name: "cut_5", Change: -0.05},
			{Name: "cut_2", Change: -0.02},
			{Name: "hold", Change: 0},
			{Name: "raise_2", Change: 0.02},
			{Name: "raise_5", Change: 0.05},
		},
		Constraints: map[string]float64{"minMarginPercent": governor.PricingMarginFloor},
		ScenarioKey: "priceChange",
		Metrics:     []string{"revenueCents", "marginPercent", "unitsSold"},
	})
	e.RegisterDecisionType(TypeSpec{
		Name: "ad_spend",
		Options: []Option{
			{Name: "cut_20", Change: -0.20},
			{Name: "cut_10", Change: -0.10},
			{Name: "hold", Change: 0},
			{Name: "raise_10", Change: 0.10},
			{Name: "raise_20", Change: 0.20},
		},
		Constraints: map[string]float64{
			"minRoas":           governor.AdSpendMinRoas,
			"minCashRunwayDays": governor.AdSpendMinCashRunwayDays,
		},
		ScenarioKey: "adSpendChange",
		Metrics:     []string{"roas", "cashRunwayDays"},
	})
}

// defaultArms is the ladder seeded when an experiment has no explicit options.
func defaultArms() []Option {
	return []Option{
		{Name: "conservative", Change: 0.01},
		{Name: "maintain", Change: 0},
		{Name: "moderate", Change: 0.05},
		{Name: "aggressive", Change: 0.10},
	}
}

// MakeDecision selects an option for the decision type, simulates it, checks
// policy, and persists the decision. The decision starts as "proposed" when an
// approval is required and "approved" otherwise.
func (e *Engine) MakeDecision(ctx context.Context, typeName string, dc Context) (Result, error) {
	e.mu.RLock()
	spec, ok := e.types[typeName]
	e.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDecisionType, typeName)
	}

	exp, err := e.resolveExperiment(ctx, spec, dc.OrgUnitID)
	if err != nil {
		return Result{}, err
	}
	arms, err := e.resolveArms(ctx, exp, spec)
	if err != nil {
		return Result{}, err
	}

	arm := e.selectArm(arms)
	change := armChange(arm)

	// Refresh the baseline so the twin simulates from the caller's view of
	// the world, then forecast the selected option.
	if len(dc.CurrentState) > 0 {
		if err := e.store.SaveStateSnapshot(ctx, models.BusinessState{
			OrgUnitID: dc.OrgUnitID,
			Metrics:   dc.CurrentState,
			AsOf:      time.Now().UTC(),
		}); err != nil {
			return Result{}, fmt.Errorf("save state snapshot: %w", err)
		}
	}
	scenario := models.Scenario{
		Name:     fmt.Sprintf("%s:%s", typeName, arm.Name),
		Changes:  map[string]float64{spec.ScenarioKey: change},
		Duration: scenarioDurationDays,
	}
	prediction, err := e.twin.Simulate(ctx, dc.OrgUnitID, scenario, nil)
	if err != nil {
		return Result{}, fmt.Errorf("simulate: %w", err)
	}

	policyData := map[string]interface{}{"change": change}
	for k, v := range prediction.Metrics {
		policyData[k] = v
	}
	for k, v := range dc.Constraints {
		policyData[k] = v
	}
	policy := e.gov.CheckPolicy(ctx, dc.OrgUnitID, typeName, policyData)

	requiresApproval := policy.RequiresApproval || !policy.Allowed
	status := models.DecisionStatusApproved
	if requiresApproval {
		status = models.DecisionStatusProposed
	}

	optionsJSON, _ := json.Marshal(armOptions(arms))
	impactJSON, _ := json.Marshal(prediction.Metrics)
	reasoning := buildReasoning(arm, prediction, policy)

	dec, err := e.store.CreateDecision(ctx, store.DecisionInput{
		Type:            typeName,
		OrgUnitID:       dc.OrgUnitID,
		ExperimentID:    exp.ID,
		ArmID:           arm.ID,
		Options:         optionsJSON,
		SelectedOption:  arm.Name,
		Reasoning:       reasoning,
		PredictedImpact: impactJSON,
		Status:          status,
		ApprovalID:      policy.ApprovalID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("persist decision: %w", err)
	}

	return Result{
		DecisionID:       dec.ID,
		SelectedOption:   arm.Name,
		Reasoning:        reasoning,
		PredictedImpact:  prediction.Metrics,
		Confidence:       prediction.Confidence,
		RequiresApproval: requiresApproval,
		ApprovalID:       policy.ApprovalID,
	}, nil
}

// RecordOutcome marks the decision executed with its measured impact and feeds
// the reward back into the chosen arm. A decision that carries an approval may
// only execute after that approval is granted.
func (e *Engine) RecordOutcome(ctx context.Context, decisionID uuid.UUID, actualImpact map[string]float64, reward float64) (models.BanditArm, error) {
	dec, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return models.BanditArm{}, err
	}
	if dec.ApprovalID != nil {
		approved, err := e.gov.CheckApproval(ctx, *dec.ApprovalID)
		if err != nil {
			return models.BanditArm{}, fmt.Errorf("check approval: %w", err)
		}
		if !approved {
			return models.BanditArm{}, fmt.Errorf("decision %s requires approval %s before execution", decisionID, *dec.ApprovalID)
		}
	} else if dec.Status == models.DecisionStatusProposed {
		// Hard-denied decisions have no approval path and can never execute.
		return models.BanditArm{}, fmt.Errorf("decision %s was denied by policy and cannot execute", decisionID)
	}

	impactJSON, err := json.Marshal(actualImpact)
	if err != nil {
		return models.BanditArm{}, fmt.Errorf("marshal impact: %w", err)
	}
	if _, err := e.store.MarkDecisionExecuted(ctx, decisionID, impactJSON); err != nil {
		return models.BanditArm{}, fmt.Errorf("mark executed: %w", err)
	}

	rewardCtx, _ := json.Marshal(map[string]interface{}{
		"decisionId": decisionID,
		"type":       dec.Type,
		"orgUnitId":  dec.OrgUnitID,
		"impact":     actualImpact,
	})
	arm, err := e.store.RecordArmReward(ctx, dec.ArmID, rewardCtx, reward)
	if err != nil {
		return models.BanditArm{}, fmt.Errorf("record reward: %w", err)
	}
	return arm, nil
}

func (e *Engine) resolveExperiment(ctx context.Context, spec TypeSpec, orgUnitID string) (models.Experiment, error) {
	name := "decision_" + spec.Name
	exp, err := e.store.GetExperimentByName(ctx, name, orgUnitID)
	if err == nil {
		return exp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	exp, err = e.store.CreateExperiment(ctx, store.ExperimentInput{
		Name:      name,
		OrgUnitID: orgUnitID,
		Metrics:   spec.Metrics,
	})
	if err != nil {
		return models.Experiment{}, fmt.Errorf("create experiment: %w", err)
	}
	return exp, nil
}

func (e *Engine) resolveArms(ctx context.Context, exp models.Experiment, spec TypeSpec) ([]models.BanditArm, error) {
	arms, err := e.store.ListArms(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("list arms: %w", err)
	}
	if len(arms) > 0 {
		return arms, nil
	}

	seed := spec.Options
	if len(seed) == 0 {
		seed = defaultArms()
	}
	for _, opt := range seed {
		config, _ := json.Marshal(map[string]float64{"change": opt.Change})
		arm, err := e.store.CreateArm(ctx, store.ArmInput{
			ExperimentID: exp.ID,
			Name:         opt.Name,
			Config:       config,
		})
		if err != nil {
			return nil, fmt.Errorf("seed arm %s: %w", opt.Name, err)
		}
		arms = append(arms, arm)
	}
	return arms, nil
}

// selectArm is epsilon-greedy: explore uniformly with probability epsilon,
// otherwise exploit the best average reward with ties broken by encounter order.
func (e *Engine) selectArm(arms []models.BanditArm) models.BanditArm {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if e.rng.Float64() < epsilon {
		return arms[e.rng.Intn(len(arms))]
	}
	best := arms[0]
	for _, arm := range arms[1:] {
		if arm.AvgReward > best.AvgReward {
			best = arm
		}
	}
	return best
}

func armChange(arm models.BanditArm) float64 {
	var config struct {
		Change float64 `json:"change"`
	}
	_ = json.Unmarshal(arm.Config, &config)
	return config.Change
}

func armOptions(arms []models.BanditArm) []Option {
	out := make([]Option, 0, len(arms))
	for _, arm := range arms {
		out = append(out, Option{Name: arm.Name, Change: armChange(arm)})
	}
	return out
}

// buildReasoning composes the operator-facing explanation: option, history,
// top predicted metrics, confidence, and up to two risks.
func buildReasoning(arm models.BanditArm, prediction models.Prediction, policy governor.CheckResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Selected %q (avg reward %.3f over %d trials).", arm.Name, arm.AvgReward, arm.Pulls)

	if len(prediction.Metrics) > 0 {
		keys := make([]string, 0, len(prediction.Metrics))
		for k := range prediction.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 3 {
			keys = keys[:3]
		}
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.2f", k, prediction.Metrics[k]))
		}
		fmt.Fprintf(&b, " Forecast: %s.", strings.Join(parts, ", "))
	}

	fmt.Fprintf(&b, " Confidence %.0f%%.", prediction.Confidence*100)

	risks := prediction.Risks
	if len(risks) > 2 {
		risks = risks[:2]
	}
	for _, r := range risks {
		fmt.Fprintf(&b, " Risk: %s.", r)
	}

	if !policy.Allowed && policy.Reason != "" {
		fmt.Fprintf(&b, " Policy: %s.", policy.Reason)
	}
	return b.String()
}
