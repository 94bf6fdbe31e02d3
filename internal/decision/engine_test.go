package decision_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/controlplane/internal/decision"
	"github.com/opsloop/controlplane/internal/governor"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/twin"
)

func newEngine(t *testing.T, seed int64) (*decision.Engine, *store.MemoryStore, *governor.Governor) {
	t.Helper()
	st := store.NewMemoryStore()
	g := governor.New(st)
	g.InitializeBuiltInPolicies()
	tw := twin.New(st)
	tw.RegisterBuiltInModels()
	e := decision.New(st, tw, g, rand.New(rand.NewSource(seed)))
	e.RegisterDefaultDecisionTypes()
	return e, st, g
}

func TestMakeDecisionUnknownType(t *testing.T) {
	e, _, _ := newEngine(t, 1)
	_, err := e.MakeDecision(context.Background(), "colonize_mars", decision.Context{OrgUnitID: "org-1"})
	assert.ErrorIs(t, err, decision.ErrUnknownDecisionType)
}

func TestMakeDecisionSeedsExperimentAndArms(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newEngine(t, 1)

	res, err := e.MakeDecision(ctx, "pricing", decision.Context{
		OrgUnitID:    "org-1",
		CurrentState: map[string]float64{"marginPercent": 0.25, "revenueCents": 500000},
	})
	require.NoError(t, err)

	exp, err := st.GetExperimentByName(ctx, "decision_pricing", "org-1")
	require.NoError(t, err)
	arms, err := st.ListArms(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, arms, 5, "pricing catalog seeds five arms")

	names := map[string]bool{}
	for _, a := range arms {
		names[a.Name] = true
	}
	assert.True(t, names[res.SelectedOption], "selected option must be a seeded arm")

	dec, err := st.GetDecision(ctx, res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "pricing", dec.Type)
	assert.Equal(t, res.SelectedOption, dec.SelectedOption)

	// reasoning names the option, its history and the confidence
	assert.Contains(t, res.Reasoning, res.SelectedOption)
	assert.Contains(t, res.Reasoning, "avg reward")
	assert.Contains(t, res.Reasoning, "Confidence")
}

func TestRecordOutcomeUpdatesArmStatistics(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newEngine(t, 1)

	res, err := e.MakeDecision(ctx, "pricing", decision.Context{
		OrgUnitID:    "org-1",
		CurrentState: map[string]float64{"marginPercent": 0.25},
	})
	require.NoError(t, err)
	require.False(t, res.RequiresApproval)

	arm, err := e.RecordOutcome(ctx, res.DecisionID, map[string]float64{"revenueCents": 510000}, 0.8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), arm.Pulls)
	assert.InDelta(t, 0.8, arm.TotalReward, 1e-9)
	assert.InDelta(t, 0.8, arm.AvgReward, 1e-9)

	dec, err := st.GetDecision(ctx, res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusExecuted, dec.Status)
	require.Len(t, st.Rewards(), 1)
	assert.InDelta(t, 0.8, st.Rewards()[0].Reward, 1e-9)
}

func TestArmAverageIsExactAfterRepeatedRewards(t *testing.T) {
	ctx := context.Background()
	_, st, _ := newEngine(t, 1)

	exp, err := st.CreateExperiment(ctx, store.ExperimentInput{Name: "decision_test", OrgUnitID: "org-1"})
	require.NoError(t, err)
	arm, err := st.CreateArm(ctx, store.ArmInput{ExperimentID: exp.ID, Name: "only"})
	require.NoError(t, err)

	rewards := []float64{1.0, 0.0, 0.5, 0.25}
	total := 0.0
	for i, r := range rewards {
		updated, err := st.RecordArmReward(ctx, arm.ID, nil, r)
		require.NoError(t, err)
		total += r
		assert.Equal(t, int64(i+1), updated.Pulls)
		assert.InDelta(t, total, updated.TotalReward, 1e-9)
		// avgReward == (t+r)/(p+1) exactly at every step
		assert.InDelta(t, total/float64(i+1), updated.AvgReward, 1e-9)
	}
}

func TestApprovalGatedDecisionCannotExecuteEarly(t *testing.T) {
	ctx := context.Background()
	e, _, g := newEngine(t, 1)

	// refund amounts ride through the twin baseline into the policy data,
	// tripping the approval threshold
	e.RegisterDecisionType(decision.TypeSpec{
		Name:        "issue_refund",
		Options:     []decision.Option{{Name: "full_refund", Change: 0}},
		ScenarioKey: "refundChange",
	})

	res, err := e.MakeDecision(ctx, "issue_refund", decision.Context{
		OrgUnitID:    "org-1",
		CurrentState: map[string]float64{"amountCents": 75000},
	})
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	require.NotNil(t, res.ApprovalID)

	_, err = e.RecordOutcome(ctx, res.DecisionID, map[string]float64{"amountCents": 75000}, 1.0)
	require.Error(t, err, "must not execute before approval")

	_, err = g.ResolveApproval(ctx, *res.ApprovalID, true, "founder@op")
	require.NoError(t, err)

	_, err = e.RecordOutcome(ctx, res.DecisionID, map[string]float64{"amountCents": 75000}, 1.0)
	require.NoError(t, err)
}

func TestUnsafeAdSpendIncreaseAlwaysGated(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newEngine(t, 42)

	state := map[string]float64{"roas": 1.5, "cashRunwayDays": 25}

	// seed arms, then make raise_20 the greedy choice
	_, err := e.MakeDecision(ctx, "ad_spend", decision.Context{OrgUnitID: "org-1", CurrentState: state})
	require.NoError(t, err)
	exp, err := st.GetExperimentByName(ctx, "decision_ad_spend", "org-1")
	require.NoError(t, err)
	arms, err := st.ListArms(ctx, exp.ID)
	require.NoError(t, err)
	for _, arm := range arms {
		if arm.Name == "raise_20" {
			_, err := st.RecordArmReward(ctx, arm.ID, nil, 1.0)
			require.NoError(t, err)
		}
	}

	raises := 0
	for i := 0; i < 20; i++ {
		res, err := e.MakeDecision(ctx, "ad_spend", decision.Context{OrgUnitID: "org-1", CurrentState: state})
		require.NoError(t, err)
		if res.SelectedOption == "raise_10" || res.SelectedOption == "raise_20" {
			raises++
			// with roas under 2.0 and runway under 30 days an increase is
			// never directly executable
			assert.True(t, res.RequiresApproval, "unsafe increase must be gated")
			dec, err := st.GetDecision(ctx, res.DecisionID)
			require.NoError(t, err)
			assert.Equal(t, models.DecisionStatusProposed, dec.Status)
		}
	}
	assert.Greater(t, raises, 0, "greedy selection should pick the boosted raise arm")
}
