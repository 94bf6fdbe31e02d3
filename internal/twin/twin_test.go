package twin_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/twin"
)

func TestSimulateWithZeroModels(t *testing.T) {
	st := store.NewMemoryStore()
	tw := twin.New(st)

	p, err := tw.Simulate(context.Background(), "org-1", models.Scenario{Name: "noop", Duration: 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Confidence)
	require.Len(t, p.Risks, 1)
	assert.Contains(t, p.Risks[0], "no simulation models ran")
}

func TestSimulateConfidenceIsMeanOfModels(t *testing.T) {
	st := store.NewMemoryStore()
	tw := twin.New(st)
	tw.RegisterModel("a", func(s models.Scenario, b models.BusinessState) models.Prediction {
		return models.Prediction{Metrics: map[string]float64{"x": 10}, Confidence: 0.4}
	})
	tw.RegisterModel("b", func(s models.Scenario, b models.BusinessState) models.Prediction {
		return models.Prediction{Metrics: map[string]float64{"x": 20}, Confidence: 0.8}
	})

	p, err := tw.Simulate(context.Background(), "org-1", models.Scenario{Name: "s"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, p.Confidence, 1e-9)
	// metric touched by both models averages across them
	assert.InDelta(t, 15.0, p.Metrics["x"], 1e-9)
}

func TestSimulateCarriesBaselineThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveStateSnapshot(ctx, models.BusinessState{
		OrgUnitID: "org-1",
		Metrics:   map[string]float64{"untouched": 42, "x": 1},
		AsOf:      time.Now().UTC(),
	}))

	tw := twin.New(st)
	tw.RegisterModel("a", func(s models.Scenario, b models.BusinessState) models.Prediction {
		return models.Prediction{Metrics: map[string]float64{"x": 5}, Confidence: 1}
	})

	p, err := tw.Simulate(ctx, "org-1", models.Scenario{Name: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, p.Metrics["untouched"])
	assert.Equal(t, 5.0, p.Metrics["x"])
}

func TestSimulateDeduplicatesRisks(t *testing.T) {
	st := store.NewMemoryStore()
	tw := twin.New(st)
	for _, name := range []string{"a", "b"} {
		tw.RegisterModel(name, func(s models.Scenario, b models.BusinessState) models.Prediction {
			return models.Prediction{Risks: []string{"shared risk"}, Confidence: 0.5}
		})
	}
	p, err := tw.Simulate(context.Background(), "org-1", models.Scenario{Name: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared risk"}, p.Risks)
}

func TestSimulateUnknownModelType(t *testing.T) {
	st := store.NewMemoryStore()
	tw := twin.New(st)
	tw.RegisterBuiltInModels()

	_, err := tw.Simulate(context.Background(), "org-1", models.Scenario{Name: "s"}, []string{"astrology"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model type")
}

func TestBuiltInAdSpendScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveStateSnapshot(ctx, models.BusinessState{
		OrgUnitID: "org-1",
		Metrics: map[string]float64{
			"roas":           1.5,
			"cashRunwayDays": 25,
			"unitsSold":      100,
		},
		AsOf: time.Now().UTC(),
	}))

	tw := twin.New(st)
	tw.RegisterBuiltInModels()

	p, err := tw.Simulate(ctx, "org-1", models.Scenario{
		Name:     "raise ad spend",
		Changes:  map[string]float64{"adSpendChange": 0.2},
		Duration: 7,
	}, nil)
	require.NoError(t, err)

	// more spend burns runway faster and dilutes roas
	assert.Less(t, p.Metrics["cashRunwayDays"], 25.0)
	assert.Less(t, p.Metrics["roas"], 1.5)

	var found bool
	for _, r := range p.Risks {
		if strings.Contains(r, "runway") {
			found = true
		}
	}
	assert.True(t, found, "expected a cash runway risk, got %v", p.Risks)
}
