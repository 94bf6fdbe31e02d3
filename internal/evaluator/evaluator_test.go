package evaluator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/controlplane/internal/evaluator"
	"github.com/opsloop/controlplane/internal/store"
)

func TestDefaultEvaluatorEmptyOutputs(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{
		TaskType: "unregistered",
		TaskID:   "t-1",
		Outputs:  map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.OverallScore)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"No outputs produced"}, res.Feedback)
}

func TestDefaultEvaluatorErrorOutput(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{
		TaskType: "unregistered",
		TaskID:   "t-2",
		Outputs:  map[string]interface{}{"error": "payment gateway 503"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.OverallScore)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"payment gateway 503"}, res.Feedback)
}

func TestDefaultEvaluatorSuccess(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{
		TaskType: "unregistered",
		TaskID:   "t-3",
		Outputs:  map[string]interface{}{"result": "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.OverallScore)
	assert.True(t, res.Passed)
}

func TestWeightedCriteria(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	e.RegisterCriteria("refund", []evaluator.Criterion{
		{Name: "accuracy", Weight: 3, Score: func(map[string]interface{}, evaluator.Context) float64 { return 1.0 }},
		{Name: "latency", Weight: 1, Score: func(map[string]interface{}, evaluator.Context) float64 { return 0.5 }},
	})

	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{TaskType: "refund", TaskID: "t-4"})
	require.NoError(t, err)
	assert.InDelta(t, (3*1.0+1*0.5)/4, res.OverallScore, 1e-9)
	assert.True(t, res.Passed)
	// latency scored under 0.6 so it gets named in feedback
	require.Len(t, res.Feedback, 1)
	assert.Contains(t, res.Feedback[0], "latency")
}

func TestPassBoundaryIsInclusive(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	e.RegisterCriteria("boundary", []evaluator.Criterion{
		{Name: "only", Weight: 1, Score: func(map[string]interface{}, evaluator.Context) float64 { return 0.7 }},
	})
	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{TaskType: "boundary", TaskID: "t-5"})
	require.NoError(t, err)
	assert.Equal(t, 0.7, res.OverallScore)
	assert.True(t, res.Passed)
}

func TestPanickingCriterionIsExcluded(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	e.RegisterCriteria("mixed", []evaluator.Criterion{
		{Name: "broken", Weight: 10, Score: func(map[string]interface{}, evaluator.Context) float64 { panic("nil deref") }},
		{Name: "working", Weight: 1, Score: func(map[string]interface{}, evaluator.Context) float64 { return 0.9 }},
	})
	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{TaskType: "mixed", TaskID: "t-6"})
	require.NoError(t, err)
	// broken contributes no weight, it does not zero the average
	assert.InDelta(t, 0.9, res.OverallScore, 1e-9)
	assert.True(t, res.Passed)
	require.NotEmpty(t, res.Feedback)
	assert.Contains(t, res.Feedback[0], "broken")
}

func TestScoresAreClamped(t *testing.T) {
	e := evaluator.New(store.NewMemoryStore())
	e.RegisterCriteria("wild", []evaluator.Criterion{
		{Name: "over", Weight: 1, Score: func(map[string]interface{}, evaluator.Context) float64 { return 3.7 }},
	})
	res, err := e.EvaluateOutcome(context.Background(), evaluator.Context{TaskType: "wild", TaskID: "t-7"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.OverallScore)
}

func TestRegressionDetection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := evaluator.New(st)

	score := 0.9
	e.RegisterCriteria("pricing", []evaluator.Criterion{
		{Name: "only", Weight: 1, Score: func(map[string]interface{}, evaluator.Context) float64 { return score }},
	})

	// build a passing baseline around 0.9
	for i := 0; i < 10; i++ {
		_, err := e.EvaluateOutcome(ctx, evaluator.Context{TaskType: "pricing", TaskID: fmt.Sprintf("b-%d", i)})
		require.NoError(t, err)
	}

	// 0.72 passes but sits under 0.9*0.85
	score = 0.72
	res, err := e.EvaluateOutcome(ctx, evaluator.Context{TaskType: "pricing", TaskID: "regressed"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, res.RegressionDetected)

	// no baseline for a fresh task type means no regression
	res, err = e.EvaluateOutcome(ctx, evaluator.Context{TaskType: "fresh", TaskID: "t-8", Outputs: map[string]interface{}{"ok": true}})
	require.NoError(t, err)
	assert.False(t, res.RegressionDetected)
}
