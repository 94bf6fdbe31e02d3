// package evaluator scores completed actions against weighted criteria and
// detects regressions versus the historical baseline for the task type.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opsloop/controlplane/internal/store"
)

// baselineWindow is how many recent passing outcomes form the regression baseline.
const baselineWindow = 100

// regressionFactor: a score under baseline*factor counts as a regression.
const regressionFactor = 0.85

// passThreshold is the minimum overall score for a passing outcome.
const passThreshold = 0.7

// Scorer maps task outputs and context to a score in [0,1]. A scorer that
// panics is excluded from the weighted average rather than zeroing it.
type Scorer func(outputs map[string]interface{}, ec Context) float64

// Criterion is one named, weighted scoring rule.
type Criterion struct {
	Name   string
	Weight float64
	Score  Scorer
}

// Context describes the task being evaluated.
type Context struct {
	TaskType  string
	TaskID    string
	OrgUnitID string
	Outputs   map[string]interface{}
}

// Result is the outcome of one evaluation.
type Result struct {
	OverallScore       float64            `json:"overallScore"`
	Scores             map[string]float64 `json:"scores"`
	Passed             bool               `json:"passed"`
	Feedback           []string           `json:"feedback"`
	RegressionDetected bool               `json:"regressionDetected"`
}

// Evaluator owns the criteria registry. Instances are independent so tests can
// run isolated evaluators in parallel.
type Evaluator struct {
	store store.Store

	mu       sync.RWMutex
	criteria map[string][]Criterion
}

func New(st store.Store) *Evaluator {
	return &Evaluator{
		store:    st,
		criteria: map[string][]Criterion{},
	}
}

// RegisterCriteria installs the scoring rule set for a task type, replacing
// any previous registration.
func (e *Evaluator) RegisterCriteria(taskType string, criteria []Criterion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.criteria[taskType] = criteria
}

// EvaluateOutcome scores the task, checks for regression against the mean of
// the last 100 passing outcomes, and persists an Outcome row regardless of
// pass/fail.
func (e *Evaluator) EvaluateOutcome(ctx context.Context, ec Context) (Result, error) {
	e.mu.RLock()
	criteria := e.criteria[ec.TaskType]
	e.mu.RUnlock()

	var res Result
	if len(criteria) == 0 {
		res = defaultEvaluate(ec)
	} else {
		res = e.runCriteria(criteria, ec)
	}

	baseline, ok, err := e.historicalBaseline(ctx, ec.TaskType)
	if err != nil {
		return Result{}, fmt.Errorf("load baseline: %w", err)
	}
	if ok && res.OverallScore < baseline*regressionFactor {
		res.RegressionDetected = true
		res.Feedback = append(res.Feedback, fmt.Sprintf("score %.2f regressed versus baseline %.2f", res.OverallScore, baseline))
	}

	scores, err := json.Marshal(res.Scores)
	if err != nil {
		return Result{}, fmt.Errorf("marshal scores: %w", err)
	}
	if _, err := e.store.CreateOutcome(ctx, store.OutcomeInput{
		TaskType:           ec.TaskType,
		TaskID:             ec.TaskID,
		OrgUnitID:          ec.OrgUnitID,
		OverallScore:       res.OverallScore,
		Scores:             scores,
		Passed:             res.Passed,
		Feedback:           res.Feedback,
		RegressionDetected: res.RegressionDetected,
	}); err != nil {
		return Result{}, fmt.Errorf("persist outcome: %w", err)
	}
	return res, nil
}

// defaultEvaluate handles task types with no registered criteria.
func defaultEvaluate(ec Context) Result {
	res := Result{Scores: map[string]float64{}}
	if len(ec.Outputs) == 0 {
		res.Feedback = []string{"No outputs produced"}
		return res
	}
	if errVal, ok := ec.Outputs["error"]; ok && errVal != nil {
		res.Feedback = []string{fmt.Sprintf("%v", errVal)}
		return res
	}
	res.OverallScore = 0.8
	res.Passed = res.OverallScore >= passThreshold
	res.Feedback = []string{"Task completed successfully"}
	return res
}

func (e *Evaluator) runCriteria(criteria []Criterion, ec Context) Result {
	res := Result{Scores: map[string]float64{}}

	weightedSum := 0.0
	weightTotal := 0.0
	for _, c := range criteria {
		score, err := safeScore(c, ec)
		if err != nil {
			res.Feedback = append(res.Feedback, fmt.Sprintf("criterion %s failed: %v", c.Name, err))
			continue
		}
		score = clamp01(score)
		res.Scores[c.Name] = score
		weightedSum += score * c.Weight
		weightTotal += c.Weight
		if score < 0.6 {
			res.Feedback = append(res.Feedback, fmt.Sprintf("criterion %s scored %.2f", c.Name, score))
		}
	}

	if weightTotal > 0 {
		res.OverallScore = weightedSum / weightTotal
	}
	res.Passed = res.OverallScore >= passThreshold
	return res
}

// safeScore runs a scorer, converting a panic into an error so one broken
// criterion never sinks the whole evaluation.
func safeScore(c Criterion, ec Context) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return c.Score(ec.Outputs, ec), nil
}

// historicalBaseline returns the mean score of the most recent passing
// outcomes for the task type. ok is false when no baseline exists.
func (e *Evaluator) historicalBaseline(ctx context.Context, taskType string) (float64, bool, error) {
	outcomes, err := e.store.ListRecentOutcomes(ctx, taskType, baselineWindow)
	if err != nil {
		return 0, false, err
	}
	sum := 0.0
	n := 0
	for _, o := range outcomes {
		if !o.Passed {
			continue
		}
		sum += o.OverallScore
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
