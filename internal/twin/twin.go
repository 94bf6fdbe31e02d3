// package twin holds the what-if simulation engine. Models are stateless pure
// functions of (scenario, baseline), so predictions are deterministic and
// individually unit-testable.
package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
)

// PredictFunc maps a scenario and a baseline business state to a partial
// metrics forecast, a confidence in [0,1] and free-text risks/opportunities.
type PredictFunc func(scenario models.Scenario, baseline models.BusinessState) models.Prediction

// Twin aggregates per-model predictions into one forecast.
type Twin struct {
	store store.Store

	mu     sync.RWMutex
	order  []string
	models map[string]PredictFunc
}

func New(st store.Store) *Twin {
	return &Twin{
		store:  st,
		models: map[string]PredictFunc{},
	}
}

// RegisterModel adds (or replaces) a simulation model under the given type.
func (t *Twin) RegisterModel(modelType string, fn PredictFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.models[modelType]; !ok {
		t.order = append(t.order, modelType)
	}
	t.models[modelType] = fn
}

// RegisteredModelTypes returns the model types in registration order.
func (t *Twin) RegisteredModelTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

func (t *Twin) selectModels(modelTypes []string) ([]string, []PredictFunc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(modelTypes) == 0 {
		modelTypes = t.order
	}
	names := make([]string, 0, len(modelTypes))
	fns := make([]PredictFunc, 0, len(modelTypes))
	for _, mt := range modelTypes {
		fn, ok := t.models[mt]
		if !ok {
			return nil, nil, fmt.Errorf("unknown model type %q", mt)
		}
		names = append(names, mt)
		fns = append(fns, fn)
	}
	return names, fns, nil
}

// Simulate loads the latest state snapshot for the org unit (zeroed state if
// none exists), runs every selected model against the same baseline, and
// aggregates:
//   - each metric a model touches becomes the mean of the model values for it;
//     baseline metrics no model touches are carried through untouched
//   - risks/opportunities are unioned with duplicates removed
//   - confidence is the mean of per-model confidences (0 if no models ran)
//
// The scenario and aggregated prediction are persisted as a SimulationRun.
func (t *Twin) Simulate(ctx context.Context, orgUnitID string, scenario models.Scenario, modelTypes []string) (models.Prediction, error) {
	baseline, err := t.store.GetLatestStateSnapshot(ctx, orgUnitID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return models.Prediction{}, fmt.Errorf("load baseline: %w", err)
		}
		baseline = models.BusinessState{OrgUnitID: orgUnitID, Metrics: map[string]float64{}}
	}
	if baseline.Metrics == nil {
		baseline.Metrics = map[string]float64{}
	}

	names, fns, err := t.selectModels(modelTypes)
	if err != nil {
		return models.Prediction{}, err
	}

	agg := aggregate(baseline, scenario, fns)

	scenarioJSON, err := json.Marshal(scenario)
	if err != nil {
		return models.Prediction{}, fmt.Errorf("marshal scenario: %w", err)
	}
	predictionJSON, err := json.Marshal(agg)
	if err != nil {
		return models.Prediction{}, fmt.Errorf("marshal prediction: %w", err)
	}
	if _, err := t.store.CreateSimulationRun(ctx, store.SimulationRunInput{
		OrgUnitID:  orgUnitID,
		Scenario:   scenarioJSON,
		Prediction: predictionJSON,
		ModelTypes: names,
	}); err != nil {
		return models.Prediction{}, fmt.Errorf("persist simulation run: %w", err)
	}
	return agg, nil
}

func aggregate(baseline models.BusinessState, scenario models.Scenario, fns []PredictFunc) models.Prediction {
	out := models.Prediction{Metrics: map[string]float64{}}
	for k, v := range baseline.Metrics {
		out.Metrics[k] = v
	}

	if len(fns) == 0 {
		out.Risks = []string{"no simulation models ran; forecast is the unmodified baseline"}
		return out
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	confidenceSum := 0.0
	seenRisk := map[string]bool{}
	seenOpp := map[string]bool{}

	for _, fn := range fns {
		p := fn(scenario, baseline)
		for k, v := range p.Metrics {
			sums[k] += v
			counts[k]++
		}
		confidenceSum += p.Confidence
		for _, r := range p.Risks {
			if !seenRisk[r] {
				seenRisk[r] = true
				out.Risks = append(out.Risks, r)
			}
		}
		for _, o := range p.Opportunities {
			if !seenOpp[o] {
				seenOpp[o] = true
				out.Opportunities = append(out.Opportunities, o)
			}
		}
	}

	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Metrics[k] = sums[k] / float64(counts[k])
	}

	out.Confidence = confidenceSum / float64(len(fns))
	return out
}
