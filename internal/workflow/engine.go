// package workflow executes named step-graph workflows with branching,
// tracing and durable run state. Steps delegate to the tool router, the
// governor (policy and approval gates) and expression-driven branching; a run
// suspends in pending_approval when governance demands a human and resumes
// only after the approval is granted.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opsloop/controlplane/internal/governor"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/toolrouter"
)

const (
	defaultStepRetries = 3
	stepMaxBackoff     = 10 * time.Second
)

// StepType enumerates the supported step kinds.
type StepType string

const (
	StepToolCall     StepType = "tool_call"
	StepPolicyGate   StepType = "policy_gate"
	StepApprovalGate StepType = "approval_gate"
	StepDecision     StepType = "decision"
	StepCondition    StepType = "condition"
	StepParallel     StepType = "parallel"
)

// AutonomyLevel controls how much human approval a workflow needs.
type AutonomyLevel string

const (
	AutonomyManual     AutonomyLevel = "manual"
	AutonomyAssisted   AutonomyLevel = "assisted"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyAutonomous AutonomyLevel = "autonomous"
)

// Step is one node of a workflow graph. Which fields apply depends on Type;
// RegisterWorkflow validates the combination.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// tool_call
	Tool      string                 `json:"tool,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	OutputKey string                 `json:"outputKey,omitempty"`

	// policy_gate
	Action string                 `json:"action,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`

	// decision / condition
	Expression string `json:"expression,omitempty"`
	TrueStep   string `json:"trueStep,omitempty"`
	FalseStep  string `json:"falseStep,omitempty"`

	// parallel
	Steps []Step `json:"steps,omitempty"`

	OnSuccess  string `json:"onSuccess,omitempty"`
	OnFailure  string `json:"onFailure,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"` // defaults to 3
}

// Definition is an immutable named step graph. New versions are new names.
type Definition struct {
	Name          string        `json:"name"`
	StartStep     string        `json:"startStep,omitempty"` // defaults to the first step
	Steps         []Step        `json:"steps"`
	AutonomyLevel AutonomyLevel `json:"autonomyLevel,omitempty"`
	TriggerEvents []string      `json:"triggerEvents,omitempty"`
}

// TriggerContext identifies who a run executes on behalf of.
type TriggerContext struct {
	OrgUnitID string
	AgentID   string
}

// Replay is a read-only reconstruction of a persisted run. It does not
// re-execute anything.
type Replay struct {
	Run    models.WorkflowRun     `json:"run"`
	Inputs map[string]interface{} `json:"inputs"`
	State  map[string]interface{} `json:"state"`
	Trace  []models.TraceEntry    `json:"trace"`
}

// Observer receives engine lifecycle events. The metrics package provides the
// production implementation; the default is a no-op.
type Observer interface {
	RunStarted(workflow string)
	RunFinished(workflow string, status models.RunStatus, d time.Duration)
	StepExecuted(workflow string, stepType StepType, d time.Duration, failed bool)
}

type nopObserver struct{}

func (nopObserver) RunStarted(string)                                   {}
func (nopObserver) RunFinished(string, models.RunStatus, time.Duration) {}
func (nopObserver) StepExecuted(string, StepType, time.Duration, bool)  {}

type registeredDef struct {
	def   Definition
	index map[string]Step
	exprs map[string]Expr
}

// Engine owns the definition registry and the in-memory active-run registry.
// Registries are per-instance so tests can run isolated engines in parallel.
type Engine struct {
	store  store.Store
	router *toolrouter.Router
	gov    *governor.Governor
	obs    Observer

	mu   sync.RWMutex
	defs map[string]*registeredDef

	activeMu sync.Mutex
	active   map[uuid.UUID]string

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func New(st store.Store, router *toolrouter.Router, gov *governor.Governor) *Engine {
	return &Engine{
		store:  st,
		router: router,
		gov:    gov,
		obs:    nopObserver{},
		defs:   map[string]*registeredDef{},
		active: map[uuid.UUID]string{},
		sleep:  time.Sleep,
	}
}

// SetSleepFunc replaces the retry backoff sleep. Tests use this to avoid real
// waits.
func (e *Engine) SetSleepFunc(fn func(time.Duration)) {
	if fn != nil {
		e.sleep = fn
	}
}

// SetObserver installs a lifecycle observer. Call before executing workflows.
func (e *Engine) SetObserver(obs Observer) {
	if obs != nil {
		e.obs = obs
	}
}

// RegisterWorkflow validates and installs a definition. Definitions are
// immutable; registering an existing name is an error.
func (e *Engine) RegisterWorkflow(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step required", def.Name)
	}
	if def.AutonomyLevel == "" {
		def.AutonomyLevel = AutonomySupervised
	}
	if def.StartStep == "" {
		def.StartStep = def.Steps[0].ID
	}

	rd := &registeredDef{
		def:   def,
		index: map[string]Step{},
		exprs: map[string]Expr{},
	}
	for _, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step id required", def.Name)
		}
		if _, dup := rd.index[s.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %q", def.Name, s.ID)
		}
		rd.index[s.ID] = s
		if err := validateStep(def.Name, s, rd); err != nil {
			return err
		}
	}
	if _, ok := rd.index[def.StartStep]; !ok {
		return fmt.Errorf("workflow %s: start step %q not found", def.Name, def.StartStep)
	}
	for _, s := range def.Steps {
		for _, edge := range []string{s.OnSuccess, s.OnFailure, s.TrueStep, s.FalseStep} {
			if edge == "" {
				continue
			}
			if _, ok := rd.index[edge]; !ok {
				return fmt.Errorf("workflow %s: step %s references unknown step %q", def.Name, s.ID, edge)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("workflow %s already registered", def.Name)
	}
	e.defs[def.Name] = rd
	return nil
}

func validateStep(workflow string, s Step, rd *registeredDef) error {
	switch s.Type {
	case StepToolCall:
		if s.Tool == "" || s.Operation == "" {
			return fmt.Errorf("workflow %s: step %s needs tool and operation", workflow, s.ID)
		}
	case StepPolicyGate:
		if s.Action == "" {
			return fmt.Errorf("workflow %s: step %s needs an action", workflow, s.ID)
		}
	case StepApprovalGate:
		// no config
	case StepDecision, StepCondition:
		expr, err := ParseExpr(s.Expression)
		if err != nil {
			return fmt.Errorf("workflow %s: step %s: %w", workflow, s.ID, err)
		}
		rd.exprs[s.ID] = expr
		if s.Type == StepDecision && s.TrueStep == "" && s.FalseStep == "" {
			return fmt.Errorf("workflow %s: step %s needs trueStep or falseStep", workflow, s.ID)
		}
	case StepParallel:
		if len(s.Steps) == 0 {
			return fmt.Errorf("workflow %s: step %s needs nested steps", workflow, s.ID)
		}
		for _, nested := range s.Steps {
			if nested.Type == StepParallel {
				return fmt.Errorf("workflow %s: step %s: nested parallel steps are not supported", workflow, s.ID)
			}
			key := s.ID + "." + nested.ID
			rd.index[key] = nested
			if err := validateStep(workflow, nested, rd); err != nil {
				return err
			}
			// re-key the compiled expression under the nested id
			if expr, ok := rd.exprs[nested.ID]; ok {
				rd.exprs[key] = expr
			}
		}
	default:
		return fmt.Errorf("workflow %s: step %s has unknown type %q", workflow, s.ID, s.Type)
	}
	return nil
}

// Workflows returns the registered workflow names.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.defs))
	for name := range e.defs {
		out = append(out, name)
	}
	return out
}

// ActiveRuns returns the ids of runs currently executing in this process.
func (e *Engine) ActiveRuns() []uuid.UUID {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	out := make([]uuid.UUID, 0, len(e.active))
	for id := range e.active {
		out = append(out, id)
	}
	return out
}

// ExecuteWorkflow runs a workflow to completion (or suspension) and returns
// the final persisted run. Run failure is reported in the run's status, not as
// an error; errors mean the run could not be started or persisted.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name string, tc TriggerContext, inputs map[string]interface{}) (models.WorkflowRun, error) {
	rc, err := e.startRun(ctx, name, tc, inputs)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	return e.drive(ctx, rc, rc.def.def.StartStep)
}

// TriggerWorkflow starts every workflow subscribed to the event, each in its
// own goroutine, and returns their run ids immediately.
func (e *Engine) TriggerWorkflow(ctx context.Context, event string, tc TriggerContext, inputs map[string]interface{}) ([]uuid.UUID, error) {
	e.mu.RLock()
	var matched []string
	for name, rd := range e.defs {
		for _, ev := range rd.def.TriggerEvents {
			if ev == event {
				matched = append(matched, name)
				break
			}
		}
	}
	e.mu.RUnlock()

	var ids []uuid.UUID
	for _, name := range matched {
		rc, err := e.startRun(ctx, name, tc, inputs)
		if err != nil {
			if errors.Is(err, ErrOrgUnitPaused) {
				return ids, err
			}
			log.Printf("[workflow] trigger %s for event %s: %v", name, event, err)
			continue
		}
		ids = append(ids, rc.run.ID)
		go func(rc *runCtx, start string) {
			if _, err := e.drive(context.Background(), rc, start); err != nil {
				log.Printf("[workflow] run %s: %v", rc.run.ID, err)
			}
		}(rc, rc.def.def.StartStep)
	}
	return ids, nil
}

// ResumeWorkflow continues a run suspended in pending_approval. The linked
// approval must be approved first.
func (e *Engine) ResumeWorkflow(ctx context.Context, runID uuid.UUID) (models.WorkflowRun, error) {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	if run.Status != models.RunStatusPendingApproval {
		return models.WorkflowRun{}, fmt.Errorf("%w: run %s is %s", ErrRunNotResumable, runID, run.Status)
	}
	if run.ApprovalID != nil {
		approved, err := e.gov.CheckApproval(ctx, *run.ApprovalID)
		if err != nil {
			return models.WorkflowRun{}, fmt.Errorf("check approval: %w", err)
		}
		if !approved {
			return models.WorkflowRun{}, fmt.Errorf("approval %s not granted for run %s", *run.ApprovalID, runID)
		}
	}

	e.mu.RLock()
	rd, ok := e.defs[run.WorkflowName]
	e.mu.RUnlock()
	if !ok {
		return models.WorkflowRun{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, run.WorkflowName)
	}

	rc, err := rehydrate(rd, run)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	next := ""
	if run.ResumeStepID != nil {
		next = *run.ResumeStepID
	}
	rc.run.Status = models.RunStatusRunning
	rc.run.ApprovalID = nil
	rc.run.ResumeStepID = nil
	return e.drive(ctx, rc, next)
}

// ReplayWorkflow reconstructs a read-only view of a persisted run for
// inspection. It never re-executes steps.
func (e *Engine) ReplayWorkflow(ctx context.Context, runID uuid.UUID) (Replay, error) {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return Replay{}, err
	}
	inputs := map[string]interface{}{}
	if len(run.Inputs) > 0 {
		if err := json.Unmarshal(run.Inputs, &inputs); err != nil {
			return Replay{}, fmt.Errorf("decode inputs: %w", err)
		}
	}
	state := map[string]interface{}{}
	if len(run.State) > 0 {
		if err := json.Unmarshal(run.State, &state); err != nil {
			return Replay{}, fmt.Errorf("decode state: %w", err)
		}
	}
	return Replay{Run: run, Inputs: inputs, State: state, Trace: run.Trace}, nil
}

// runCtx is the in-memory execution state of one run. The mutex guards state
// and trace because parallel steps mutate them concurrently.
type runCtx struct {
	def    *registeredDef
	tc     TriggerContext
	run    models.WorkflowRun
	inputs map[string]interface{}

	mu    sync.Mutex
	state map[string]interface{}
	trace []models.TraceEntry
}

func (rc *runCtx) setState(key string, v interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state[key] = v
}

func (rc *runCtx) stateSnapshot() map[string]interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]interface{}, len(rc.state))
	for k, v := range rc.state {
		out[k] = v
	}
	return out
}

func (rc *runCtx) addTrace(stepID, status string, data map[string]interface{}) {
	var raw json.RawMessage
	if len(data) > 0 {
		raw, _ = json.Marshal(data)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.trace = append(rc.trace, models.TraceEntry{
		Timestamp: time.Now().UTC(),
		StepID:    stepID,
		Status:    status,
		Data:      raw,
	})
}

func (e *Engine) startRun(ctx context.Context, name string, tc TriggerContext, inputs map[string]interface{}) (*runCtx, error) {
	e.mu.RLock()
	rd, ok := e.defs[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	paused, err := e.gov.IsPaused(ctx, tc.OrgUnitID)
	if err != nil {
		return nil, fmt.Errorf("check pause state: %w", err)
	}
	if paused {
		return nil, fmt.Errorf("%w: %s", ErrOrgUnitPaused, tc.OrgUnitID)
	}

	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}
	run := models.WorkflowRun{
		ID:           uuid.New(),
		WorkflowName: name,
		OrgUnitID:    tc.OrgUnitID,
		AgentID:      tc.AgentID,
		Status:       models.RunStatusRunning,
		Inputs:       inputsJSON,
		State:        json.RawMessage(`{}`),
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.obs.RunStarted(name)
	return &runCtx{
		def:    rd,
		tc:     tc,
		run:    run,
		inputs: inputs,
		state:  map[string]interface{}{},
	}, nil
}

func rehydrate(rd *registeredDef, run models.WorkflowRun) (*runCtx, error) {
	inputs := map[string]interface{}{}
	if len(run.Inputs) > 0 {
		if err := json.Unmarshal(run.Inputs, &inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	state := map[string]interface{}{}
	if len(run.State) > 0 {
		if err := json.Unmarshal(run.State, &state); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
	}
	return &runCtx{
		def:    rd,
		tc:     TriggerContext{OrgUnitID: run.OrgUnitID, AgentID: run.AgentID},
		run:    run,
		inputs: inputs,
		state:  state,
		trace:  run.Trace,
	}, nil
}

// drive walks the step graph from stepID until the run completes, fails or
// suspends, persisting the final run.
func (e *Engine) drive(ctx context.Context, rc *runCtx, stepID string) (models.WorkflowRun, error) {
	name := rc.def.def.Name
	e.activeMu.Lock()
	e.active[rc.run.ID] = name
	e.activeMu.Unlock()
	defer func() {
		e.activeMu.Lock()
		delete(e.active, rc.run.ID)
		e.activeMu.Unlock()
	}()

	for stepID != "" {
		step, ok := rc.def.index[stepID]
		if !ok {
			return e.finishRun(ctx, rc, models.RunStatusFailed, fmt.Sprintf("step %q not found", stepID))
		}

		next, err := e.runStepWithRetry(ctx, rc, step)
		if err == nil {
			// Checkpoint state and trace after every step so a crashed run
			// replays up to its last completed step.
			if _, perr := e.persistRun(ctx, rc); perr != nil {
				return e.finishRun(ctx, rc, models.RunStatusFailed, perr.Error())
			}
			if next == "" {
				next = step.OnSuccess
			}
			stepID = next
			continue
		}

		var ar *ApprovalRequiredError
		if errors.As(err, &ar) {
			return e.suspendRun(ctx, rc, step, ar)
		}
		if step.OnFailure != "" {
			stepID = step.OnFailure
			continue
		}
		return e.finishRun(ctx, rc, models.RunStatusFailed, err.Error())
	}
	return e.finishRun(ctx, rc, models.RunStatusCompleted, "")
}

// runStepWithRetry executes one step, retrying retryable failures with backoff
// min(1s*2^n, 10s) up to the step's retry cap. Governance and configuration
// errors are never retried.
func (e *Engine) runStepWithRetry(ctx context.Context, rc *runCtx, step Step) (string, error) {
	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultStepRetries
	}
	name := rc.def.def.Name
	for attempt := 0; ; attempt++ {
		started := time.Now()
		data, next, err := e.runStep(ctx, rc, step)
		e.obs.StepExecuted(name, step.Type, time.Since(started), err != nil)
		if err == nil {
			rc.addTrace(step.ID, "completed", data)
			return next, nil
		}
		if !step.Retryable || !retryableError(err) || attempt >= maxRetries {
			rc.addTrace(step.ID, "failed", map[string]interface{}{"error": err.Error()})
			return "", err
		}
		rc.addTrace(step.ID, "retrying", map[string]interface{}{"error": err.Error(), "attempt": attempt + 1})
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > stepMaxBackoff {
			backoff = stepMaxBackoff
		}
		log.Printf("[workflow] %s step %s failed (attempt %d/%d), retrying in %s: %v",
			name, step.ID, attempt+1, maxRetries, backoff, err)
		e.sleep(backoff)
	}
}

// runStep executes one step. The returned next overrides the step's onSuccess
// edge when non-empty (decision branching).
func (e *Engine) runStep(ctx context.Context, rc *runCtx, step Step) (map[string]interface{}, string, error) {
	switch step.Type {
	case StepToolCall:
		return e.runToolCall(ctx, rc, step)
	case StepPolicyGate:
		return e.runPolicyGate(ctx, rc, step)
	case StepApprovalGate:
		return e.runApprovalGate(ctx, rc, step)
	case StepDecision:
		return e.runDecisionStep(rc, step)
	case StepCondition:
		return e.runConditionStep(rc, step)
	case StepParallel:
		return e.runParallel(ctx, rc, step)
	default:
		return nil, "", &UnknownStepTypeError{StepID: step.ID, Type: step.Type}
	}
}

func (e *Engine) runToolCall(ctx context.Context, rc *runCtx, step Step) (map[string]interface{}, string, error) {
	args, _ := resolveRefs(step.Args, rc).(map[string]interface{})
	res := e.router.ExecuteTool(ctx, step.Tool, step.Operation, args, toolrouter.CallContext{
		AgentID:   rc.tc.AgentID,
		TaskID:    rc.run.ID.String(),
		OrgUnitID: rc.tc.OrgUnitID,
	})
	if !res.Success {
		return nil, "", &ToolError{Tool: step.Tool, Operation: step.Operation, Message: res.Error}
	}
	if step.OutputKey != "" {
		rc.setState(step.OutputKey, res.Result)
	}
	return map[string]interface{}{
		"actionId":  res.ActionID,
		"latencyMs": res.LatencyMs,
	}, "", nil
}

func (e *Engine) runPolicyGate(ctx context.Context, rc *runCtx, step Step) (map[string]interface{}, string, error) {
	data, _ := resolveRefs(step.Data, rc).(map[string]interface{})
	res := e.gov.CheckPolicy(ctx, rc.tc.OrgUnitID, step.Action, data)
	if res.RequiresApproval && res.ApprovalID != nil {
		return nil, "", &ApprovalRequiredError{ApprovalID: *res.ApprovalID, Reason: res.Reason}
	}
	if !res.Allowed {
		return nil, "", &PolicyViolationError{Rule: res.Rule, Reason: res.Reason}
	}
	return map[string]interface{}{"action": step.Action, "allowed": true}, "", nil
}

// runApprovalGate blocks manual and assisted workflows on a human approval;
// higher autonomy levels pass straight through.
func (e *Engine) runApprovalGate(ctx context.Context, rc *runCtx, step Step) (map[string]interface{}, string, error) {
	level := rc.def.def.AutonomyLevel
	if level != AutonomyManual && level != AutonomyAssisted {
		return map[string]interface{}{"autonomyLevel": level, "waived": true}, "", nil
	}
	actionData, _ := json.Marshal(map[string]interface{}{
		"workflow": rc.def.def.Name,
		"runId":    rc.run.ID,
		"step":     step.ID,
	})
	approval, err := e.store.CreateApproval(ctx, store.ApprovalInput{
		OrgUnitID:    rc.tc.OrgUnitID,
		Action:       "workflow:" + rc.def.def.Name,
		ApproverRole: governor.RoleFounder,
		Reason:       fmt.Sprintf("workflow %s requires manual approval at step %s", rc.def.def.Name, step.ID),
		ActionData:   actionData,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create approval: %w", err)
	}
	return nil, "", &ApprovalRequiredError{ApprovalID: approval.ID, Reason: "manual approval required"}
}

func (e *Engine) runDecisionStep(rc *runCtx, step Step) (map[string]interface{}, string, error) {
	expr := rc.def.exprs[step.ID]
	v, err := EvalExpr(expr, rc.stateSnapshot(), rc.inputs)
	if err != nil {
		return nil, "", fmt.Errorf("step %s: evaluate %q: %w", step.ID, step.Expression, err)
	}
	next := step.FalseStep
	if v {
		next = step.TrueStep
	}
	return map[string]interface{}{"result": v, "next": next}, next, nil
}

func (e *Engine) runConditionStep(rc *runCtx, step Step) (map[string]interface{}, string, error) {
	expr := rc.def.exprs[step.ID]
	v, err := EvalExpr(expr, rc.stateSnapshot(), rc.inputs)
	if err != nil {
		return nil, "", fmt.Errorf("step %s: evaluate %q: %w", step.ID, step.Expression, err)
	}
	if !v {
		return nil, "", fmt.Errorf("condition %q evaluated false", step.Expression)
	}
	return map[string]interface{}{"result": true}, "", nil
}

// runParallel fans the nested steps out, joins on all of them and stores the
// list of their trace data under OutputKey. The first failure cancels the rest.
func (e *Engine) runParallel(ctx context.Context, rc *runCtx, step Step) (map[string]interface{}, string, error) {
	results := make([]map[string]interface{}, len(step.Steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, nested := range step.Steps {
		i, nested := i, nested
		nested.ID = step.ID + "." + nested.ID
		g.Go(func() error {
			_, err := e.runStepWithRetry(gctx, rc, nested)
			if err != nil {
				return err
			}
			rc.mu.Lock()
			for j := len(rc.trace) - 1; j >= 0; j-- {
				if rc.trace[j].StepID == nested.ID {
					var data map[string]interface{}
					_ = json.Unmarshal(rc.trace[j].Data, &data)
					results[i] = data
					break
				}
			}
			rc.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	if step.OutputKey != "" {
		vals := make([]interface{}, len(results))
		for i, r := range results {
			vals[i] = r
		}
		rc.setState(step.OutputKey, vals)
	}
	return map[string]interface{}{"steps": len(step.Steps)}, "", nil
}

func (e *Engine) suspendRun(ctx context.Context, rc *runCtx, step Step, ar *ApprovalRequiredError) (models.WorkflowRun, error) {
	resume := step.OnSuccess
	rc.run.Status = models.RunStatusPendingApproval
	id := ar.ApprovalID
	rc.run.ApprovalID = &id
	rc.run.ResumeStepID = &resume
	return e.persistRun(ctx, rc)
}

func (e *Engine) finishRun(ctx context.Context, rc *runCtx, status models.RunStatus, errMsg string) (models.WorkflowRun, error) {
	rc.run.Status = status
	if errMsg != "" {
		rc.run.ErrorMessage = &errMsg
	}
	now := time.Now().UTC()
	rc.run.FinishedAt = &now
	run, err := e.persistRun(ctx, rc)
	if err == nil {
		e.obs.RunFinished(rc.def.def.Name, status, now.Sub(rc.run.StartedAt))
	}
	return run, err
}

func (e *Engine) persistRun(ctx context.Context, rc *runCtx) (models.WorkflowRun, error) {
	stateJSON, err := json.Marshal(rc.stateSnapshot())
	if err != nil {
		return models.WorkflowRun{}, fmt.Errorf("marshal state: %w", err)
	}
	rc.mu.Lock()
	rc.run.State = stateJSON
	rc.run.Trace = append([]models.TraceEntry(nil), rc.trace...)
	run := rc.run
	rc.mu.Unlock()
	if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
		return models.WorkflowRun{}, fmt.Errorf("update run: %w", err)
	}
	return run, nil
}

// resolveRefs substitutes "$key" string values with the matching entry from
// run state, falling back to inputs, recursing through maps and slices.
func resolveRefs(v interface{}, rc *runCtx) interface{} {
	switch t := v.(type) {
	case string:
		if len(t) > 1 && t[0] == '$' {
			key := t[1:]
			rc.mu.Lock()
			sv, ok := rc.state[key]
			rc.mu.Unlock()
			if ok {
				return sv
			}
			if iv, ok := rc.inputs[key]; ok {
				return iv
			}
			return nil
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = resolveRefs(val, rc)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = resolveRefs(val, rc)
		}
		return out
	default:
		return v
	}
}
