// package toolrouter is the permissioned, retried, audited execution boundary
// for named capabilities. Tool implementations (payment processor, ledger,
// fraud detector, ...) are opaque to the core; the router only enforces who
// may call what, bounds how long it runs, and records what happened.
package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/controlplane/internal/audit"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
)

const (
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	maxBackoff        = 10 * time.Second
)

// ExecuteFunc performs the tool's operation. It must respect ctx cancellation.
type ExecuteFunc func(ctx context.Context, operation string, args map[string]interface{}) (interface{}, error)

// PreconditionFunc validates args before execution. A non-nil error aborts the
// call with that error's message as the failure reason.
type PreconditionFunc func(args map[string]interface{}, tc CallContext) error

// Tool describes one registered capability.
type Tool struct {
	Name                string
	RequiredPermissions []string
	Precondition        PreconditionFunc
	Execute             ExecuteFunc
	Retryable           bool
	MaxRetries          int           // defaults to 3
	Timeout             time.Duration // defaults to 30s
}

// CallContext identifies the caller of one tool execution.
type CallContext struct {
	AgentID   string
	TaskID    string
	OrgUnitID string
}

// Result is the converted outcome of a tool call. Tool-level errors are never
// thrown past this boundary; they come back as Success=false.
type Result struct {
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ActionID  uuid.UUID   `json:"actionId"`
	LatencyMs int64       `json:"latencyMs"`
}

// Observer receives the result of every tool execution attempt. The metrics
// package provides the production implementation; the default is a no-op.
type Observer interface {
	ToolExecuted(tool string, success bool)
}

type nopObserver struct{}

func (nopObserver) ToolExecuted(string, bool) {}

// Router holds the tool registry. Registries are per-instance, never global.
type Router struct {
	store    store.Store
	recorder *audit.Recorder
	obs      Observer

	mu    sync.RWMutex
	tools map[string]Tool

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func New(st store.Store, recorder *audit.Recorder) *Router {
	return &Router{
		store:    st,
		recorder: recorder,
		obs:      nopObserver{},
		tools:    map[string]Tool{},
		sleep:    time.Sleep,
	}
}

// SetObserver installs an execution observer. Call before executing tools.
func (r *Router) SetObserver(obs Observer) {
	if obs != nil {
		r.obs = obs
	}
}

// SetSleepFunc replaces the backoff sleep. Tests use this to avoid real waits.
func (r *Router) SetSleepFunc(fn func(time.Duration)) {
	if fn != nil {
		r.sleep = fn
	}
}

// RegisterTool adds a tool to the registry, applying defaults.
func (r *Router) RegisterTool(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s: execute function required", t.Name)
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = defaultMaxRetries
	}
	if t.Timeout <= 0 {
		t.Timeout = defaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// ExecuteTool resolves and runs a tool for the calling agent. On retryable
// failure the whole call (permission check, precondition, execute) repeats
// with backoff min(1s*2^n, 10s) until the tool's MaxRetries is exhausted.
func (r *Router) ExecuteTool(ctx context.Context, toolName, operation string, args map[string]interface{}, tc CallContext) Result {
	r.mu.RLock()
	tool, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: "Tool not found"}
	}

	var res Result
	for attempt := 0; ; attempt++ {
		var retryable bool
		res, retryable = r.executeOnce(ctx, tool, operation, args, tc)
		if res.Success || !retryable || !tool.Retryable || attempt >= tool.MaxRetries {
			return res
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		log.Printf("[toolrouter] %s/%s failed (attempt %d/%d), retrying in %s: %s",
			toolName, operation, attempt+1, tool.MaxRetries, backoff, res.Error)
		r.sleep(backoff)
	}
}

// executeOnce performs a single permission-checked, timed attempt. The second
// return value reports whether the failure class is retryable at all.
func (r *Router) executeOnce(ctx context.Context, tool Tool, operation string, args map[string]interface{}, tc CallContext) (Result, bool) {
	agent, err := r.store.GetAgent(ctx, tc.AgentID)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("agent %s not found", tc.AgentID)}, false
	}
	if !agent.Active {
		return Result{Success: false, Error: fmt.Sprintf("agent %s is not active", tc.AgentID)}, false
	}
	if missing := missingPermissions(agent.Permissions, tool.RequiredPermissions); len(missing) > 0 {
		return Result{Success: false, Error: fmt.Sprintf("agent %s lacks permissions %v for tool %s", tc.AgentID, missing, tool.Name)}, false
	}

	if tool.Precondition != nil {
		if err := tool.Precondition(args, tc); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("precondition failed: %v", err)}, false
		}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("marshal args: %v", err)}, false
	}
	action, err := r.store.CreateAction(ctx, store.ActionInput{
		AgentID:   tc.AgentID,
		TaskID:    tc.TaskID,
		OrgUnitID: tc.OrgUnitID,
		Tool:      tool.Name,
		Operation: operation,
		Args:      argsJSON,
	})
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("record action: %v", err)}, false
	}

	started := time.Now()
	out, execErr := r.runWithTimeout(ctx, tool, operation, args)
	latency := time.Since(started).Milliseconds()

	status := models.ActionStatusCompleted
	var errMsg *string
	if execErr != nil {
		status = models.ActionStatusFailed
		msg := execErr.Error()
		errMsg = &msg
	}
	if err := r.store.FinishAction(ctx, action.ID, status, errMsg, latency); err != nil {
		log.Printf("[toolrouter] finish action %s: %v", action.ID, err)
	}

	r.appendChainEntry(ctx, tool, operation, action.ID, tc, status, latency)
	r.obs.ToolExecuted(tool.Name, execErr == nil)

	if execErr != nil {
		return Result{Success: false, Error: execErr.Error(), ActionID: action.ID, LatencyMs: latency}, true
	}
	return Result{Success: true, Result: out, ActionID: action.ID, LatencyMs: latency}, false
}

// runWithTimeout races the tool execution against the tool's timeout.
func (r *Router) runWithTimeout(ctx context.Context, tool Tool, operation string, args map[string]interface{}) (interface{}, error) {
	execCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(execCtx, operation, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %s timed out after %s", tool.Name, tool.Timeout)
	}
}

func (r *Router) appendChainEntry(ctx context.Context, tool Tool, operation string, actionID uuid.UUID, tc CallContext, status models.ActionStatus, latencyMs int64) {
	if r.recorder == nil {
		return
	}
	changes, _ := json.Marshal(map[string]interface{}{
		"tool":      tool.Name,
		"operation": operation,
		"status":    status,
		"latencyMs": latencyMs,
		"orgUnitId": tc.OrgUnitID,
	})
	if _, err := r.recorder.Append(ctx, audit.Entry{
		EntityType: "action",
		EntityID:   actionID.String(),
		Action:     fmt.Sprintf("%s.%s", tool.Name, operation),
		ActorID:    tc.AgentID,
		Changes:    changes,
	}); err != nil {
		log.Printf("[toolrouter] append audit entry: %v", err)
	}
}

func missingPermissions(granted, required []string) []string {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[p] = struct{}{}
	}
	var missing []string
	for _, p := range required {
		if _, ok := set[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
