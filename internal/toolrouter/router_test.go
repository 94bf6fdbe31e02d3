package toolrouter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/controlplane/internal/audit"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/toolrouter"
)

func seedAgent(t *testing.T, st *store.MemoryStore, perms ...string) {
	t.Helper()
	require.NoError(t, st.UpsertAgent(context.Background(), models.Agent{
		ID:          "agent-1",
		Name:        "test agent",
		Active:      true,
		Permissions: perms,
	}))
}

func callCtx() toolrouter.CallContext {
	return toolrouter.CallContext{AgentID: "agent-1", TaskID: "task-1", OrgUnitID: "org-1"}
}

func TestExecuteToolNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	r := toolrouter.New(st, audit.NewRecorder(st))
	res := r.ExecuteTool(context.Background(), "ghost", "op", nil, callCtx())
	assert.False(t, res.Success)
	assert.Equal(t, "Tool not found", res.Error)
}

func TestExecuteToolPermissionDenied(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "ledger:read")
	r := toolrouter.New(st, audit.NewRecorder(st))
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name:                "payments",
		RequiredPermissions: []string{"payments:write"},
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			t.Fatal("execute must not run without permissions")
			return nil, nil
		},
	}))

	res := r.ExecuteTool(context.Background(), "payments", "charge", nil, callCtx())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "lacks permissions")
	// permission failures never create action records
	assert.Empty(t, st.Actions())
}

func TestExecuteToolInactiveAgent(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertAgent(context.Background(), models.Agent{ID: "agent-1", Active: false}))
	r := toolrouter.New(st, audit.NewRecorder(st))
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name: "noop",
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}))
	res := r.ExecuteTool(context.Background(), "noop", "op", nil, callCtx())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not active")
}

func TestExecuteToolPreconditionFailed(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st)
	r := toolrouter.New(st, audit.NewRecorder(st))
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name:      "refunds",
		Retryable: true,
		Precondition: func(args map[string]interface{}, tc toolrouter.CallContext) error {
			return errors.New("refund amount exceeds original charge")
		},
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}))

	res := r.ExecuteTool(context.Background(), "refunds", "issue", nil, callCtx())
	assert.False(t, res.Success)
	assert.Equal(t, "precondition failed: refund amount exceeds original charge", res.Error)
}

func TestExecuteToolRetriesWithBackoff(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st)
	r := toolrouter.New(st, audit.NewRecorder(st))

	var sleeps []time.Duration
	r.SetSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) })

	attempts := 0
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name:      "flaky",
		Retryable: true,
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient upstream error")
			}
			return "ok", nil
		},
	}))

	res := r.ExecuteTool(context.Background(), "flaky", "op", nil, callCtx())
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, 3, attempts)
	// backoff doubles: 1s then 2s
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
	// one action record per attempt
	assert.Len(t, st.Actions(), 3)
}

func TestExecuteToolRetryCapExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st)
	r := toolrouter.New(st, audit.NewRecorder(st))
	r.SetSleepFunc(func(time.Duration) {})

	attempts := 0
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name:       "down",
		Retryable:  true,
		MaxRetries: 2,
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			attempts++
			return nil, errors.New("still down")
		},
	}))

	res := r.ExecuteTool(context.Background(), "down", "op", nil, callCtx())
	assert.False(t, res.Success)
	assert.Equal(t, "still down", res.Error)
	// initial attempt plus two retries
	assert.Equal(t, 3, attempts)
}

func TestExecuteToolNonRetryableFailsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st)
	r := toolrouter.New(st, audit.NewRecorder(st))
	r.SetSleepFunc(func(time.Duration) { t.Fatal("must not sleep for a non-retryable tool") })

	attempts := 0
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name: "oneshot",
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			attempts++
			return nil, errors.New("boom")
		},
	}))

	res := r.ExecuteTool(context.Background(), "oneshot", "op", nil, callCtx())
	assert.False(t, res.Success)
	assert.Equal(t, 1, attempts)
}

func TestExecuteToolTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st)
	r := toolrouter.New(st, audit.NewRecorder(st))
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	res := r.ExecuteTool(context.Background(), "slow", "op", nil, callCtx())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
}

func TestExecuteToolAppendsChainEntries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedAgent(t, st, "payments:write")
	r := toolrouter.New(st, audit.NewRecorder(st))
	require.NoError(t, r.RegisterTool(toolrouter.Tool{
		Name:                "payments",
		RequiredPermissions: []string{"payments:write"},
		Execute: func(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"charged": true}, nil
		},
	}))

	res := r.ExecuteTool(ctx, "payments", "charge", map[string]interface{}{"amountCents": 1200}, callCtx())
	require.True(t, res.Success)

	entries, err := st.ListAuditEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "action", entries[0].EntityType)
	assert.Equal(t, "payments.charge", entries[0].Action)
	assert.Equal(t, "agent-1", entries[0].ActorID)
	require.NoError(t, audit.VerifyChain(ctx, st))
}
