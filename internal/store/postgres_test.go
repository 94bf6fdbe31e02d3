package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/controlplane/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestResolveApprovalGuardsPendingStatus(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	// the row was already resolved, so the guarded UPDATE touches nothing
	mock.ExpectExec(`UPDATE approvals`).
		WithArgs(id, models.ApprovalStatusApproved, "founder@op").
		WillReturnResult(sqlmock.NewResult(0, 0))
	resolvedBy := "someone-else"
	mock.ExpectQuery(`SELECT org_unit_id, action, approver_role, status`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"org_unit_id", "action", "approver_role", "status", "reason", "action_data", "resolved_by", "resolved_at", "created_at",
		}).AddRow("org-1", "payout", "founder", "rejected", "risk", []byte(`{}`), resolvedBy, time.Now(), time.Now()))

	_, err := s.ResolveApproval(context.Background(), id, models.ApprovalStatusApproved, "founder@op")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveApprovalMissingRow(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE approvals`).
		WithArgs(id, models.ApprovalStatusApproved, "founder@op").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT org_unit_id, action, approver_role, status`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"org_unit_id"}))

	_, err := s.ResolveApproval(context.Background(), id, models.ApprovalStatusApproved, "founder@op")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveApprovalSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectExec(`UPDATE approvals`).
		WithArgs(id, models.ApprovalStatusApproved, "founder@op").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT org_unit_id, action, approver_role, status`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"org_unit_id", "action", "approver_role", "status", "reason", "action_data", "resolved_by", "resolved_at", "created_at",
		}).AddRow("org-1", "payout", "founder", "approved", "high amount", []byte(`{"amountCents":75000}`), "founder@op", now, now))

	a, err := s.ResolveApproval(context.Background(), id, models.ApprovalStatusApproved, "founder@op")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, a.Status)
	require.NotNil(t, a.ResolvedBy)
	assert.Equal(t, "founder@op", *a.ResolvedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordArmRewardIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	armID := uuid.New()
	expID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE bandit_arms`).
		WithArgs(armID, 0.8).
		WillReturnRows(sqlmock.NewRows([]string{
			"experiment_id", "name", "config", "pulls", "total_reward", "avg_reward", "created_at",
		}).AddRow(expID, "raise_20", []byte(`{"change":0.2}`), 3, 2.1, 0.7, time.Now()))
	mock.ExpectExec(`INSERT INTO bandit_rewards`).
		WithArgs(sqlmock.AnyArg(), armID, []byte(`{"decisionId":"d-1"}`), 0.8).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	arm, err := s.RecordArmReward(context.Background(), armID, json.RawMessage(`{"decisionId":"d-1"}`), 0.8)
	require.NoError(t, err)
	assert.Equal(t, int64(3), arm.Pulls)
	assert.InDelta(t, 0.7, arm.AvgReward, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordArmRewardUnknownArmRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	armID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE bandit_arms`).
		WithArgs(armID, 0.5).
		WillReturnRows(sqlmock.NewRows([]string{"experiment_id"}))
	mock.ExpectRollback()

	_, err := s.RecordArmReward(context.Background(), armID, nil, 0.5)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkflowRunNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT workflow_name, org_unit_id, agent_id, status`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_name"}))

	_, err := s.GetWorkflowRun(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPendingAuditEntriesClaimsBatch(t *testing.T) {
	s, mock := newMockStore(t)
	id1 := uuid.New()
	id2 := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "entity_type", "entity_id", "action", "actor_id", "changes", "previous_hash", "current_hash", "ts",
		}).
			AddRow(id1, "action", "a-1", "payments.charge", "agent-1", []byte(`{}`), "", "h1", now).
			AddRow(id2, "action", "a-2", "ledger.post", "agent-1", []byte(`{}`), "h1", "h2", now))
	mock.ExpectExec(`UPDATE audit_log SET stream_status='in_progress'`).
		WithArgs(id1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit_log SET stream_status='in_progress'`).
		WithArgs(id2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entries, err := s.FetchPendingAuditEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.StreamStatusInProgress, entries[0].StreamStatus)
	assert.Equal(t, "h1", entries[1].PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAuditStreamResultFailure(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE audit_log SET stream_status`).
		WithArgs(id, models.StreamStatusFailed, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkAuditStreamResult(context.Background(), id, nil, false, "kafka write: broker down")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
