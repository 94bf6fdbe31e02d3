package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opsloop/controlplane/internal/models"
)

// PGStore persists control-plane records into Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func (s *PGStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.Approval, error) {
	a := models.Approval{
		ID:           uuid.New(),
		OrgUnitID:    in.OrgUnitID,
		Action:       in.Action,
		ApproverRole: in.ApproverRole,
		Status:       models.ApprovalStatusPending,
		Reason:       in.Reason,
		ActionData:   ensureJSON(in.ActionData),
	}
	query := `
		INSERT INTO approvals (id, org_unit_id, action, approver_role, status, reason, action_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, a.ID, a.OrgUnitID, a.Action, a.ApproverRole, a.Status, a.Reason, []byte(a.ActionData)).Scan(&a.CreatedAt); err != nil {
		return models.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	return a, nil
}

func (s *PGStore) GetApproval(ctx context.Context, id uuid.UUID) (models.Approval, error) {
	const query = `
		SELECT org_unit_id, action, approver_role, status, reason, action_data, resolved_by, resolved_at, created_at
		FROM approvals WHERE id=$1
	`
	var (
		a          models.Approval
		actionData []byte
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.OrgUnitID, &a.Action, &a.ApproverRole, &a.Status, &a.Reason, &actionData, &resolvedBy, &resolvedAt, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Approval{}, ErrNotFound
		}
		return models.Approval{}, fmt.Errorf("get approval: %w", err)
	}
	a.ID = id
	a.ActionData = append(json.RawMessage(nil), actionData...)
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

// ResolveApproval flips a pending approval to a terminal status. The WHERE guard
// on status makes concurrent resolutions lose with ErrConflict instead of
// silently overwriting each other.
func (s *PGStore) ResolveApproval(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, resolvedBy string) (models.Approval, error) {
	query := `
		UPDATE approvals
		SET status=$2, resolved_by=$3, resolved_at=NOW()
		WHERE id=$1 AND status='pending'
	`
	res, err := s.db.ExecContext(ctx, query, id, status, resolvedBy)
	if err != nil {
		return models.Approval{}, fmt.Errorf("resolve approval: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.GetApproval(ctx, id); err != nil {
			return models.Approval{}, err
		}
		return models.Approval{}, ErrConflict
	}
	return s.GetApproval(ctx, id)
}

func (s *PGStore) CreateIncident(ctx context.Context, in IncidentInput) (models.Incident, error) {
	inc := models.Incident{
		ID:        uuid.New(),
		OrgUnitID: in.OrgUnitID,
		Type:      in.Type,
		Severity:  in.Severity,
		Status:    models.IncidentStatusOpen,
		Summary:   in.Summary,
		Details:   ensureJSON(in.Details),
	}
	query := `
		INSERT INTO incidents (id, org_unit_id, type, severity, status, summary, details, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		RETURNING created_at, updated_at
	`
	if err := s.db.QueryRowContext(ctx, query, inc.ID, inc.OrgUnitID, inc.Type, inc.Severity, inc.Status, inc.Summary, []byte(inc.Details)).Scan(&inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return models.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	return inc, nil
}

func (s *PGStore) UpdateIncidentStatus(ctx context.Context, id uuid.UUID, status models.IncidentStatus) (models.Incident, error) {
	query := `
		UPDATE incidents SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING org_unit_id, type, severity, summary, details, created_at, updated_at
	`
	inc := models.Incident{ID: id, Status: status}
	var details []byte
	err := s.db.QueryRowContext(ctx, query, id, status).Scan(&inc.OrgUnitID, &inc.Type, &inc.Severity, &inc.Summary, &details, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Incident{}, ErrNotFound
		}
		return models.Incident{}, fmt.Errorf("update incident: %w", err)
	}
	inc.Details = append(json.RawMessage(nil), details...)
	return inc, nil
}

func (s *PGStore) PauseOrgUnit(ctx context.Context, pause models.OrgUnitPause) error {
	query := `
		INSERT INTO org_unit_pauses (org_unit_id, reason, paused_by, paused_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (org_unit_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, pause.OrgUnitID, pause.Reason, pause.PausedBy, pause.PausedAt); err != nil {
		return fmt.Errorf("pause org unit: %w", err)
	}
	return nil
}

func (s *PGStore) IsOrgUnitPaused(ctx context.Context, orgUnitID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM org_unit_pauses WHERE org_unit_id=$1`, orgUnitID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check org unit pause: %w", err)
	}
	return true, nil
}

func (s *PGStore) ResumeOrgUnit(ctx context.Context, orgUnitID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM org_unit_pauses WHERE org_unit_id=$1`, orgUnitID); err != nil {
		return fmt.Errorf("resume org unit: %w", err)
	}
	return nil
}

func (s *PGStore) CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	trace, err := json.Marshal(run.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	query := `
		INSERT INTO workflow_runs
		  (id, workflow_name, org_unit_id, agent_id, status, inputs, state, trace, error_message, approval_id, resume_step_id, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.WorkflowName, run.OrgUnitID, run.AgentID, run.Status,
		[]byte(ensureJSON(run.Inputs)), []byte(ensureJSON(run.State)), trace,
		run.ErrorMessage, run.ApprovalID, run.ResumeStepID, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	trace, err := json.Marshal(run.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	query := `
		UPDATE workflow_runs
		SET status=$2, state=$3, trace=$4, error_message=$5, approval_id=$6, resume_step_id=$7, finished_at=$8
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query,
		run.ID, run.Status, []byte(ensureJSON(run.State)), trace,
		run.ErrorMessage, run.ApprovalID, run.ResumeStepID, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetWorkflowRun(ctx context.Context, id uuid.UUID) (models.WorkflowRun, error) {
	const query = `
		SELECT workflow_name, org_unit_id, agent_id, status, inputs, state, trace, error_message, approval_id, resume_step_id, started_at, finished_at
		FROM workflow_runs WHERE id=$1
	`
	var (
		run                  models.WorkflowRun
		inputs, state, trace []byte
		errMsg               sql.NullString
		approvalID           sql.NullString
		resumeStep           sql.NullString
		finishedAt           sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.WorkflowName, &run.OrgUnitID, &run.AgentID, &run.Status, &inputs, &state, &trace,
		&errMsg, &approvalID, &resumeStep, &run.StartedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkflowRun{}, ErrNotFound
		}
		return models.WorkflowRun{}, fmt.Errorf("get workflow run: %w", err)
	}
	run.ID = id
	run.Inputs = append(json.RawMessage(nil), inputs...)
	run.State = append(json.RawMessage(nil), state...)
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &run.Trace); err != nil {
			return models.WorkflowRun{}, fmt.Errorf("unmarshal trace: %w", err)
		}
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if approvalID.Valid {
		if aid, err := uuid.Parse(approvalID.String); err == nil {
			run.ApprovalID = &aid
		}
	}
	if resumeStep.Valid {
		run.ResumeStepID = &resumeStep.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func (s *PGStore) GetExperimentByName(ctx context.Context, name, orgUnitID string) (models.Experiment, error) {
	const query = `
		SELECT id, metrics, status, created_at
		FROM experiments WHERE name=$1 AND org_unit_id=$2
	`
	exp := models.Experiment{Name: name, OrgUnitID: orgUnitID}
	err := s.db.QueryRowContext(ctx, query, name, orgUnitID).Scan(&exp.ID, pq.Array(&exp.Metrics), &exp.Status, &exp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, ErrNotFound
		}
		return models.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error) {
	exp := models.Experiment{
		ID:        uuid.New(),
		Name:      in.Name,
		OrgUnitID: in.OrgUnitID,
		Metrics:   in.Metrics,
		Status:    models.ExperimentStatusActive,
	}
	query := `
		INSERT INTO experiments (id, name, org_unit_id, metrics, status, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, exp.ID, exp.Name, exp.OrgUnitID, pq.Array(exp.Metrics), exp.Status).Scan(&exp.CreatedAt); err != nil {
		return models.Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) ListArms(ctx context.Context, experimentID uuid.UUID) ([]models.BanditArm, error) {
	const query = `
		SELECT id, name, config, pulls, total_reward, avg_reward, created_at
		FROM bandit_arms WHERE experiment_id=$1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list arms: %w", err)
	}
	defer rows.Close()

	var arms []models.BanditArm
	for rows.Next() {
		arm := models.BanditArm{ExperimentID: experimentID}
		var config []byte
		if err := rows.Scan(&arm.ID, &arm.Name, &config, &arm.Pulls, &arm.TotalReward, &arm.AvgReward, &arm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		arm.Config = append(json.RawMessage(nil), config...)
		arms = append(arms, arm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arms: %w", err)
	}
	return arms, nil
}

func (s *PGStore) CreateArm(ctx context.Context, in ArmInput) (models.BanditArm, error) {
	arm := models.BanditArm{
		ID:           uuid.New(),
		ExperimentID: in.ExperimentID,
		Name:         in.Name,
		Config:       ensureJSON(in.Config),
	}
	query := `
		INSERT INTO bandit_arms (id, experiment_id, name, config, pulls, total_reward, avg_reward, created_at)
		VALUES ($1,$2,$3,$4,0,0,0,NOW())
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, arm.ID, arm.ExperimentID, arm.Name, []byte(arm.Config)).Scan(&arm.CreatedAt); err != nil {
		return models.BanditArm{}, fmt.Errorf("insert arm: %w", err)
	}
	return arm, nil
}

func (s *PGStore) GetArm(ctx context.Context, id uuid.UUID) (models.BanditArm, error) {
	const query = `
		SELECT experiment_id, name, config, pulls, total_reward, avg_reward, created_at
		FROM bandit_arms WHERE id=$1
	`
	arm := models.BanditArm{ID: id}
	var config []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&arm.ExperimentID, &arm.Name, &config, &arm.Pulls, &arm.TotalReward, &arm.AvgReward, &arm.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BanditArm{}, ErrNotFound
		}
		return models.BanditArm{}, fmt.Errorf("get arm: %w", err)
	}
	arm.Config = append(json.RawMessage(nil), config...)
	return arm, nil
}

// RecordArmReward updates the arm counters in one atomic UPDATE so concurrent
// outcomes for the same arm never lose a pull, then appends the reward sample.
func (s *PGStore) RecordArmReward(ctx context.Context, armID uuid.UUID, rewardCtx json.RawMessage, reward float64) (models.BanditArm, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BanditArm{}, fmt.Errorf("begin reward tx: %w", err)
	}
	defer tx.Rollback()

	update := `
		UPDATE bandit_arms
		SET pulls = pulls + 1,
		    total_reward = total_reward + $2,
		    avg_reward = (total_reward + $2) / (pulls + 1)
		WHERE id=$1
		RETURNING experiment_id, name, config, pulls, total_reward, avg_reward, created_at
	`
	arm := models.BanditArm{ID: armID}
	var config []byte
	err = tx.QueryRowContext(ctx, update, armID, reward).Scan(&arm.ExperimentID, &arm.Name, &config, &arm.Pulls, &arm.TotalReward, &arm.AvgReward, &arm.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BanditArm{}, ErrNotFound
		}
		return models.BanditArm{}, fmt.Errorf("update arm reward: %w", err)
	}
	arm.Config = append(json.RawMessage(nil), config...)

	insert := `
		INSERT INTO bandit_rewards (id, arm_id, context, reward, created_at)
		VALUES ($1,$2,$3,$4,NOW())
	`
	if _, err := tx.ExecContext(ctx, insert, uuid.New(), armID, []byte(ensureJSON(rewardCtx)), reward); err != nil {
		return models.BanditArm{}, fmt.Errorf("insert reward: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.BanditArm{}, fmt.Errorf("commit reward tx: %w", err)
	}
	return arm, nil
}

func (s *PGStore) CreateDecision(ctx context.Context, in DecisionInput) (models.Decision, error) {
	d := models.Decision{
		ID:              uuid.New(),
		Type:            in.Type,
		OrgUnitID:       in.OrgUnitID,
		ExperimentID:    in.ExperimentID,
		ArmID:           in.ArmID,
		Options:         ensureJSON(in.Options),
		SelectedOption:  in.SelectedOption,
		Reasoning:       in.Reasoning,
		PredictedImpact: ensureJSON(in.PredictedImpact),
		Status:          in.Status,
		ApprovalID:      in.ApprovalID,
	}
	query := `
		INSERT INTO decisions
		  (id, type, org_unit_id, experiment_id, arm_id, options, selected_option, reasoning, predicted_impact, status, approval_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		d.ID, d.Type, d.OrgUnitID, d.ExperimentID, d.ArmID,
		[]byte(d.Options), d.SelectedOption, d.Reasoning, []byte(d.PredictedImpact), d.Status, d.ApprovalID,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

func (s *PGStore) GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error) {
	const query = `
		SELECT type, org_unit_id, experiment_id, arm_id, options, selected_option, reasoning,
		       predicted_impact, actual_impact, status, approval_id, created_at, updated_at
		FROM decisions WHERE id=$1
	`
	var (
		d                         models.Decision
		options, predicted, actual []byte
		approvalID                sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.Type, &d.OrgUnitID, &d.ExperimentID, &d.ArmID, &options, &d.SelectedOption, &d.Reasoning,
		&predicted, &actual, &d.Status, &approvalID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Decision{}, ErrNotFound
		}
		return models.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	d.ID = id
	d.Options = append(json.RawMessage(nil), options...)
	d.PredictedImpact = append(json.RawMessage(nil), predicted...)
	if len(actual) > 0 {
		d.ActualImpact = append(json.RawMessage(nil), actual...)
	}
	if approvalID.Valid {
		if aid, err := uuid.Parse(approvalID.String); err == nil {
			d.ApprovalID = &aid
		}
	}
	return d, nil
}

func (s *PGStore) MarkDecisionExecuted(ctx context.Context, id uuid.UUID, actualImpact json.RawMessage) (models.Decision, error) {
	query := `
		UPDATE decisions SET status='executed', actual_impact=$2, updated_at=NOW()
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, []byte(ensureJSON(actualImpact)))
	if err != nil {
		return models.Decision{}, fmt.Errorf("mark decision executed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.Decision{}, ErrNotFound
	}
	return s.GetDecision(ctx, id)
}

func (s *PGStore) SaveStateSnapshot(ctx context.Context, state models.BusinessState) error {
	metrics, err := json.Marshal(state.Metrics)
	if err != nil {
		return fmt.Errorf("marshal snapshot metrics: %w", err)
	}
	query := `
		INSERT INTO state_snapshots (id, org_unit_id, metrics, as_of)
		VALUES ($1,$2,$3,$4)
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.New(), state.OrgUnitID, metrics, state.AsOf); err != nil {
		return fmt.Errorf("insert state snapshot: %w", err)
	}
	return nil
}

func (s *PGStore) GetLatestStateSnapshot(ctx context.Context, orgUnitID string) (models.BusinessState, error) {
	const query = `
		SELECT metrics, as_of FROM state_snapshots
		WHERE org_unit_id=$1 ORDER BY as_of DESC LIMIT 1
	`
	state := models.BusinessState{OrgUnitID: orgUnitID}
	var metrics []byte
	err := s.db.QueryRowContext(ctx, query, orgUnitID).Scan(&metrics, &state.AsOf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BusinessState{}, ErrNotFound
		}
		return models.BusinessState{}, fmt.Errorf("get state snapshot: %w", err)
	}
	if err := json.Unmarshal(metrics, &state.Metrics); err != nil {
		return models.BusinessState{}, fmt.Errorf("unmarshal snapshot metrics: %w", err)
	}
	return state, nil
}

func (s *PGStore) CreateSimulationRun(ctx context.Context, in SimulationRunInput) (models.SimulationRun, error) {
	run := models.SimulationRun{
		ID:         uuid.New(),
		OrgUnitID:  in.OrgUnitID,
		Scenario:   ensureJSON(in.Scenario),
		Prediction: ensureJSON(in.Prediction),
		ModelTypes: in.ModelTypes,
	}
	query := `
		INSERT INTO simulation_runs (id, org_unit_id, scenario, prediction, model_types, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, run.ID, run.OrgUnitID, []byte(run.Scenario), []byte(run.Prediction), pq.Array(run.ModelTypes)).Scan(&run.CreatedAt); err != nil {
		return models.SimulationRun{}, fmt.Errorf("insert simulation run: %w", err)
	}
	return run, nil
}

func (s *PGStore) CreateOutcome(ctx context.Context, in OutcomeInput) (models.Outcome, error) {
	out := models.Outcome{
		ID:                 uuid.New(),
		TaskType:           in.TaskType,
		TaskID:             in.TaskID,
		OrgUnitID:          in.OrgUnitID,
		OverallScore:       in.OverallScore,
		Scores:             ensureJSON(in.Scores),
		Passed:             in.Passed,
		Feedback:           in.Feedback,
		RegressionDetected: in.RegressionDetected,
	}
	query := `
		INSERT INTO outcomes (id, task_type, task_id, org_unit_id, overall_score, scores, passed, feedback, regression_detected, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, out.ID, out.TaskType, out.TaskID, out.OrgUnitID, out.OverallScore, []byte(out.Scores), out.Passed, pq.Array(out.Feedback), out.RegressionDetected).Scan(&out.CreatedAt); err != nil {
		return models.Outcome{}, fmt.Errorf("insert outcome: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListRecentOutcomes(ctx context.Context, taskType string, limit int) ([]models.Outcome, error) {
	const query = `
		SELECT id, task_id, org_unit_id, overall_score, scores, passed, feedback, regression_detected, created_at
		FROM outcomes WHERE task_type=$1
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, taskType, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		o := models.Outcome{TaskType: taskType}
		var scores []byte
		if err := rows.Scan(&o.ID, &o.TaskID, &o.OrgUnitID, &o.OverallScore, &scores, &o.Passed, pq.Array(&o.Feedback), &o.RegressionDetected, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Scores = append(json.RawMessage(nil), scores...)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpsertAgent(ctx context.Context, agent models.Agent) error {
	query := `
		INSERT INTO agents (id, name, active, permissions, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name,
			active = EXCLUDED.active,
			permissions = EXCLUDED.permissions
	`
	if _, err := s.db.ExecContext(ctx, query, agent.ID, agent.Name, agent.Active, pq.Array(agent.Permissions)); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	const query = `SELECT name, active, permissions, created_at FROM agents WHERE id=$1`
	agent := models.Agent{ID: id}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&agent.Name, &agent.Active, pq.Array(&agent.Permissions), &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *PGStore) CreateAction(ctx context.Context, in ActionInput) (models.ActionRecord, error) {
	rec := models.ActionRecord{
		ID:        uuid.New(),
		AgentID:   in.AgentID,
		TaskID:    in.TaskID,
		OrgUnitID: in.OrgUnitID,
		Tool:      in.Tool,
		Operation: in.Operation,
		Args:      ensureJSON(in.Args),
		Status:    models.ActionStatusStarted,
	}
	query := `
		INSERT INTO actions (id, agent_id, task_id, org_unit_id, tool, operation, args, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		RETURNING created_at, updated_at
	`
	if err := s.db.QueryRowContext(ctx, query, rec.ID, rec.AgentID, rec.TaskID, rec.OrgUnitID, rec.Tool, rec.Operation, []byte(rec.Args), rec.Status).Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.ActionRecord{}, fmt.Errorf("insert action: %w", err)
	}
	return rec, nil
}

func (s *PGStore) FinishAction(ctx context.Context, id uuid.UUID, status models.ActionStatus, errMsg *string, latencyMs int64) error {
	query := `
		UPDATE actions SET status=$2, error=$3, latency_ms=$4, updated_at=NOW()
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, status, errMsg, latencyMs)
	if err != nil {
		return fmt.Errorf("finish action: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) LatestAuditHash(ctx context.Context) (string, error) {
	var h sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT current_hash FROM audit_log ORDER BY ts DESC LIMIT 1`).Scan(&h)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest audit hash: %w", err)
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

func (s *PGStore) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log
		  (id, entity_type, entity_id, action, actor_id, changes, previous_hash, current_hash, stream_status, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.ActorID,
		[]byte(ensureJSON(entry.Changes)), entry.PreviousHash, entry.CurrentHash, entry.StreamStatus, entry.Ts,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PGStore) ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, actor_id, changes, previous_hash, current_hash, stream_status, ts
		FROM audit_log ORDER BY ts ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e        models.AuditEntry
			changes  []byte
			prevHash sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &changes, &prevHash, &e.CurrentHash, &e.StreamStatus, &e.Ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Changes = append(json.RawMessage(nil), changes...)
		if prevHash.Valid {
			e.PreviousHash = prevHash.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// FetchPendingAuditEntries claims a batch of pending entries for streaming using
// FOR UPDATE SKIP LOCKED so concurrent streamers never double-claim.
func (s *PGStore) FetchPendingAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, entity_type, entity_id, action, actor_id, changes, previous_hash, current_hash, ts
		FROM audit_log
		WHERE stream_status='pending'
		ORDER BY ts ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim audit entries: %w", err)
	}
	var out []models.AuditEntry
	for rows.Next() {
		var (
			e        models.AuditEntry
			changes  []byte
			prevHash sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &changes, &prevHash, &e.CurrentHash, &e.Ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		e.Changes = append(json.RawMessage(nil), changes...)
		if prevHash.Valid {
			e.PreviousHash = prevHash.String
		}
		e.StreamStatus = models.StreamStatusInProgress
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed entries: %w", err)
	}

	for _, e := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE audit_log SET stream_status='in_progress', stream_attempts = stream_attempts + 1 WHERE id=$1`, e.ID); err != nil {
			return nil, fmt.Errorf("mark in_progress: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkAuditStreamResult(ctx context.Context, id uuid.UUID, archivedKey *string, ok bool, errMsg string) error {
	status := models.StreamStatusStreamed
	var lastErr sql.NullString
	if !ok {
		status = models.StreamStatusFailed
		lastErr = sql.NullString{String: errMsg, Valid: errMsg != ""}
	}
	query := `
		UPDATE audit_log SET stream_status=$2, archived_key=$3, stream_error=$4
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, status, archivedKey, lastErr)
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
