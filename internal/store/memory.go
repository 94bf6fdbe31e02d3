package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opsloop/controlplane/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and dev mode.
type MemoryStore struct {
	mu          sync.RWMutex
	approvals   map[uuid.UUID]models.Approval
	incidents   map[uuid.UUID]models.Incident
	pauses      map[string]models.OrgUnitPause
	runs        map[uuid.UUID]models.WorkflowRun
	experiments map[uuid.UUID]models.Experiment
	armsByExp   map[uuid.UUID][]uuid.UUID // preserves arm encounter order
	arms        map[uuid.UUID]models.BanditArm
	rewards     []models.BanditReward
	decisions   map[uuid.UUID]models.Decision
	snapshots   map[string]models.BusinessState
	simRuns     map[uuid.UUID]models.SimulationRun
	outcomes    []models.Outcome
	agents      map[string]models.Agent
	actions     map[uuid.UUID]models.ActionRecord
	audit       []models.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals:   map[uuid.UUID]models.Approval{},
		incidents:   map[uuid.UUID]models.Incident{},
		pauses:      map[string]models.OrgUnitPause{},
		runs:        map[uuid.UUID]models.WorkflowRun{},
		experiments: map[uuid.UUID]models.Experiment{},
		armsByExp:   map[uuid.UUID][]uuid.UUID{},
		arms:        map[uuid.UUID]models.BanditArm{},
		decisions:   map[uuid.UUID]models.Decision{},
		snapshots:   map[string]models.BusinessState{},
		simRuns:     map[uuid.UUID]models.SimulationRun{},
		agents:      map[string]models.Agent{},
		actions:     map[uuid.UUID]models.ActionRecord{},
	}
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.Approval, error) {
	a := models.Approval{
		ID:           uuid.New(),
		OrgUnitID:    in.OrgUnitID,
		Action:       in.Action,
		ApproverRole: in.ApproverRole,
		Status:       models.ApprovalStatusPending,
		Reason:       in.Reason,
		ActionData:   copyJSON(in.ActionData),
		CreatedAt:    nowUTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return a, nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id uuid.UUID) (models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return models.Approval{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) ResolveApproval(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, resolvedBy string) (models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return models.Approval{}, ErrNotFound
	}
	if a.Status != models.ApprovalStatusPending {
		return models.Approval{}, ErrConflict
	}
	now := nowUTC()
	a.Status = status
	a.ResolvedBy = &resolvedBy
	a.ResolvedAt = &now
	m.approvals[id] = a
	return a, nil
}

func (m *MemoryStore) CreateIncident(ctx context.Context, in IncidentInput) (models.Incident, error) {
	now := nowUTC()
	inc := models.Incident{
		ID:        uuid.New(),
		OrgUnitID: in.OrgUnitID,
		Type:      in.Type,
		Severity:  in.Severity,
		Status:    models.IncidentStatusOpen,
		Summary:   in.Summary,
		Details:   copyJSON(in.Details),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc
	return inc, nil
}

func (m *MemoryStore) UpdateIncidentStatus(ctx context.Context, id uuid.UUID, status models.IncidentStatus) (models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	inc.Status = status
	inc.UpdatedAt = nowUTC()
	m.incidents[id] = inc
	return inc, nil
}

func (m *MemoryStore) PauseOrgUnit(ctx context.Context, pause models.OrgUnitPause) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pauses[pause.OrgUnitID]; ok {
		// already paused; keep the original record so the switch stays idempotent
		return nil
	}
	m.pauses[pause.OrgUnitID] = pause
	return nil
}

func (m *MemoryStore) IsOrgUnitPaused(ctx context.Context, orgUnitID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pauses[orgUnitID]
	return ok, nil
}

func (m *MemoryStore) ResumeOrgUnit(ctx context.Context, orgUnitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pauses, orgUnitID)
	return nil
}

func (m *MemoryStore) CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) UpdateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetWorkflowRun(ctx context.Context, id uuid.UUID) (models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.WorkflowRun{}, ErrNotFound
	}
	return run, nil
}

func (m *MemoryStore) GetExperimentByName(ctx context.Context, name, orgUnitID string) (models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, exp := range m.experiments {
		if exp.Name == name && exp.OrgUnitID == orgUnitID {
			return exp, nil
		}
	}
	return models.Experiment{}, ErrNotFound
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error) {
	exp := models.Experiment{
		ID:        uuid.New(),
		Name:      in.Name,
		OrgUnitID: in.OrgUnitID,
		Metrics:   append([]string(nil), in.Metrics...),
		Status:    models.ExperimentStatusActive,
		CreatedAt: nowUTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[exp.ID] = exp
	return exp, nil
}

func (m *MemoryStore) ListArms(ctx context.Context, experimentID uuid.UUID) ([]models.BanditArm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.armsByExp[experimentID]
	arms := make([]models.BanditArm, 0, len(ids))
	for _, id := range ids {
		arms = append(arms, m.arms[id])
	}
	return arms, nil
}

func (m *MemoryStore) CreateArm(ctx context.Context, in ArmInput) (models.BanditArm, error) {
	arm := models.BanditArm{
		ID:           uuid.New(),
		ExperimentID: in.ExperimentID,
		Name:         in.Name,
		Config:       copyJSON(in.Config),
		CreatedAt:    nowUTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arms[arm.ID] = arm
	m.armsByExp[in.ExperimentID] = append(m.armsByExp[in.ExperimentID], arm.ID)
	return arm, nil
}

func (m *MemoryStore) GetArm(ctx context.Context, id uuid.UUID) (models.BanditArm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arm, ok := m.arms[id]
	if !ok {
		return models.BanditArm{}, ErrNotFound
	}
	return arm, nil
}

func (m *MemoryStore) RecordArmReward(ctx context.Context, armID uuid.UUID, rewardCtx json.RawMessage, reward float64) (models.BanditArm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arm, ok := m.arms[armID]
	if !ok {
		return models.BanditArm{}, ErrNotFound
	}
	arm.Pulls++
	arm.TotalReward += reward
	arm.AvgReward = arm.TotalReward / float64(arm.Pulls)
	m.arms[armID] = arm
	m.rewards = append(m.rewards, models.BanditReward{
		ID:        uuid.New(),
		ArmID:     armID,
		Context:   copyJSON(rewardCtx),
		Reward:    reward,
		CreatedAt: nowUTC(),
	})
	return arm, nil
}

func (m *MemoryStore) CreateDecision(ctx context.Context, in DecisionInput) (models.Decision, error) {
	now := nowUTC()
	d := models.Decision{
		ID:              uuid.New(),
		Type:            in.Type,
		OrgUnitID:       in.OrgUnitID,
		ExperimentID:    in.ExperimentID,
		ArmID:           in.ArmID,
		Options:         copyJSON(in.Options),
		SelectedOption:  in.SelectedOption,
		Reasoning:       in.Reasoning,
		PredictedImpact: copyJSON(in.PredictedImpact),
		Status:          in.Status,
		ApprovalID:      in.ApprovalID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = d
	return d, nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return models.Decision{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) MarkDecisionExecuted(ctx context.Context, id uuid.UUID, actualImpact json.RawMessage) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return models.Decision{}, ErrNotFound
	}
	d.Status = models.DecisionStatusExecuted
	d.ActualImpact = copyJSON(actualImpact)
	d.UpdatedAt = nowUTC()
	m.decisions[id] = d
	return d, nil
}

func (m *MemoryStore) SaveStateSnapshot(ctx context.Context, state models.BusinessState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[state.OrgUnitID] = state
	return nil
}

func (m *MemoryStore) GetLatestStateSnapshot(ctx context.Context, orgUnitID string) (models.BusinessState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.snapshots[orgUnitID]
	if !ok {
		return models.BusinessState{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) CreateSimulationRun(ctx context.Context, in SimulationRunInput) (models.SimulationRun, error) {
	run := models.SimulationRun{
		ID:         uuid.New(),
		OrgUnitID:  in.OrgUnitID,
		Scenario:   copyJSON(in.Scenario),
		Prediction: copyJSON(in.Prediction),
		ModelTypes: append([]string(nil), in.ModelTypes...),
		CreatedAt:  nowUTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simRuns[run.ID] = run
	return run, nil
}

func (m *MemoryStore) CreateOutcome(ctx context.Context, in OutcomeInput) (models.Outcome, error) {
	out := models.Outcome{
		ID:                 uuid.New(),
		TaskType:           in.TaskType,
		TaskID:             in.TaskID,
		OrgUnitID:          in.OrgUnitID,
		OverallScore:       in.OverallScore,
		Scores:             copyJSON(in.Scores),
		Passed:             in.Passed,
		Feedback:           append([]string(nil), in.Feedback...),
		RegressionDetected: in.RegressionDetected,
		CreatedAt:          nowUTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
	return out, nil
}

func (m *MemoryStore) ListRecentOutcomes(ctx context.Context, taskType string, limit int) ([]models.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Outcome
	for i := len(m.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		if m.outcomes[i].TaskType == taskType {
			out = append(out, m.outcomes[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertAgent(ctx context.Context, agent models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = nowUTC()
	}
	m.agents[agent.ID] = agent
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) CreateAction(ctx context.Context, in ActionInput) (models.ActionRecord, error) {
	now := nowUTC()
	rec := models.ActionRecord{
		ID:        uuid.New(),
		AgentID:   in.AgentID,
		TaskID:    in.TaskID,
		OrgUnitID: in.OrgUnitID,
		Tool:      in.Tool,
		Operation: in.Operation,
		Args:      copyJSON(in.Args),
		Status:    models.ActionStatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) FinishAction(ctx context.Context, id uuid.UUID, status models.ActionStatus, errMsg *string, latencyMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.actions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Error = errMsg
	rec.LatencyMs = latencyMs
	rec.UpdatedAt = nowUTC()
	m.actions[id] = rec
	return nil
}

func (m *MemoryStore) LatestAuditHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.audit) == 0 {
		return "", nil
	}
	return m.audit[len(m.audit)-1].CurrentHash, nil
}

func (m *MemoryStore) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *MemoryStore) ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.AuditEntry, n)
	copy(out, m.audit[:n])
	return out, nil
}

func (m *MemoryStore) FetchPendingAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for i := range m.audit {
		if m.audit[i].StreamStatus != models.StreamStatusPending {
			continue
		}
		m.audit[i].StreamStatus = models.StreamStatusInProgress
		out = append(out, m.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkAuditStreamResult(ctx context.Context, id uuid.UUID, archivedKey *string, ok bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.audit {
		if m.audit[i].ID != id {
			continue
		}
		if ok {
			m.audit[i].StreamStatus = models.StreamStatusStreamed
		} else {
			m.audit[i].StreamStatus = models.StreamStatusFailed
		}
		m.audit[i].ArchivedKey = archivedKey
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Incidents returns all recorded incidents in creation order. Test helper.
func (m *MemoryStore) Incidents() []models.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Actions returns all recorded tool actions in creation order. Test helper.
func (m *MemoryStore) Actions() []models.ActionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ActionRecord, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReplaceAuditEntryForTest overwrites the audit entry at position idx so tests
// can simulate tampering with the chain.
func (m *MemoryStore) ReplaceAuditEntryForTest(idx int, entry models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= 0 && idx < len(m.audit) {
		m.audit[idx] = entry
	}
}

// Rewards returns all recorded bandit reward samples. Test helper.
func (m *MemoryStore) Rewards() []models.BanditReward {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.BanditReward(nil), m.rewards...)
}
