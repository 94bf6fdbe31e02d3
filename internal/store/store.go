package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/controlplane/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an atomic state transition loses (e.g. resolving
// an approval that is no longer pending).
var ErrConflict = errors.New("conflict")

// Store is the single persistence abstraction shared by the control-plane
// engines. Two implementations exist: MemoryStore (tests/dev) and PGStore.
type Store interface {
	// Approvals
	CreateApproval(ctx context.Context, in ApprovalInput) (models.Approval, error)
	GetApproval(ctx context.Context, id uuid.UUID) (models.Approval, error)
	ResolveApproval(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, resolvedBy string) (models.Approval, error)

	// Incidents
	CreateIncident(ctx context.Context, in IncidentInput) (models.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id uuid.UUID, status models.IncidentStatus) (models.Incident, error)

	// Kill switch
	PauseOrgUnit(ctx context.Context, pause models.OrgUnitPause) error
	IsOrgUnitPaused(ctx context.Context, orgUnitID string) (bool, error)
	ResumeOrgUnit(ctx context.Context, orgUnitID string) error

	// Workflow runs
	CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error
	UpdateWorkflowRun(ctx context.Context, run models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id uuid.UUID) (models.WorkflowRun, error)

	// Bandit experiments
	GetExperimentByName(ctx context.Context, name, orgUnitID string) (models.Experiment, error)
	CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error)
	ListArms(ctx context.Context, experimentID uuid.UUID) ([]models.BanditArm, error)
	CreateArm(ctx context.Context, in ArmInput) (models.BanditArm, error)
	GetArm(ctx context.Context, id uuid.UUID) (models.BanditArm, error)
	// RecordArmReward appends a reward sample and updates the arm counters in a
	// single atomic step, returning the updated arm.
	RecordArmReward(ctx context.Context, armID uuid.UUID, rewardCtx json.RawMessage, reward float64) (models.BanditArm, error)

	// Decisions
	CreateDecision(ctx context.Context, in DecisionInput) (models.Decision, error)
	GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error)
	MarkDecisionExecuted(ctx context.Context, id uuid.UUID, actualImpact json.RawMessage) (models.Decision, error)

	// Digital twin
	SaveStateSnapshot(ctx context.Context, state models.BusinessState) error
	GetLatestStateSnapshot(ctx context.Context, orgUnitID string) (models.BusinessState, error)
	CreateSimulationRun(ctx context.Context, in SimulationRunInput) (models.SimulationRun, error)

	// Evaluation outcomes
	CreateOutcome(ctx context.Context, in OutcomeInput) (models.Outcome, error)
	ListRecentOutcomes(ctx context.Context, taskType string, limit int) ([]models.Outcome, error)

	// Agents
	UpsertAgent(ctx context.Context, agent models.Agent) error
	GetAgent(ctx context.Context, id string) (models.Agent, error)

	// Tool action log
	CreateAction(ctx context.Context, in ActionInput) (models.ActionRecord, error)
	FinishAction(ctx context.Context, id uuid.UUID, status models.ActionStatus, errMsg *string, latencyMs int64) error

	// Audit hash chain
	LatestAuditHash(ctx context.Context) (string, error)
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error)
	FetchPendingAuditEntries(ctx context.Context, limit int) ([]models.AuditEntry, error)
	MarkAuditStreamResult(ctx context.Context, id uuid.UUID, archivedKey *string, ok bool, errMsg string) error

	Ping(ctx context.Context) error
}

type ApprovalInput struct {
	OrgUnitID    string
	Action       string
	ApproverRole string
	Reason       string
	ActionData   json.RawMessage
}

type IncidentInput struct {
	OrgUnitID string
	Type      string
	Severity  models.IncidentSeverity
	Summary   string
	Details   json.RawMessage
}

type ExperimentInput struct {
	Name      string
	OrgUnitID string
	Metrics   []string
}

type ArmInput struct {
	ExperimentID uuid.UUID
	Name         string
	Config       json.RawMessage
}

type DecisionInput struct {
	Type            string
	OrgUnitID       string
	ExperimentID    uuid.UUID
	ArmID           uuid.UUID
	Options         json.RawMessage
	SelectedOption  string
	Reasoning       string
	PredictedImpact json.RawMessage
	Status          models.DecisionStatus
	ApprovalID      *uuid.UUID
}

type SimulationRunInput struct {
	OrgUnitID  string
	Scenario   json.RawMessage
	Prediction json.RawMessage
	ModelTypes []string
}

type OutcomeInput struct {
	TaskType           string
	TaskID             string
	OrgUnitID          string
	OverallScore       float64
	Scores             json.RawMessage
	Passed             bool
	Feedback           []string
	RegressionDetected bool
}

type ActionInput struct {
	AgentID   string
	TaskID    string
	OrgUnitID string
	Tool      string
	Operation string
	Args      json.RawMessage
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func nowUTC() time.Time { return time.Now().UTC() }
