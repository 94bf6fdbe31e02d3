// package models contains the canonical records persisted by the control plane.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus tracks the lifecycle of a pending human decision.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// Approval is created by the governor whenever a policy requires a human sign-off.
// It is mutated exactly once, by the approver, and is terminal on approve/reject.
type Approval struct {
	ID           uuid.UUID       `json:"id"`
	OrgUnitID    string          `json:"orgUnitId"`
	Action       string          `json:"action"`
	ApproverRole string          `json:"approverRole"`
	Status       ApprovalStatus  `json:"status"`
	Reason       string          `json:"reason"`
	ActionData   json.RawMessage `json:"actionData"`
	ResolvedBy   *string         `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
)

type IncidentSeverity string

const (
	IncidentSeverityLow      IncidentSeverity = "low"
	IncidentSeverityMedium   IncidentSeverity = "medium"
	IncidentSeverityHigh     IncidentSeverity = "high"
	IncidentSeverityCritical IncidentSeverity = "critical"
)

// Incident records a hard policy breach or a kill-switch event for operational visibility.
type Incident struct {
	ID        uuid.UUID        `json:"id"`
	OrgUnitID string           `json:"orgUnitId"`
	Type      string           `json:"type"`
	Severity  IncidentSeverity `json:"severity"`
	Status    IncidentStatus   `json:"status"`
	Summary   string           `json:"summary"`
	Details   json.RawMessage  `json:"details,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusPendingApproval RunStatus = "pending_approval"
)

// TraceEntry is one line of the per-step execution trace accumulated by a run.
type TraceEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	StepID    string          `json:"step"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WorkflowRun is a single execution of a registered workflow definition.
type WorkflowRun struct {
	ID           uuid.UUID       `json:"id"`
	WorkflowName string          `json:"workflowName"`
	OrgUnitID    string          `json:"orgUnitId"`
	AgentID      string          `json:"agentId"`
	Status       RunStatus       `json:"status"`
	Inputs       json.RawMessage `json:"inputs"`
	State        json.RawMessage `json:"state"`
	Trace        []TraceEntry    `json:"trace"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	ApprovalID   *uuid.UUID      `json:"approvalId,omitempty"`
	ResumeStepID *string         `json:"resumeStepId,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

type ExperimentStatus string

const (
	ExperimentStatusActive ExperimentStatus = "active"
	ExperimentStatusPaused ExperimentStatus = "paused"
)

// Experiment is one bandit instance, created lazily per decision type and org unit.
type Experiment struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	OrgUnitID string           `json:"orgUnitId"`
	Metrics   []string         `json:"metrics"`
	Status    ExperimentStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

// BanditArm is one candidate option inside an experiment. Pulls/TotalReward/AvgReward
// are mutated on every recorded outcome.
type BanditArm struct {
	ID           uuid.UUID       `json:"id"`
	ExperimentID uuid.UUID       `json:"experimentId"`
	Name         string          `json:"name"`
	Config       json.RawMessage `json:"config"`
	Pulls        int64           `json:"pulls"`
	TotalReward  float64         `json:"totalReward"`
	AvgReward    float64         `json:"avgReward"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// BanditReward is one (context, action, reward) sample. Append-only.
type BanditReward struct {
	ID        uuid.UUID       `json:"id"`
	ArmID     uuid.UUID       `json:"armId"`
	Context   json.RawMessage `json:"context"`
	Reward    float64         `json:"reward"`
	CreatedAt time.Time       `json:"createdAt"`
}

type DecisionStatus string

const (
	DecisionStatusProposed   DecisionStatus = "proposed"
	DecisionStatusApproved   DecisionStatus = "approved"
	DecisionStatusExecuted   DecisionStatus = "executed"
	DecisionStatusRejected   DecisionStatus = "rejected"
	DecisionStatusRolledBack DecisionStatus = "rolled_back"
)

// Decision is one bandit selection event together with its predicted impact.
type Decision struct {
	ID              uuid.UUID       `json:"id"`
	Type            string          `json:"type"`
	OrgUnitID       string          `json:"orgUnitId"`
	ExperimentID    uuid.UUID       `json:"experimentId"`
	ArmID           uuid.UUID       `json:"armId"`
	Options         json.RawMessage `json:"options"`
	SelectedOption  string          `json:"selectedOption"`
	Reasoning       string          `json:"reasoning"`
	PredictedImpact json.RawMessage `json:"predictedImpact"`
	ActualImpact    json.RawMessage `json:"actualImpact,omitempty"`
	Status          DecisionStatus  `json:"status"`
	ApprovalID      *uuid.UUID      `json:"approvalId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// BusinessState is the metric snapshot simulations start from. Forecast metrics
// are floats; monetary amounts elsewhere in the system are integer cents.
type BusinessState struct {
	OrgUnitID string             `json:"orgUnitId"`
	Metrics   map[string]float64 `json:"metrics"`
	AsOf      time.Time          `json:"asOf"`
}

// Scenario is a hypothetical change applied to a baseline state.
type Scenario struct {
	Name     string             `json:"name"`
	Changes  map[string]float64 `json:"changes"`
	Duration int                `json:"duration"` // days
}

// Prediction is a forecasted business state with confidence and commentary.
type Prediction struct {
	Metrics       map[string]float64 `json:"metrics"`
	Confidence    float64            `json:"confidence"`
	Risks         []string           `json:"risks"`
	Opportunities []string           `json:"opportunities"`
}

// SimulationRun persists a scenario and its aggregated prediction for audit.
type SimulationRun struct {
	ID         uuid.UUID       `json:"id"`
	OrgUnitID  string          `json:"orgUnitId"`
	Scenario   json.RawMessage `json:"scenario"`
	Prediction json.RawMessage `json:"prediction"`
	ModelTypes []string        `json:"modelTypes"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Outcome is one scored evaluation of a completed task.
type Outcome struct {
	ID                 uuid.UUID       `json:"id"`
	TaskType           string          `json:"taskType"`
	TaskID             string          `json:"taskId"`
	OrgUnitID          string          `json:"orgUnitId"`
	OverallScore       float64         `json:"overallScore"`
	Scores             json.RawMessage `json:"scores"`
	Passed             bool            `json:"passed"`
	Feedback           []string        `json:"feedback"`
	RegressionDetected bool            `json:"regressionDetected"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// Agent is a calling identity known to the tool router, with its granted permissions.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ActionStatus string

const (
	ActionStatusStarted   ActionStatus = "started"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// ActionRecord is the operational log of one tool execution attempt.
type ActionRecord struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   string          `json:"agentId"`
	TaskID    string          `json:"taskId"`
	OrgUnitID string          `json:"orgUnitId"`
	Tool      string          `json:"tool"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
	Status    ActionStatus    `json:"status"`
	Error     *string         `json:"error,omitempty"`
	LatencyMs int64           `json:"latencyMs"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StreamStatus marks an audit entry's position in the DB-first streaming pipeline.
type StreamStatus string

const (
	StreamStatusPending    StreamStatus = "pending"
	StreamStatusInProgress StreamStatus = "in_progress"
	StreamStatusStreamed   StreamStatus = "streamed"
	StreamStatusFailed     StreamStatus = "failed"
)

// AuditEntry is one link of the tamper-evident hash chain. CurrentHash covers the
// canonical JSON of (entityType, entityId, action, actorId, changes, ts, prevHash).
type AuditEntry struct {
	ID           uuid.UUID       `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	Action       string          `json:"action"`
	ActorID      string          `json:"actorId"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	PreviousHash string          `json:"previousHash,omitempty"`
	CurrentHash  string          `json:"currentHash"`
	StreamStatus StreamStatus    `json:"streamStatus,omitempty"`
	ArchivedKey  *string         `json:"archivedKey,omitempty"`
	Ts           time.Time       `json:"ts"`
}

// OrgUnitPause records an engaged kill switch for an org unit.
type OrgUnitPause struct {
	OrgUnitID string    `json:"orgUnitId"`
	Reason    string    `json:"reason"`
	PausedBy  string    `json:"pausedBy"`
	PausedAt  time.Time `json:"pausedAt"`
}
