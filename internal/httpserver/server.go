// package httpserver exposes the control-plane engines over HTTP. The routing
// layer is deliberately thin; all semantics live in the engine packages.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsloop/controlplane/internal/audit"
	"github.com/opsloop/controlplane/internal/auth"
	"github.com/opsloop/controlplane/internal/decision"
	"github.com/opsloop/controlplane/internal/evaluator"
	"github.com/opsloop/controlplane/internal/governor"
	"github.com/opsloop/controlplane/internal/metrics"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/twin"
	"github.com/opsloop/controlplane/internal/workflow"
)

type Server struct {
	store     store.Store
	gov       *governor.Governor
	engine    *workflow.Engine
	decisions *decision.Engine
	twin      *twin.Twin
	eval      *evaluator.Evaluator
	metrics   *metrics.Metrics
	verifier  *auth.Verifier

	defaultAgentID string
}

func New(st store.Store, gov *governor.Governor, engine *workflow.Engine, decisions *decision.Engine, tw *twin.Twin, eval *evaluator.Evaluator, m *metrics.Metrics, verifier *auth.Verifier, defaultAgentID string) *Server {
	return &Server{
		store:          st,
		gov:            gov,
		engine:         engine,
		decisions:      decisions,
		twin:           tw,
		eval:           eval,
		metrics:        m,
		verifier:       verifier,
		defaultAgentID: defaultAgentID,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleOperator))
			r.Post("/policy/check", s.handlePolicyCheck)
			r.Get("/approvals/{id}", s.handleGetApproval)
			r.Post("/workflows/{name}/execute", s.handleExecuteWorkflow)
			r.Get("/workflow-runs/{id}", s.handleGetRun)
			r.Post("/workflow-runs/{id}/resume", s.handleResumeRun)
			r.Get("/workflow-runs/{id}/replay", s.handleReplayRun)
			r.Post("/decisions/{type}", s.handleMakeDecision)
			r.Post("/decisions/{id}/outcome", s.handleDecisionOutcome)
			r.Post("/simulate", s.handleSimulate)
			r.Post("/evaluate", s.handleEvaluate)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleFounder))
			r.Post("/approvals/{id}/approve", s.handleResolveApproval(true))
			r.Post("/approvals/{id}/reject", s.handleResolveApproval(false))
			r.Post("/org-units/{id}/kill-switch", s.handleKillSwitch)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAuditor))
			r.Get("/audit/verify", s.handleAuditVerify)
			r.Get("/audit/entries", s.handleAuditEntries)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type policyCheckRequest struct {
	OrgUnitID string                 `json:"orgUnitId"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data"`
}

func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	var req policyCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.gov.CheckPolicy(r.Context(), req.OrgUnitID, req.Action, req.Data)
	if !res.Allowed && !res.RequiresApproval {
		s.metrics.IncrementPolicyDenial(req.Action)
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	approval, err := s.store.GetApproval(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, approval)
}

func (s *Server) handleResolveApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid approval id")
			return
		}
		resolvedBy := "unknown"
		if p, ok := auth.FromContext(r.Context()); ok {
			resolvedBy = p.Subject
		}
		approval, err := s.gov.ResolveApproval(r.Context(), id, approve, resolvedBy)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, approval)
	}
}

type executeWorkflowRequest struct {
	OrgUnitID string                 `json:"orgUnitId"`
	AgentID   string                 `json:"agentId"`
	Inputs    map[string]interface{} `json:"inputs"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req executeWorkflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		req.AgentID = s.defaultAgentID
	}
	run, err := s.engine.ExecuteWorkflow(r.Context(), name, workflow.TriggerContext{
		OrgUnitID: req.OrgUnitID,
		AgentID:   req.AgentID,
	}, req.Inputs)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrWorkflowNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, workflow.ErrOrgUnitPaused):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.store.GetWorkflowRun(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.engine.ResumeWorkflow(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, workflow.ErrRunNotResumable):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	replay, err := s.engine.ReplayWorkflow(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, replay)
}

type makeDecisionRequest struct {
	OrgUnitID    string             `json:"orgUnitId"`
	CurrentState map[string]float64 `json:"currentState"`
	Constraints  map[string]float64 `json:"constraints"`
}

func (s *Server) handleMakeDecision(w http.ResponseWriter, r *http.Request) {
	decisionType := chi.URLParam(r, "type")
	var req makeDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.decisions.MakeDecision(r.Context(), decisionType, decision.Context{
		OrgUnitID:    req.OrgUnitID,
		CurrentState: req.CurrentState,
		Constraints:  req.Constraints,
	})
	if err != nil {
		if errors.Is(err, decision.ErrUnknownDecisionType) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.IncrementDecision(decisionType, res.SelectedOption)
	respondJSON(w, http.StatusOK, res)
}

type decisionOutcomeRequest struct {
	ActualImpact map[string]float64 `json:"actualImpact"`
	Reward       float64            `json:"reward"`
}

func (s *Server) handleDecisionOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid decision id")
		return
	}
	var req decisionOutcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	arm, err := s.decisions.RecordOutcome(r.Context(), id, req.ActualImpact, req.Reward)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, arm)
}

type simulateRequest struct {
	OrgUnitID  string          `json:"orgUnitId"`
	Scenario   models.Scenario `json:"scenario"`
	ModelTypes []string        `json:"modelTypes"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	prediction, err := s.twin.Simulate(r.Context(), req.OrgUnitID, req.Scenario, req.ModelTypes)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.IncrementSimulation()
	respondJSON(w, http.StatusOK, prediction)
}

type evaluateRequest struct {
	TaskType  string                 `json:"taskType"`
	TaskID    string                 `json:"taskId"`
	OrgUnitID string                 `json:"orgUnitId"`
	Outputs   map[string]interface{} `json:"outputs"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.eval.EvaluateOutcome(r.Context(), evaluator.Context{
		TaskType:  req.TaskType,
		TaskID:    req.TaskID,
		OrgUnitID: req.OrgUnitID,
		Outputs:   req.Outputs,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.IncrementEvaluation(req.TaskType, res.Passed)
	respondJSON(w, http.StatusOK, res)
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	orgUnitID := chi.URLParam(r, "id")
	var req killSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor := "unknown"
	if p, ok := auth.FromContext(r.Context()); ok {
		actor = p.Subject
	}
	if err := s.gov.KillSwitch(r.Context(), orgUnitID, req.Reason, actor); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"orgUnitId": orgUnitID, "paused": true})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := audit.VerifyChain(r.Context(), s.store); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAuditEntries(r.Context(), 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
