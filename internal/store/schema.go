package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates the control-plane tables if they do not exist. Intended
// for fresh environments; production migrations run out of band.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS approvals (
  id uuid PRIMARY KEY,
  org_unit_id text NOT NULL,
  action text NOT NULL,
  approver_role text NOT NULL,
  status text NOT NULL,
  reason text NOT NULL DEFAULT '',
  action_data jsonb NOT NULL DEFAULT '{}',
  resolved_by text,
  resolved_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_approvals_org_status ON approvals (org_unit_id, status);

CREATE TABLE IF NOT EXISTS incidents (
  id uuid PRIMARY KEY,
  org_unit_id text NOT NULL,
  type text NOT NULL,
  severity text NOT NULL,
  status text NOT NULL,
  summary text NOT NULL,
  details jsonb NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_incidents_org_created ON incidents (org_unit_id, created_at DESC);

CREATE TABLE IF NOT EXISTS org_unit_pauses (
  org_unit_id text PRIMARY KEY,
  reason text NOT NULL DEFAULT '',
  paused_by text NOT NULL DEFAULT '',
  paused_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_runs (
  id uuid PRIMARY KEY,
  workflow_name text NOT NULL,
  org_unit_id text NOT NULL,
  agent_id text NOT NULL DEFAULT '',
  status text NOT NULL,
  inputs jsonb NOT NULL DEFAULT '{}',
  state jsonb NOT NULL DEFAULT '{}',
  trace jsonb NOT NULL DEFAULT '[]',
  error_message text,
  approval_id uuid,
  resume_step_id text,
  started_at timestamptz NOT NULL,
  finished_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_org_started ON workflow_runs (org_unit_id, started_at DESC);

CREATE TABLE IF NOT EXISTS experiments (
  id uuid PRIMARY KEY,
  name text NOT NULL,
  org_unit_id text NOT NULL,
  metrics text[] NOT NULL DEFAULT '{}',
  status text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (name, org_unit_id)
);

CREATE TABLE IF NOT EXISTS bandit_arms (
  id uuid PRIMARY KEY,
  experiment_id uuid NOT NULL REFERENCES experiments (id),
  name text NOT NULL,
  config jsonb NOT NULL DEFAULT '{}',
  pulls bigint NOT NULL DEFAULT 0,
  total_reward double precision NOT NULL DEFAULT 0,
  avg_reward double precision NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bandit_arms_experiment ON bandit_arms (experiment_id, created_at ASC);

CREATE TABLE IF NOT EXISTS bandit_rewards (
  id uuid PRIMARY KEY,
  arm_id uuid NOT NULL REFERENCES bandit_arms (id),
  context jsonb NOT NULL DEFAULT '{}',
  reward double precision NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decisions (
  id uuid PRIMARY KEY,
  type text NOT NULL,
  org_unit_id text NOT NULL,
  experiment_id uuid NOT NULL,
  arm_id uuid NOT NULL,
  options jsonb NOT NULL DEFAULT '[]',
  selected_option text NOT NULL,
  reasoning text NOT NULL DEFAULT '',
  predicted_impact jsonb NOT NULL DEFAULT '{}',
  actual_impact jsonb,
  status text NOT NULL,
  approval_id uuid,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_decisions_org_created ON decisions (org_unit_id, created_at DESC);

CREATE TABLE IF NOT EXISTS state_snapshots (
  id uuid PRIMARY KEY,
  org_unit_id text NOT NULL,
  metrics jsonb NOT NULL DEFAULT '{}',
  as_of timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_snapshots_org_asof ON state_snapshots (org_unit_id, as_of DESC);

CREATE TABLE IF NOT EXISTS simulation_runs (
  id uuid PRIMARY KEY,
  org_unit_id text NOT NULL,
  scenario jsonb NOT NULL DEFAULT '{}',
  prediction jsonb NOT NULL DEFAULT '{}',
  model_types text[] NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outcomes (
  id uuid PRIMARY KEY,
  task_type text NOT NULL,
  task_id text NOT NULL,
  org_unit_id text NOT NULL,
  overall_score double precision NOT NULL,
  scores jsonb NOT NULL DEFAULT '{}',
  passed boolean NOT NULL,
  feedback text[] NOT NULL DEFAULT '{}',
  regression_detected boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_outcomes_type_created ON outcomes (task_type, created_at DESC);

CREATE TABLE IF NOT EXISTS agents (
  id text PRIMARY KEY,
  name text NOT NULL,
  active boolean NOT NULL DEFAULT true,
  permissions text[] NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS actions (
  id uuid PRIMARY KEY,
  agent_id text NOT NULL,
  task_id text NOT NULL DEFAULT '',
  org_unit_id text NOT NULL DEFAULT '',
  tool text NOT NULL,
  operation text NOT NULL,
  args jsonb NOT NULL DEFAULT '{}',
  status text NOT NULL,
  error text,
  latency_ms bigint NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_actions_agent_created ON actions (agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
  id uuid PRIMARY KEY,
  entity_type text NOT NULL,
  entity_id text NOT NULL,
  action text NOT NULL,
  actor_id text NOT NULL,
  changes jsonb NOT NULL DEFAULT '{}',
  previous_hash text NOT NULL DEFAULT '',
  current_hash text NOT NULL,
  stream_status text NOT NULL DEFAULT 'pending',
  stream_attempts int NOT NULL DEFAULT 0,
  stream_error text,
  archived_key text,
  ts timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log (ts ASC);
CREATE INDEX IF NOT EXISTS idx_audit_log_stream_status ON audit_log (stream_status, ts ASC);
`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
