package models

import (
	"time"
)

// Status enumerates tool job lifecycle states persisted in Postgres.
type Status string

const (
	StatusSubmitted         Status = "submitted"
	StatusProcessing        Status = "processing"
	StatusQAFailed          Status = "qa_failed"
	StatusEscalated         Status = "escalated"
	StatusReadyForReview    Status = "ready_for_review"
	StatusRevisionRequested Status = "revision_requested"
	StatusDeploying         Status = "deploying"
	StatusDeployFailed      Status = "deploy_failed"
	StatusDeployed          Status = "deployed"
	StatusRejected          Status = "rejected"
)

// Actor identifies who (or what) drove a status transition.
type Actor string

const (
	ActorHuman    Actor = "human-operator"
	ActorPipeline Actor = "external-pipeline"
	ActorSystem   Actor = "system-automated"
)

// Job represents one questionnaire-to-tool build persisted in Postgres.
// Status is mutated only through the transition service.
type Job struct {
	ID            string         `json:"id"`
	Slug          string         `json:"slug"`
	Tenant        string         `json:"tenant"`
	Status        Status         `json:"status"`
	Questionnaire map[string]any `json:"questionnaire"`
	Artifact      *string        `json:"artifact,omitempty"`
	ArtifactURL   *string        `json:"artifact_url,omitempty"`
	QAScore       *float64       `json:"qa_score,omitempty"`
	QANotes       *string        `json:"qa_notes,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// JobPatch carries payload-level field updates applied alongside a
// transition. Nil fields are left untouched.
type JobPatch struct {
	Artifact    *string
	ArtifactURL *string
	QAScore     *float64
	QANotes     *string
	LastError   *string
}

// IsZero reports whether the patch would change nothing.
func (p JobPatch) IsZero() bool {
	return p.Artifact == nil && p.ArtifactURL == nil && p.QAScore == nil && p.QANotes == nil && p.LastError == nil
}

// LedgerEntry is one immutable row of the transition ledger. From is nil
// only on the entry written at job creation.
type LedgerEntry struct {
	Seq      int64     `json:"seq"`
	JobID    string    `json:"job_id"`
	From     *Status   `json:"from_status"`
	To       Status    `json:"to_status"`
	Actor    Actor     `json:"actor"`
	Note     string    `json:"note,omitempty"`
	Recorded time.Time `json:"recorded_at"`
}
