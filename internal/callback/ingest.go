package callback

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"

	"tool-factory/internal/idempotency"
	"tool-factory/internal/lifecycle"
	"tool-factory/internal/models"
	"tool-factory/internal/telemetry"
	"tool-factory/internal/transition"
)

// Kind discriminates which pipeline stage a result came from.
type Kind string

const (
	KindFactory Kind = "factory"
	KindDeploy  Kind = "deploy"
)

// Result is the announcement an external stage delivers. Factory results
// carry the QA verdict and generated artifact; deploy results carry the
// publish verdict. Pointer fields distinguish absent from zero.
type Result struct {
	Kind  Kind   `json:"-"`
	JobID string `json:"job_id"`

	QAPassed  *bool    `json:"qa_passed,omitempty"`
	Escalated bool     `json:"escalated,omitempty"`
	Artifact  *string  `json:"artifact,omitempty"`
	QAScore   *float64 `json:"qa_score,omitempty"`
	QANotes   *string  `json:"qa_notes,omitempty"`

	Success *bool   `json:"success,omitempty"`
	URL     *string `json:"url,omitempty"`

	Error *string `json:"error,omitempty"`
}

// Code classifies the outcome returned to the external sender.
type Code string

const (
	CodeApplied           Code = "applied"
	CodeAlreadyProcessed  Code = "already_processed"
	CodeUnauthorized      Code = "unauthorized"
	CodeNotFound          Code = "not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodeValidationError   Code = "validation_error"
	CodeInternalError     Code = "internal_error"
)

// Outcome is the ingestion verdict. Valid is populated on invalid-transition
// so the sender can see what the job would currently accept.
type Outcome struct {
	Code   Code
	Detail string
	Valid  []models.Status
}

// JobStore is the read/patch surface ingestion needs beyond the transition
// service.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	PatchJob(ctx context.Context, id string, patch models.JobPatch) error
}

// IdemStore records processed deliveries for the dedup window.
type IdemStore interface {
	Seen(ctx context.Context, k idempotency.Key) (bool, error)
	Record(ctx context.Context, k idempotency.Key) error
}

// Ingestor turns pipeline result announcements into transitions, safely
// under at-least-once delivery.
type Ingestor struct {
	secret string
	jobs   JobStore
	svc    *transition.Service
	idem   IdemStore
}

func NewIngestor(secret string, jobs JobStore, svc *transition.Service, idem IdemStore) *Ingestor {
	return &Ingestor{secret: secret, jobs: jobs, svc: svc, idem: idem}
}

// Ingest processes one delivery. providedSecret comes from the request's
// auth header; source identifies the sender for logs only.
func (in *Ingestor) Ingest(ctx context.Context, providedSecret, source string, res Result) Outcome {
	if out, ok := in.authorize(providedSecret, source); !ok {
		telemetry.CallbackRejects.Inc()
		return out
	}

	if detail, ok := validate(res); !ok {
		telemetry.CallbackRejects.Inc()
		return Outcome{Code: CodeValidationError, Detail: detail}
	}

	target := deriveTarget(res)
	key := idempotency.Key{JobID: res.JobID, Kind: string(res.Kind), Target: target}

	seen, err := in.idem.Seen(ctx, key)
	if err != nil {
		return Outcome{Code: CodeInternalError, Detail: "idempotency check failed"}
	}
	if seen {
		// Re-delivery of an already-applied result is confirmation, not an error.
		telemetry.CallbackDuplicates.Inc()
		return Outcome{Code: CodeAlreadyProcessed, Detail: "result previously applied"}
	}

	job, err := in.jobs.GetJob(ctx, res.JobID)
	if errors.Is(err, transition.ErrNotFound) {
		telemetry.CallbackRejects.Inc()
		return Outcome{Code: CodeNotFound, Detail: "unknown job " + res.JobID}
	}
	if err != nil {
		return Outcome{Code: CodeInternalError, Detail: "job lookup failed"}
	}

	if !lifecycle.CanTransition(job.Status, target) {
		telemetry.CallbackRejects.Inc()
		return Outcome{
			Code:   CodeInvalidTransition,
			Detail: fmt.Sprintf("job is %s, cannot move to %s", job.Status, target),
			Valid:  lifecycle.ValidNextStatuses(job.Status),
		}
	}

	note := fmt.Sprintf("%s callback -> %s", res.Kind, target)
	_, err = in.svc.Transition(ctx, res.JobID, target, models.ActorPipeline, note)
	var ill *transition.IllegalTransitionError
	if errors.As(err, &ill) {
		// Lost a race with another transition since the check above.
		telemetry.CallbackRejects.Inc()
		return Outcome{Code: CodeInvalidTransition, Detail: ill.Error(), Valid: ill.Valid}
	}
	if err != nil {
		return Outcome{Code: CodeInternalError, Detail: "transition failed"}
	}

	if err := in.jobs.PatchJob(ctx, res.JobID, patchFor(res)); err != nil {
		// The transition is committed; surface the patch failure so the
		// sender retries, and leave no dedup marker behind.
		log.Printf("callback job=%s kind=%s field update failed: %v", res.JobID, res.Kind, err)
		return Outcome{Code: CodeInternalError, Detail: "field update failed"}
	}

	if err := in.idem.Record(ctx, key); err != nil {
		// Worst case the sender re-delivers and the transition check
		// rejects it as invalid; nothing is applied twice.
		log.Printf("callback job=%s kind=%s idempotency record failed: %v", res.JobID, res.Kind, err)
	}

	telemetry.CallbacksApplied.Inc()
	log.Printf("callback job=%s kind=%s applied target=%s", res.JobID, res.Kind, target)
	return Outcome{Code: CodeApplied, Detail: string(target)}
}

func (in *Ingestor) authorize(provided, source string) (Outcome, bool) {
	if in.secret == "" {
		log.Printf("WARNING: callback accepted in open mode (no CALLBACK_SECRET configured) source=%s", source)
		return Outcome{}, true
	}
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(in.secret)) != 1 {
		log.Printf("callback rejected: bad or missing secret source=%s", source)
		return Outcome{Code: CodeUnauthorized, Detail: "bad or missing callback secret"}, false
	}
	return Outcome{}, true
}

func validate(res Result) (string, bool) {
	if res.JobID == "" {
		return "job_id is required", false
	}
	switch res.Kind {
	case KindFactory:
		if res.QAPassed == nil {
			return "qa_passed is required for factory results", false
		}
	case KindDeploy:
		if res.Success == nil {
			return "success is required for deploy results", false
		}
	default:
		return "unknown callback kind", false
	}
	return "", true
}

// deriveTarget maps a result to its target status. Deterministic: the same
// payload always derives the same status, which is what keys deduplication.
func deriveTarget(res Result) models.Status {
	switch res.Kind {
	case KindFactory:
		if res.Escalated {
			return models.StatusEscalated
		}
		if res.QAPassed != nil && !*res.QAPassed {
			return models.StatusQAFailed
		}
		return models.StatusReadyForReview
	case KindDeploy:
		if res.Success != nil && *res.Success {
			return models.StatusDeployed
		}
		return models.StatusDeployFailed
	}
	return ""
}

func patchFor(res Result) models.JobPatch {
	return models.JobPatch{
		Artifact:    res.Artifact,
		ArtifactURL: res.URL,
		QAScore:     res.QAScore,
		QANotes:     res.QANotes,
		LastError:   res.Error,
	}
}
