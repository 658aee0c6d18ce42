package transition

import (
	"context"
	"errors"
	"fmt"
	"log"

	"tool-factory/internal/lifecycle"
	"tool-factory/internal/models"
	"tool-factory/internal/telemetry"
)

// MaxNoteLen bounds the free-text note carried on a ledger entry.
const MaxNoteLen = 1000

// ErrNotFound is returned when the referenced job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrStatusConflict is returned by a Store when the job's status changed
// between read and write; the service maps it back to an illegal-transition
// result against the now-current status.
var ErrStatusConflict = errors.New("job status changed concurrently")

// IllegalTransitionError reports a requested transition the lifecycle table
// does not permit, along with the statuses that are permitted.
type IllegalTransitionError struct {
	From  models.Status
	To    models.Status
	Valid []models.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s (valid next: %v)", e.From, e.To, e.Valid)
}

// ValidationError reports malformed transition input, such as an over-length note.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ApplyParams is the atomic unit a Store must commit: one ledger entry plus,
// when From is set, the matching job-status update. From is nil only for the
// bootstrap entry written at job creation. The store assigns the timestamp.
type ApplyParams struct {
	JobID string
	From  *models.Status
	To    models.Status
	Actor models.Actor
	Note  string
}

// Store is the persistence contract the service mutates through. Apply must
// commit the ledger entry and job update together or not at all, and must
// return ErrStatusConflict when the job's stored status no longer matches
// From.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	Apply(ctx context.Context, p ApplyParams) (models.Job, error)
}

// Service is the only component allowed to change a job's status. Every
// mutation goes through the lifecycle table and lands exactly one ledger
// entry.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Transition moves a job to toStatus on behalf of actor. On success it
// returns the updated job; on failure nothing has been written.
func (s *Service) Transition(ctx context.Context, jobID string, to models.Status, actor models.Actor, note string) (models.Job, error) {
	if len(note) > MaxNoteLen {
		return models.Job{}, &ValidationError{Reason: fmt.Sprintf("note exceeds %d characters", MaxNoteLen)}
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	if !lifecycle.CanTransition(job.Status, to) {
		telemetry.TransitionRejects.Inc()
		return models.Job{}, &IllegalTransitionError{
			From:  job.Status,
			To:    to,
			Valid: lifecycle.ValidNextStatuses(job.Status),
		}
	}

	from := job.Status
	updated, err := s.store.Apply(ctx, ApplyParams{
		JobID: jobID,
		From:  &from,
		To:    to,
		Actor: actor,
		Note:  note,
	})
	if errors.Is(err, ErrStatusConflict) {
		// A concurrent transition won the race. Re-read and report the
		// request as illegal against the current status.
		telemetry.TransitionRejects.Inc()
		current, rerr := s.store.GetJob(ctx, jobID)
		if rerr != nil {
			return models.Job{}, rerr
		}
		return models.Job{}, &IllegalTransitionError{
			From:  current.Status,
			To:    to,
			Valid: lifecycle.ValidNextStatuses(current.Status),
		}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("apply transition: %w", err)
	}

	log.Printf("transition job=%s %s -> %s actor=%s", jobID, from, to, actor)
	telemetry.TransitionsApplied.Inc()
	return updated, nil
}

// CreateInitialEntry writes the null -> submitted ledger row for a freshly
// created job. It must run before any other transition on that job.
func (s *Service) CreateInitialEntry(ctx context.Context, jobID string) error {
	_, err := s.store.Apply(ctx, ApplyParams{
		JobID: jobID,
		From:  nil,
		To:    lifecycle.Initial,
		Actor: models.ActorSystem,
		Note:  "job created",
	})
	if err != nil {
		return fmt.Errorf("create initial ledger entry: %w", err)
	}
	telemetry.TransitionsApplied.Inc()
	return nil
}
