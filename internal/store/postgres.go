package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tool-factory/internal/lifecycle"
	"tool-factory/internal/models"
	"tool-factory/internal/transition"
)

// Store wraps pgxpool for Postgres persistence of jobs and the transition
// ledger. It satisfies transition.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Slug          string
	Tenant        string
	Questionnaire map[string]any
}

// CreateJob inserts a job row in the initial status. The bootstrap ledger
// entry is written separately by transition.Service.CreateInitialEntry.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.Questionnaire == nil {
		p.Questionnaire = map[string]any{}
	}

	qJSON, err := json.Marshal(p.Questionnaire)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal questionnaire: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, slug, tenant, status, questionnaire, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, p.Slug, p.Tenant, lifecycle.Initial, qJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:            id,
		Slug:          p.Slug,
		Tenant:        p.Tenant,
		Status:        lifecycle.Initial,
		Questionnaire: p.Questionnaire,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

const jobColumns = `id, slug, tenant, status, questionnaire, artifact, artifact_url, qa_score, qa_notes, last_error, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobBySlug fetches a job by its URL-safe slug.
func (s *Store) GetJobBySlug(ctx context.Context, slug string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE slug = $1`, slug)
	return scanJob(row)
}

// ListJobsByStatus returns all jobs currently in the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Apply commits one ledger entry plus, when p.From is set, the matching job
// status update, in a single transaction. The UPDATE carries a
// status-matching precondition; zero rows affected means a concurrent
// transition won and transition.ErrStatusConflict is returned with nothing
// written.
func (s *Store) Apply(ctx context.Context, p transition.ApplyParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()

	if p.From != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4
		`, p.JobID, p.To, now, *p.From)
		if err != nil {
			return models.Job{}, fmt.Errorf("update job status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.Job{}, transition.ErrStatusConflict
		}
	}

	var from any
	if p.From != nil {
		from = string(*p.From)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transition_ledger (job_id, from_status, to_status, actor, note, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.JobID, from, p.To, p.Actor, p.Note, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit transition: %w", err)
	}

	return s.GetJob(ctx, p.JobID)
}

// PatchJob applies payload-carried field updates without touching status or
// updated_at; status bookkeeping belongs to Apply alone.
func (s *Store) PatchJob(ctx context.Context, id string, patch models.JobPatch) error {
	if patch.IsZero() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			artifact     = COALESCE($2, artifact),
			artifact_url = COALESCE($3, artifact_url),
			qa_score     = COALESCE($4, qa_score),
			qa_notes     = COALESCE($5, qa_notes),
			last_error   = COALESCE($6, last_error)
		WHERE id = $1
	`, id, patch.Artifact, patch.ArtifactURL, patch.QAScore, patch.QANotes, patch.LastError)
	if err != nil {
		return fmt.Errorf("patch job: %w", err)
	}
	return nil
}

// ListLedgerByJob returns a job's full transition history in creation order.
func (s *Store) ListLedgerByJob(ctx context.Context, jobID string) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, job_id, from_status, to_status, actor, note, recorded_at
		FROM transition_ledger WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	return scanLedger(rows)
}

// LedgerFilter narrows ListLedger output.
type LedgerFilter struct {
	ToStatus models.Status
	Limit    int
	Offset   int
}

// ListLedger returns ledger entries across jobs, newest first, filtered and
// paginated for the admin surface.
func (s *Store) ListLedger(ctx context.Context, f LedgerFilter) ([]models.LedgerEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, job_id, from_status, to_status, actor, note, recorded_at
		FROM transition_ledger
		WHERE ($1 = '' OR to_status = $1)
		ORDER BY seq DESC LIMIT $2 OFFSET $3
	`, string(f.ToStatus), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	return scanLedger(rows)
}

func scanLedger(rows pgx.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var from pgtype.Text
		if err := rows.Scan(&e.Seq, &e.JobID, &from, &e.To, &e.Actor, &e.Note, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if from.Valid {
			f := models.Status(from.String)
			e.From = &f
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var qJSON []byte
	var artifact, artifactURL, qaNotes, lastErr pgtype.Text
	var qaScore pgtype.Float8

	err := row.Scan(&job.ID, &job.Slug, &job.Tenant, &job.Status, &qJSON,
		&artifact, &artifactURL, &qaScore, &qaNotes, &lastErr,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, transition.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(qJSON, &job.Questionnaire); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal questionnaire: %w", err)
	}
	job.Artifact = textPtr(artifact)
	job.ArtifactURL = textPtr(artifactURL)
	job.QANotes = textPtr(qaNotes)
	job.LastError = textPtr(lastErr)
	if qaScore.Valid {
		v := qaScore.Float64
		job.QAScore = &v
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
