package store

import (
	"context"
	"sync"
	"time"

	"tool-factory/internal/models"
	"tool-factory/internal/transition"
)

// Memory is an in-process store with the same contract as the Postgres
// store. It backs tests and single-instance development; production runs on
// Postgres so state survives restarts and is shared across instances.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	ledger []models.LedgerEntry
	seq    int64
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

// PutJob inserts or replaces a job record wholesale. Intended for seeding
// test fixtures; the API flow goes through CreateJob on the Postgres store.
func (m *Memory) PutJob(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, transition.ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobsByStatus(_ context.Context, status models.Status) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *Memory) Apply(_ context.Context, p transition.ApplyParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	job, ok := m.jobs[p.JobID]

	if p.From != nil {
		if !ok {
			return models.Job{}, transition.ErrNotFound
		}
		if job.Status != *p.From {
			return models.Job{}, transition.ErrStatusConflict
		}
		job.Status = p.To
		job.UpdatedAt = now
		m.jobs[p.JobID] = job
	}

	m.seq++
	m.ledger = append(m.ledger, models.LedgerEntry{
		Seq:      m.seq,
		JobID:    p.JobID,
		From:     p.From,
		To:       p.To,
		Actor:    p.Actor,
		Note:     p.Note,
		Recorded: now,
	})
	return job, nil
}

func (m *Memory) PatchJob(_ context.Context, id string, patch models.JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return transition.ErrNotFound
	}
	if patch.Artifact != nil {
		job.Artifact = patch.Artifact
	}
	if patch.ArtifactURL != nil {
		job.ArtifactURL = patch.ArtifactURL
	}
	if patch.QAScore != nil {
		job.QAScore = patch.QAScore
	}
	if patch.QANotes != nil {
		job.QANotes = patch.QANotes
	}
	if patch.LastError != nil {
		job.LastError = patch.LastError
	}
	m.jobs[id] = job
	return nil
}

func (m *Memory) ListLedgerByJob(_ context.Context, jobID string) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// LedgerLen reports the total number of ledger entries. Test helper.
func (m *Memory) LedgerLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}
