package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"tool-factory/internal/config"
	"tool-factory/internal/gateway"
	"tool-factory/internal/models"
	"tool-factory/internal/queue"
	"tool-factory/internal/transition"
)

// JobStore is the persistence surface handlers need beyond transitions.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	PatchJob(ctx context.Context, id string, patch models.JobPatch) error
}

// FactoryTrigger hands a submitted job to the external factory pipeline and
// moves it to processing. The pipeline reports back later through the
// callback endpoints.
type FactoryTrigger struct {
	cfg        config.Config
	jobs       JobStore
	svc        *transition.Service
	gw         *gateway.Gateway
	httpClient *http.Client
}

func NewFactoryTrigger(cfg config.Config, jobs JobStore, svc *transition.Service, gw *gateway.Gateway) *FactoryTrigger {
	return &FactoryTrigger{
		cfg:        cfg,
		jobs:       jobs,
		svc:        svc,
		gw:         gw,
		httpClient: &http.Client{},
	}
}

// Handle triggers the factory for one submitted job.
func (f *FactoryTrigger) Handle(ctx context.Context, task queue.Task) error {
	job, err := f.jobs.GetJob(ctx, task.JobID)
	if errors.Is(err, transition.ErrNotFound) {
		return fmt.Errorf("dispatch for unknown job %s", task.JobID)
	}
	if err != nil {
		return err
	}
	if job.Status != models.StatusSubmitted {
		// Duplicate dispatch or the monitor already failed the job.
		return nil
	}

	err = f.gw.Execute(ctx, gateway.Operation{
		Name:   "trigger_factory",
		Target: job.ID,
		Do: func(ctx context.Context) error {
			return f.trigger(ctx, job)
		},
	})
	if err != nil {
		detail := err.Error()
		if _, terr := f.svc.Transition(ctx, job.ID, models.StatusQAFailed, models.ActorSystem, "factory trigger failed: "+detail); terr != nil {
			return fmt.Errorf("trigger failed (%v) and failure transition also failed: %w", err, terr)
		}
		_ = f.jobs.PatchJob(ctx, job.ID, models.JobPatch{LastError: &detail})
		return nil
	}

	_, err = f.svc.Transition(ctx, job.ID, models.StatusProcessing, models.ActorSystem, "dispatched to factory pipeline")
	return err
}

func (f *FactoryTrigger) trigger(ctx context.Context, job models.Job) error {
	body, err := json.Marshal(map[string]any{
		"job_id":        job.ID,
		"slug":          job.Slug,
		"questionnaire": job.Questionnaire,
	})
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.FactoryURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.FactorySecret != "" {
		req.Header.Set("X-Factory-Secret", f.cfg.FactorySecret)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &gateway.CallError{StatusCode: resp.StatusCode, Message: string(detail)}
	}
	return nil
}
