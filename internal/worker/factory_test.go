package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tool-factory/internal/config"
	"tool-factory/internal/models"
	"tool-factory/internal/queue"
	"tool-factory/internal/store"
	"tool-factory/internal/transition"
)

func submittedJob(st *store.Memory) {
	st.PutJob(models.Job{
		ID:            "j1",
		Slug:          "unit-converter",
		Status:        models.StatusSubmitted,
		Questionnaire: map[string]any{"purpose": "convert units"},
		UpdatedAt:     time.Now().UTC(),
	})
}

func TestFactoryTriggerSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := transition.NewService(st)
	submittedJob(st)

	var gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Factory-Secret")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.Config{
		FactoryURL:            srv.URL,
		FactorySecret:         "fs",
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         10 * time.Millisecond,
		GatewayAttemptTimeout: time.Second,
	}
	ft := NewFactoryTrigger(cfg, st, svc, fastGateway())

	if err := ft.Handle(ctx, queue.Task{JobID: "j1", Kind: queue.TaskFactory}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotSecret != "fs" {
		t.Error("trigger request must carry the factory secret header")
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.Status != models.StatusProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
}

func TestFactoryTriggerExhaustsRetriesThenFailsJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := transition.NewService(st)
	submittedJob(st)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Config{
		FactoryURL:            srv.URL,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         10 * time.Millisecond,
		GatewayAttemptTimeout: time.Second,
	}
	ft := NewFactoryTrigger(cfg, st, svc, fastGateway())

	if err := ft.Handle(ctx, queue.Task{JobID: "j1", Kind: queue.TaskFactory}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 3 {
		t.Errorf("trigger attempts = %d, want 3 for server errors", calls)
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.Status != models.StatusQAFailed {
		t.Errorf("status = %s, want qa_failed after trigger failure", job.Status)
	}
	if job.LastError == nil {
		t.Error("trigger failure must persist an error message")
	}
}

func TestFactoryTriggerSkipsNonSubmitted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := transition.NewService(st)
	st.PutJob(models.Job{ID: "j1", Status: models.StatusProcessing, UpdatedAt: time.Now().UTC()})

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	defer srv.Close()

	cfg := config.Config{FactoryURL: srv.URL, RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Millisecond, GatewayAttemptTimeout: time.Second}
	ft := NewFactoryTrigger(cfg, st, svc, fastGateway())

	if err := ft.Handle(ctx, queue.Task{JobID: "j1", Kind: queue.TaskFactory}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 0 {
		t.Error("duplicate dispatch must not re-trigger the factory")
	}
}
