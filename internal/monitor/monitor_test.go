package monitor

import (
	"context"
	"testing"
	"time"

	"tool-factory/internal/models"
	"tool-factory/internal/store"
	"tool-factory/internal/transition"
)

func newTestMonitor(st Store, svc *transition.Service, now time.Time) *Monitor {
	return &Monitor{
		store: st,
		svc:   svc,
		policies: map[models.Status]Policy{
			models.StatusSubmitted:  {Timeout: 5 * time.Minute, FailTo: models.StatusQAFailed, Reason: "factory pipeline never picked up the job"},
			models.StatusProcessing: {Timeout: 15 * time.Minute, FailTo: models.StatusQAFailed, Reason: "factory pipeline did not finish processing in time"},
			models.StatusDeploying:  {Timeout: 10 * time.Minute, FailTo: models.StatusDeployFailed, Reason: "deploy did not complete in time"},
		},
		interval: time.Minute,
		now:      func() time.Time { return now },
	}
}

func TestSweepFailsStuckJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := transition.NewService(st)
	now := time.Now().UTC()

	// Stuck in processing for 16 minutes against a 15 minute threshold.
	st.PutJob(models.Job{ID: "stuck", Status: models.StatusProcessing, UpdatedAt: now.Add(-16 * time.Minute)})

	m := newTestMonitor(st, svc, now)
	m.Sweep(ctx)

	job, _ := st.GetJob(ctx, "stuck")
	if job.Status != models.StatusQAFailed {
		t.Fatalf("status = %s, want qa_failed", job.Status)
	}
	if job.LastError == nil || *job.LastError != "factory pipeline did not finish processing in time" {
		t.Error("configured reason must be persisted on the job record")
	}

	entries, _ := st.ListLedgerByJob(ctx, "stuck")
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Actor != models.ActorSystem {
		t.Errorf("actor = %s, want system-automated", entries[0].Actor)
	}
	if entries[0].Note != "factory pipeline did not finish processing in time" {
		t.Errorf("note = %q, want configured reason", entries[0].Note)
	}

	// A second sweep finds the job no longer in processing and changes nothing.
	m.Sweep(ctx)
	if st.LedgerLen() != 1 {
		t.Errorf("second sweep added ledger entries: %d", st.LedgerLen())
	}
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := transition.NewService(st)
	now := time.Now().UTC()

	st.PutJob(models.Job{ID: "fresh", Status: models.StatusProcessing, UpdatedAt: now.Add(-14 * time.Minute)})
	st.PutJob(models.Job{ID: "reviewing", Status: models.StatusReadyForReview, UpdatedAt: now.Add(-2 * time.Hour)})

	m := newTestMonitor(st, svc, now)
	m.Sweep(ctx)

	if st.LedgerLen() != 0 {
		t.Error("sweep must not touch fresh jobs or unpoliced statuses")
	}
	job, _ := st.GetJob(ctx, "reviewing")
	if job.Status != models.StatusReadyForReview {
		t.Error("ready_for_review has no timeout policy and must be left alone")
	}
}

func TestSweepAppliesPerStatusTargets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := transition.NewService(st)
	now := time.Now().UTC()

	st.PutJob(models.Job{ID: "s1", Status: models.StatusSubmitted, UpdatedAt: now.Add(-6 * time.Minute)})
	st.PutJob(models.Job{ID: "d1", Status: models.StatusDeploying, UpdatedAt: now.Add(-11 * time.Minute)})

	m := newTestMonitor(st, svc, now)
	m.Sweep(ctx)

	s1, _ := st.GetJob(ctx, "s1")
	if s1.Status != models.StatusQAFailed {
		t.Errorf("stale submitted -> %s, want qa_failed", s1.Status)
	}
	d1, _ := st.GetJob(ctx, "d1")
	if d1.Status != models.StatusDeployFailed {
		t.Errorf("stale deploying -> %s, want deploy_failed", d1.Status)
	}
}

// movedStore makes the re-read see a job that already transitioned out of
// the stale status, simulating the race between sweep query and force-fail.
type movedStore struct {
	*store.Memory
	moveTo models.Status
	moved  bool
}

func (s *movedStore) ListJobsByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	jobs, err := s.Memory.ListJobsByStatus(ctx, status)
	if !s.moved {
		for _, job := range jobs {
			job.Status = s.moveTo
			s.Memory.PutJob(job)
			s.moved = true
		}
	}
	return jobs, err
}

func TestSweepAbortsWhenJobMovedOn(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()
	mem.PutJob(models.Job{ID: "j1", Status: models.StatusProcessing, UpdatedAt: now.Add(-time.Hour)})

	ms := &movedStore{Memory: mem, moveTo: models.StatusReadyForReview}
	svc := transition.NewService(mem)
	m := newTestMonitor(ms, svc, now)
	m.Sweep(ctx)

	job, _ := mem.GetJob(ctx, "j1")
	if job.Status != models.StatusReadyForReview {
		t.Errorf("status = %s; forced failure must abort when the job moved on", job.Status)
	}
	if mem.LedgerLen() != 0 {
		t.Error("aborted force-fail must not write a ledger entry")
	}
}

func TestTickSkipsWhileSweepRunning(t *testing.T) {
	st := store.NewMemory()
	m := newTestMonitor(st, transition.NewService(st), time.Now())

	m.sweeping.Lock()
	done := make(chan struct{})
	go func() {
		m.tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick must return immediately when a sweep holds the lock")
	}
	m.sweeping.Unlock()
}

func TestStartStop(t *testing.T) {
	st := store.NewMemory()
	m := newTestMonitor(st, transition.NewService(st), time.Now())
	m.interval = 10 * time.Millisecond

	if m.IsRunning() {
		t.Fatal("monitor must not run before Start")
	}
	m.Start()
	if !m.IsRunning() {
		t.Fatal("monitor must report running after Start")
	}
	m.Start() // no-op
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	if m.IsRunning() {
		t.Fatal("monitor must report stopped after Stop")
	}
	m.Stop() // no-op
}
