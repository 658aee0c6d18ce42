package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tool-factory/internal/config"
	"tool-factory/internal/models"
	"tool-factory/internal/telemetry"
	"tool-factory/internal/transition"
)

// Policy configures when a transitional status counts as stuck and where a
// stuck job is forced to.
type Policy struct {
	Timeout time.Duration
	FailTo  models.Status
	Reason  string
}

// DefaultPolicies builds the stale-status table from config thresholds.
func DefaultPolicies(cfg config.Config) map[models.Status]Policy {
	return map[models.Status]Policy{
		models.StatusSubmitted: {
			Timeout: cfg.StaleSubmittedAfter,
			FailTo:  models.StatusQAFailed,
			Reason:  "factory pipeline never picked up the job",
		},
		models.StatusProcessing: {
			Timeout: cfg.StaleProcessingAfter,
			FailTo:  models.StatusQAFailed,
			Reason:  "factory pipeline did not finish processing in time",
		},
		models.StatusDeploying: {
			Timeout: cfg.StaleDeployingAfter,
			FailTo:  models.StatusDeployFailed,
			Reason:  "deploy did not complete in time",
		},
	}
}

// Store is the read surface the monitor sweeps over.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.Status) ([]models.Job, error)
	PatchJob(ctx context.Context, id string, patch models.JobPatch) error
}

// Monitor periodically forces jobs stuck past a per-status timeout through
// the configured failure transition. One monitor per process; sweeps never
// overlap.
type Monitor struct {
	store    Store
	svc      *transition.Service
	policies map[models.Status]Policy
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	sweeping sync.Mutex
}

func New(cfg config.Config, store Store, svc *transition.Service) *Monitor {
	return &Monitor{
		store:    store,
		svc:      svc,
		policies: DefaultPolicies(cfg),
		interval: cfg.MonitorInterval,
		now:      time.Now,
	}
}

// Start launches the recurring sweep. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}(m.done)
	log.Printf("stale monitor started interval=%s", m.interval)
}

// Stop cancels the recurring timer and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	log.Printf("stale monitor stopped")
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// tick runs one sweep unless the previous one is still going, in which case
// the tick is skipped entirely.
func (m *Monitor) tick(ctx context.Context) {
	if !m.sweeping.TryLock() {
		telemetry.MonitorSkips.Inc()
		log.Printf("stale monitor: previous sweep still running, skipping tick")
		return
	}
	defer m.sweeping.Unlock()
	m.Sweep(ctx)
}

// Sweep checks every policed status once and force-fails jobs past their
// timeout. One job's failure never stops the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	telemetry.MonitorSweeps.Inc()
	now := m.now()

	for status, policy := range m.policies {
		jobs, err := m.store.ListJobsByStatus(ctx, status)
		if err != nil {
			log.Printf("stale monitor: list %s jobs: %v", status, err)
			continue
		}
		for _, job := range jobs {
			if now.Sub(job.UpdatedAt) <= policy.Timeout {
				continue
			}
			if err := m.failJob(ctx, job.ID, status, policy); err != nil {
				log.Printf("stale monitor: fail job=%s: %v", job.ID, err)
			}
		}
	}
}

// failJob re-reads the job immediately before mutating; if it legitimately
// moved on since the sweep's query, the forced failure is abandoned.
func (m *Monitor) failJob(ctx context.Context, jobID string, staleStatus models.Status, policy Policy) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != staleStatus {
		return nil
	}

	_, err = m.svc.Transition(ctx, jobID, policy.FailTo, models.ActorSystem, policy.Reason)
	var ill *transition.IllegalTransitionError
	if errors.As(err, &ill) {
		// Raced with a real transition between re-read and write. The job
		// is making progress, so leave it alone.
		return nil
	}
	if err != nil {
		return err
	}

	reason := policy.Reason
	if err := m.store.PatchJob(ctx, jobID, models.JobPatch{LastError: &reason}); err != nil {
		log.Printf("stale monitor: persist error message job=%s: %v", jobID, err)
	}

	telemetry.StaleJobsFailed.Inc()
	log.Printf("stale monitor: forced job=%s %s -> %s (%s)", jobID, staleStatus, policy.FailTo, policy.Reason)
	return nil
}
