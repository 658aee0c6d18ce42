package worker

import (
	"context"
	"errors"
	"fmt"

	"tool-factory/internal/gateway"
	"tool-factory/internal/models"
	"tool-factory/internal/queue"
	"tool-factory/internal/transition"
)

// ArtifactPublisher pushes a finished artifact to its hosting location.
type ArtifactPublisher interface {
	Publish(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Deployer publishes an approved job's artifact through the gateway and
// applies the terminal transition itself, so a job never parks in deploying
// waiting on a callback that will not come.
type Deployer struct {
	jobs JobStore
	svc  *transition.Service
	gw   *gateway.Gateway
	pub  ArtifactPublisher
}

func NewDeployer(jobs JobStore, svc *transition.Service, gw *gateway.Gateway, pub ArtifactPublisher) *Deployer {
	return &Deployer{jobs: jobs, svc: svc, gw: gw, pub: pub}
}

// Handle publishes one job's artifact.
func (d *Deployer) Handle(ctx context.Context, task queue.Task) error {
	job, err := d.jobs.GetJob(ctx, task.JobID)
	if errors.Is(err, transition.ErrNotFound) {
		return fmt.Errorf("deploy dispatch for unknown job %s", task.JobID)
	}
	if err != nil {
		return err
	}
	if job.Status != models.StatusDeploying {
		// Duplicate dispatch, or the monitor already failed the deploy.
		return nil
	}
	if job.Artifact == nil || *job.Artifact == "" {
		return d.fail(ctx, job.ID, "no artifact to publish")
	}

	key := fmt.Sprintf("tools/%s/index.html", job.Slug)
	var url string
	err = d.gw.Execute(ctx, gateway.Operation{
		Name:   "publish_artifact",
		Target: job.ID,
		Do: func(ctx context.Context) error {
			var perr error
			url, perr = d.pub.Publish(ctx, key, []byte(*job.Artifact), "text/html")
			return perr
		},
	})
	if err != nil {
		return d.fail(ctx, job.ID, err.Error())
	}

	if _, err := d.svc.Transition(ctx, job.ID, models.StatusDeployed, models.ActorSystem, "artifact published"); err != nil {
		return fmt.Errorf("publish succeeded but transition failed: %w", err)
	}
	return d.jobs.PatchJob(ctx, job.ID, models.JobPatch{ArtifactURL: &url})
}

// fail records the deploy failure instead of leaving the job stuck; a human
// can retry from deploy_failed.
func (d *Deployer) fail(ctx context.Context, jobID, detail string) error {
	if _, err := d.svc.Transition(ctx, jobID, models.StatusDeployFailed, models.ActorSystem, "publish failed: "+truncate(detail, 200)); err != nil {
		return fmt.Errorf("deploy failed (%s) and failure transition also failed: %w", detail, err)
	}
	return d.jobs.PatchJob(ctx, jobID, models.JobPatch{LastError: &detail})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
