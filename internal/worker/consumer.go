package worker

import (
	"context"
	"log"
	"time"

	"tool-factory/internal/config"
	"tool-factory/internal/queue"
	"tool-factory/internal/telemetry"
)

// Handler processes one dispatch task.
type Handler func(ctx context.Context, task queue.Task) error

// Consumer drives the dispatch loop: pop a task, run its handler, repeat.
// Handler failures are logged and never stop the loop; job-level failure
// handling (retries, failure transitions) lives inside the handlers.
type Consumer struct {
	cfg      config.Config
	dispatch *queue.Dispatch
	handlers map[queue.TaskKind]Handler
}

func NewConsumer(cfg config.Config, dispatch *queue.Dispatch) *Consumer {
	return &Consumer{
		cfg:      cfg,
		dispatch: dispatch,
		handlers: make(map[queue.TaskKind]Handler),
	}
}

// RegisterHandler binds a handler to a task kind.
func (c *Consumer) RegisterHandler(kind queue.TaskKind, h Handler) {
	if kind == "" || h == nil {
		return
	}
	c.handlers[kind] = h
}

// Run consumes tasks until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := c.dispatch.Depth(ctx); err == nil {
			telemetry.DispatchDepthGauge.Set(float64(depth))
		}

		task, ok, err := c.dispatch.Pop(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker: pop task: %v", err)
			time.Sleep(c.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			continue
		}

		handler, registered := c.handlers[task.Kind]
		if !registered {
			log.Printf("worker: no handler for task kind %q job=%s", task.Kind, task.JobID)
			continue
		}
		if err := handler(ctx, task); err != nil {
			log.Printf("worker: task kind=%s job=%s failed: %v", task.Kind, task.JobID, err)
		}
	}
}
