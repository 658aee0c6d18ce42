package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tool-factory/internal/config"
)

// TaskKind names the pipeline stage a dispatch task triggers.
type TaskKind string

const (
	TaskFactory TaskKind = "factory"
	TaskDeploy  TaskKind = "deploy"
)

// Task is one unit of fire-and-forget work handed to the dispatch workers.
type Task struct {
	JobID string   `json:"job_id"`
	Kind  TaskKind `json:"kind"`
}

// Dispatch is a Redis-backed work queue: the API pushes, workers block-pop.
type Dispatch struct {
	client *redis.Client
	key    string
}

func NewDispatch(cfg config.Config) *Dispatch {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Dispatch{client: client, key: cfg.DispatchQueue}
}

// NewDispatchWithClient builds a queue on an existing client. Used by tests.
func NewDispatchWithClient(client *redis.Client, key string) *Dispatch {
	return &Dispatch{client: client, key: key}
}

// Push appends a task to the queue.
func (d *Dispatch) Push(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := d.client.RPush(ctx, d.key, data).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next task. The second return is false
// when the queue stayed empty.
func (d *Dispatch) Pop(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	res, err := d.client.BLPop(ctx, timeout, d.key).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("pop task: %w", err)
	}
	// BLPop returns [key, value].
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return Task{}, false, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, true, nil
}

// Depth returns the number of waiting tasks.
func (d *Dispatch) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.key).Result()
}
