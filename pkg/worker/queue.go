package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/csbot-dev/csbot/pkg/config"
)

// Job is one queued ingestion request.
type Job struct {
	DocumentID string `json:"document_id"`
}

// Queue is the redis list ingestion jobs flow through. Producers push
// with Enqueue; workers block on Dequeue.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue connects to redis and verifies the connection.
func NewQueue(ctx context.Context, cfg config.RedisConfig) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &Queue{client: client, key: cfg.Queue}, nil
}

// Enqueue pushes an ingestion job for a document.
func (q *Queue) Enqueue(ctx context.Context, documentID string) error {
	return q.push(ctx, Job{DocumentID: documentID})
}

func (q *Queue) push(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue document %s: %w", job.DocumentID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. A nil job with nil
// error means the wait timed out with the queue empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("malformed job payload %q: %w", res[1], err)
	}
	return &job, nil
}

// Length reports how many jobs are waiting.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close releases the redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
