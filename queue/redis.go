// Package queue is the durable lane: a Redis-backed priority job queue with
// delayed jobs, exponential retry backoff and a worker runtime that reports
// terminal failures exactly once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const priorityWeight = 1e13

// QueueOption configures a RedisQueue.
type QueueOption func(*RedisQueue)

// WithQueueLogger overrides slog.Default().
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *RedisQueue) { q.logger = logger }
}

// WithQueueClock overrides time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *RedisQueue) { q.now = now }
}

// RedisQueue stores jobs in Redis. Each named queue owns a waiting sorted set
// scored by priority then enqueue time, a delayed sorted set scored by due
// time, an active set, a completed counter and a failed sorted set scored by
// failure time.
type RedisQueue struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisQueue creates a queue over client.
func NewRedisQueue(client redis.UniversalClient, cfg Config, opts ...QueueOption) *RedisQueue {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	q := &RedisQueue{
		client: client,
		cfg:    merged,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) key(queueName, part string) string {
	return q.cfg.Prefix + ":queue:" + queueName + ":" + part
}

func (q *RedisQueue) jobKey(queueName, id string) string {
	return q.key(queueName, "job:"+id)
}

// Ping checks that the backing store is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue adds a job and returns its id. A positive Delay parks the job in
// the delayed set until it is due.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName, name string, payload map[string]any, opts Options) (string, error) {
	if queueName == "" {
		return "", ErrEmptyQueueName
	}
	if name == "" {
		return "", ErrEmptyJobName
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	now := q.now()
	job := Job{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Queue:     queueName,
		Name:      name,
		Scope:     opts.Scope,
		Payload:   payload,
		Priority:  opts.Priority,
		Attempts:  attempts,
		CreatedAt: now,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(queueName, job.ID), data, 0)
		if opts.Delay > 0 {
			pipe.ZAdd(ctx, q.key(queueName, "delayed"), redis.Z{
				Score:  float64(now.Add(opts.Delay).UnixMilli()),
				Member: job.ID,
			})
		} else {
			pipe.ZAdd(ctx, q.key(queueName, "wait"), redis.Z{
				Score:  waitScore(job.Priority, now),
				Member: job.ID,
			})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", name, queueName, err)
	}

	return job.ID, nil
}

func waitScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityWeight + float64(at.UnixMilli())
}

// claim moves due delayed jobs to waiting, then pops the next waiting job
// into the active set. It returns nil when the queue is empty.
func (q *RedisQueue) claim(ctx context.Context, queueName string) (*Job, error) {
	if err := q.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}

	popped, err := q.client.ZPopMin(ctx, q.key(queueName, "wait"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queueName, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, _ := popped[0].Member.(string)
	if err := q.client.SAdd(ctx, q.key(queueName, "active"), id).Err(); err != nil {
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}

	data, err := q.client.Get(ctx, q.jobKey(queueName, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		q.client.SRem(ctx, q.key(queueName, "active"), id)
		return nil, fmt.Errorf("job %s has no body", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) promoteDue(ctx context.Context, queueName string) error {
	now := q.now()
	due, err := q.client.ZRangeByScore(ctx, q.key(queueName, "delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed %s: %w", queueName, err)
	}

	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key(queueName, "delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
		if removed == 0 {
			// another worker promoted it
			continue
		}

		priority := 0
		if data, err := q.client.Get(ctx, q.jobKey(queueName, id)).Bytes(); err == nil {
			var job Job
			if json.Unmarshal(data, &job) == nil {
				priority = job.Priority
			}
		}
		if err := q.client.ZAdd(ctx, q.key(queueName, "wait"), redis.Z{
			Score:  waitScore(priority, now),
			Member: id,
		}).Err(); err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
	}
	return nil
}

func (q *RedisQueue) complete(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.key(job.Queue, "active"), job.ID)
		pipe.Del(ctx, q.jobKey(job.Queue, job.ID))
		pipe.Incr(ctx, q.key(job.Queue, "completed"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	return nil
}

// fail records one failed attempt. It schedules a retry with exponential
// backoff while attempts remain and reports terminal once they are exhausted.
func (q *RedisQueue) fail(ctx context.Context, job *Job, jobErr error) (terminal bool, err error) {
	job.AttemptsMade++
	job.LastError = jobErr.Error()
	now := q.now()

	if job.AttemptsMade < job.Attempts {
		data, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("encode job: %w", err)
		}
		delay := q.cfg.Backoff << (job.AttemptsMade - 1)
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.jobKey(job.Queue, job.ID), data, 0)
			pipe.SRem(ctx, q.key(job.Queue, "active"), job.ID)
			pipe.ZAdd(ctx, q.key(job.Queue, "delayed"), redis.Z{
				Score:  float64(now.Add(delay).UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("schedule retry %s: %w", job.ID, err)
		}
		return false, nil
	}

	cutoff := now.Add(-q.cfg.FailedWindow).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.key(job.Queue, "active"), job.ID)
		pipe.Del(ctx, q.jobKey(job.Queue, job.ID))
		pipe.ZAdd(ctx, q.key(job.Queue, "failed"), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: job.ID,
		})
		pipe.ZRemRangeByScore(ctx, q.key(job.Queue, "failed"), "-inf", "("+strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("record failure %s: %w", job.ID, err)
	}
	return true, nil
}

// Metrics returns queue counters. Failed counts terminal failures within
// FailedWindow.
func (q *RedisQueue) Metrics(ctx context.Context, queueName string) (Metrics, error) {
	cutoff := q.now().Add(-q.cfg.FailedWindow).UnixMilli()

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key(queueName, "wait"))
	active := pipe.SCard(ctx, q.key(queueName, "active"))
	delayed := pipe.ZCard(ctx, q.key(queueName, "delayed"))
	completed := pipe.Get(ctx, q.key(queueName, "completed"))
	failed := pipe.ZCount(ctx, q.key(queueName, "failed"), strconv.FormatInt(cutoff, 10), "+inf")

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Metrics{}, fmt.Errorf("metrics %s: %w", queueName, err)
	}

	m := Metrics{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}
	if n, err := completed.Int64(); err == nil {
		m.Completed = n
	}
	return m, nil
}
