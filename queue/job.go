package queue

import (
	"errors"
	"time"
)

var (
	ErrEmptyQueueName = errors.New("queue name is required")
	ErrEmptyJobName   = errors.New("job name is required")
	ErrWorkerStale    = errors.New("worker heartbeat is stale")
)

// Options controls how a job is enqueued. Lower Priority values run first.
type Options struct {
	Priority int           `json:"priority,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Scope    string        `json:"scope,omitempty"`
}

// Job is a unit of durable work.
type Job struct {
	ID           string         `json:"id"`
	Queue        string         `json:"queue"`
	Name         string         `json:"name"`
	Scope        string         `json:"scope,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     int            `json:"priority"`
	Attempts     int            `json:"attempts"`
	AttemptsMade int            `json:"attempts_made"`
	CreatedAt    time.Time      `json:"created_at"`
	LastError    string         `json:"last_error,omitempty"`
}

// Metrics is a point-in-time view of one queue.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
