package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job Job) error

// FailedHook receives a job once its retry budget is exhausted.
type FailedHook func(ctx context.Context, job Job, err error)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger overrides slog.Default().
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithFailedHook registers the terminal failure hook.
func WithFailedHook(hook FailedHook) WorkerOption {
	return func(w *Worker) { w.onFailed = hook }
}

// Worker claims jobs from one or more queues. Queues are polled in the order
// given, so earlier queues take precedence.
type Worker struct {
	queue    *RedisQueue
	queues   []string
	handler  Handler
	onFailed FailedHook
	logger   *slog.Logger

	running   atomic.Bool
	heartbeat atomic.Int64
}

// NewWorker creates a worker over queues.
func NewWorker(q *RedisQueue, queues []string, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:   q,
		queues:  queues,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs with Config.Concurrency loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	w.beat()

	g, gctx := errgroup.WithContext(ctx)
	for range w.queue.cfg.Concurrency {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		w.beat()
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
		}

		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(w.queue.cfg.PollInterval)
		}
	}
}

// ProcessNext claims and handles at most one job. It reports whether a job
// was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	for _, name := range w.queues {
		job, err := w.queue.claim(ctx, name)
		if err != nil {
			return false, err
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
		return true, nil
	}
	return false, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	err := w.invoke(ctx, *job)
	if err == nil {
		if err := w.queue.complete(ctx, job); err != nil {
			w.logger.ErrorContext(ctx, "complete failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		return
	}

	terminal, ferr := w.queue.fail(ctx, job, err)
	if ferr != nil {
		w.logger.ErrorContext(ctx, "failure bookkeeping failed", slog.String("job_id", job.ID), slog.String("error", ferr.Error()))
	}
	if !terminal {
		w.logger.DebugContext(
			ctx,
			"job attempt failed, retry scheduled",
			slog.String("job_id", job.ID),
			slog.String("job_name", job.Name),
			slog.Int("attempt", job.AttemptsMade),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.WarnContext(
		ctx,
		"job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.String("queue", job.Queue),
		slog.Int("attempts", job.AttemptsMade),
		slog.String("error", err.Error()),
	)
	if w.onFailed != nil {
		w.onFailed(ctx, *job, err)
	}
}

func (w *Worker) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) beat() {
	w.heartbeat.Store(w.queue.now().UnixNano())
}

// Heartbeat returns the time of the last loop iteration.
func (w *Worker) Heartbeat() time.Time {
	return time.Unix(0, w.heartbeat.Load())
}

// Probe fails when the worker is not running or its heartbeat is older than
// Config.StaleAfter.
func (w *Worker) Probe(ctx context.Context) error {
	if !w.running.Load() {
		return fmt.Errorf("%w: not running", ErrWorkerStale)
	}
	if age := w.queue.now().Sub(w.Heartbeat()); age > w.queue.cfg.StaleAfter {
		return fmt.Errorf("%w: last beat %s ago", ErrWorkerStale, age.Round(time.Millisecond))
	}
	return nil
}
