// Package deadletter collects durable jobs that exhausted their retry budget.
//
// Failures are grouped by job signature so a job that keeps failing the same
// way produces one entry with a bounded error history rather than one row per
// attempt. Each intake classifies the failure and evaluates the poison pill
// rules; a poison pill is quarantined and an alert event is emitted.
//
//	dlq := deadletter.New(deadletter.DefaultConfig(), deadletter.WithObserver(obs))
//	dlq.Start(ctx)
//	defer dlq.Shutdown()
//	entry, err := dlq.HandleFailedJob(ctx, job, jobErr)
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tailored-agentic-units/relay/observability"
)

const tracerName = "github.com/tailored-agentic-units/relay/deadletter"

// Option configures a Queue after config-driven initialization.
type Option func(*Queue)

// WithStore replaces the in-memory entry store.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithQuarantineStore replaces the in-memory quarantine index.
func WithQuarantineStore(s Store) Option {
	return func(q *Queue) { q.quarantine = s }
}

// WithObserver sets the notification sink for dead-letter events.
func WithObserver(o observability.Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithPatterns replaces the default poison pill rules.
func WithPatterns(patterns ...PoisonPillPattern) Option {
	return func(q *Queue) { q.patterns = patterns }
}

// Queue is the dead-letter intake and its admin operations.
type Queue struct {
	cfg        Config
	store      Store
	quarantine Store
	patterns   []PoisonPillPattern
	observer   observability.Observer
	logger     *slog.Logger
	now        func() time.Time

	// mu serializes every mutation across both stores.
	mu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Queue backed by in-memory stores unless overridden.
func New(cfg Config, opts ...Option) *Queue {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	q := &Queue{
		cfg:        merged,
		store:      NewMemoryStore(),
		quarantine: NewMemoryStore(),
		patterns:   DefaultPatterns(),
		observer:   observability.NoOpObserver{},
		logger:     slog.Default(),
		now:        time.Now,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// HandleFailedJob records one terminal job failure. It is invoked once per
// job after the queue runtime exhausted its retries.
func (q *Queue) HandleFailedJob(ctx context.Context, job Job, jobErr error) (Entry, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "deadletter.handle_failed_job")
	defer span.End()

	reason := "unknown error"
	if jobErr != nil {
		reason = jobErr.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id := Signature(job, q.cfg.SignaturePrefix)
	span.SetAttributes(
		attribute.String("deadletter.signature", id),
		attribute.String("job.name", job.Name),
		attribute.String("job.id", job.ID),
	)

	entry, found, err := q.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load entry")
		return Entry{}, fmt.Errorf("load entry %s: %w", id, err)
	}

	if !found {
		entry = Entry{
			ID:            id,
			OriginalJobID: job.ID,
			FirstFailure:  now,
		}
	}

	entry.JobData = job
	entry.FailureCount++
	entry.LastFailure = now
	entry.FailureReason = reason

	attempt := job.AttemptsMade
	if attempt <= 0 {
		attempt = entry.FailureCount
	}
	entry.ErrorHistory = append(entry.ErrorHistory, ErrorRecord{
		Timestamp: now,
		Error:     reason,
		Attempt:   attempt,
	})
	if over := len(entry.ErrorHistory) - q.cfg.HistoryLimit; over > 0 {
		entry.ErrorHistory = append([]ErrorRecord(nil), entry.ErrorHistory[over:]...)
	}

	entry.Classification = classifyMessage(reason)
	if q.isPoisonPill(entry, now) {
		entry.IsPoisonPill = true
		entry.Classification = ClassPoison
	}

	newlyQuarantined := entry.IsPoisonPill && !entry.Quarantined
	if newlyQuarantined {
		entry.Quarantined = true
	}

	if err := q.store.Set(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save entry")
		return Entry{}, fmt.Errorf("save entry %s: %w", id, err)
	}
	if entry.Quarantined {
		if err := q.quarantine.Set(ctx, entry); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "quarantine entry")
			return Entry{}, fmt.Errorf("quarantine entry %s: %w", id, err)
		}
	}

	span.SetAttributes(
		attribute.Int("deadletter.failure_count", entry.FailureCount),
		attribute.String("deadletter.classification", string(entry.Classification)),
		attribute.Bool("deadletter.quarantined", entry.Quarantined),
	)

	q.emit(ctx, EventRecorded, observability.LevelWarning, job.Scope, map[string]any{
		"id":             entry.ID,
		"job_id":         job.ID,
		"job_name":       job.Name,
		"failure_count":  entry.FailureCount,
		"classification": string(entry.Classification),
		"error":          reason,
	})

	if newlyQuarantined {
		q.logger.WarnContext(
			ctx,
			"poison pill quarantined",
			slog.String("id", entry.ID),
			slog.String("job_name", job.Name),
			slog.Int("failure_count", entry.FailureCount),
			slog.String("error", reason),
		)
		q.emit(ctx, EventPoisonPill, observability.LevelError, job.Scope, map[string]any{
			"id":            entry.ID,
			"job_id":        job.ID,
			"job_name":      job.Name,
			"failure_count": entry.FailureCount,
			"error":         reason,
		})
	}

	size, err := q.store.Len(ctx)
	if err != nil {
		return entry, fmt.Errorf("count entries: %w", err)
	}
	if size > q.cfg.MaxSize {
		if _, err := q.prune(ctx); err != nil {
			return entry, err
		}
	}

	return entry, nil
}

// IsPoisonPill reports whether any poison pill rule matches entry.
func (q *Queue) IsPoisonPill(entry Entry) bool {
	return q.isPoisonPill(entry, q.now())
}

func (q *Queue) isPoisonPill(entry Entry, now time.Time) bool {
	for _, p := range q.patterns {
		if p.matches(entry, now) {
			return true
		}
	}
	return false
}

// Stats summarizes the population. RecentFailures counts entries that failed
// within the last hour; TopReasons holds at most ten reasons by frequency.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list entries: %w", err)
	}
	quarantined, err := q.quarantine.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count quarantine: %w", err)
	}

	stats := Stats{
		Total:            len(entries),
		ByClassification: make(map[Classification]int),
		Quarantined:      quarantined,
	}

	recent := q.now().Add(-time.Hour)
	reasons := make(map[string]int)
	for _, e := range entries {
		stats.ByClassification[e.Classification]++
		if e.IsPoisonPill {
			stats.PoisonPills++
		}
		if e.LastFailure.After(recent) {
			stats.RecentFailures++
		}
		reasons[e.FailureReason]++
	}

	for reason, count := range reasons {
		stats.TopReasons = append(stats.TopReasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(stats.TopReasons, func(i, j int) bool {
		a, b := stats.TopReasons[i], stats.TopReasons[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Reason < b.Reason
	})
	if len(stats.TopReasons) > 10 {
		stats.TopReasons = stats.TopReasons[:10]
	}

	return stats, nil
}

// QuarantinedJobs returns the quarantine index oldest first.
func (q *Queue) QuarantinedJobs(ctx context.Context) ([]Entry, error) {
	entries, err := q.quarantine.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FirstFailure.Before(entries[j].FirstFailure)
	})
	return entries, nil
}

// RetryCandidates returns non-quarantined entries whose classification
// suggests a manual retry could succeed.
func (q *Queue) RetryCandidates(ctx context.Context) ([]Entry, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	var out []Entry
	for _, e := range entries {
		if e.Quarantined {
			continue
		}
		if e.Classification == ClassRetryable || e.Classification == ClassUnknown {
			out = append(out, e)
		}
	}
	return out, nil
}

// Release removes id from quarantine, clears its poison flags and returns it
// to the normal population for manual reprocessing.
func (q *Queue) Release(ctx context.Context, id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, found, err := q.quarantine.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("load quarantined %s: %w", id, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotQuarantined, id)
	}

	current, ok, err := q.store.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("load entry %s: %w", id, err)
	}
	if ok {
		entry = current
	}

	entry.Quarantined = false
	entry.IsPoisonPill = false
	entry.Classification = classifyMessage(entry.FailureReason)

	if err := q.store.Set(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("save released %s: %w", id, err)
	}
	if err := q.quarantine.Delete(ctx, id); err != nil {
		return Entry{}, fmt.Errorf("unquarantine %s: %w", id, err)
	}

	q.logger.InfoContext(ctx, "entry released from quarantine", slog.String("id", id))
	q.emit(ctx, EventReleased, observability.LevelInfo, entry.JobData.Scope, map[string]any{
		"id":       id,
		"job_name": entry.JobData.Name,
	})

	return entry, nil
}

// Get returns the entry stored under id.
func (q *Queue) Get(ctx context.Context, id string) (Entry, error) {
	entry, found, err := q.store.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("load entry %s: %w", id, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// Clear empties both the entry store and the quarantine index.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	if err := q.quarantine.Clear(ctx); err != nil {
		return fmt.Errorf("clear quarantine: %w", err)
	}

	q.logger.InfoContext(ctx, "dead-letter queue cleared")
	return nil
}

// Prune removes non-quarantined entries idle longer than MaxRetention, then
// evicts the oldest non-quarantined entries until the population fits
// MaxSize. Quarantined entries are never pruned. It returns the number of
// entries removed.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prune(ctx)
}

func (q *Queue) prune(ctx context.Context) (int, error) {
	entries, err := q.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}

	cutoff := q.now().Add(-q.cfg.MaxRetention)
	removed := 0
	var candidates []Entry

	for _, e := range entries {
		if e.Quarantined {
			continue
		}
		if e.LastFailure.Before(cutoff) {
			if err := q.store.Delete(ctx, e.ID); err != nil {
				return removed, fmt.Errorf("delete expired %s: %w", e.ID, err)
			}
			removed++
			continue
		}
		candidates = append(candidates, e)
	}

	over := len(entries) - removed - q.cfg.MaxSize
	if over > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LastFailure.Before(candidates[j].LastFailure)
		})
		for i := 0; i < over && i < len(candidates); i++ {
			if err := q.store.Delete(ctx, candidates[i].ID); err != nil {
				return removed, fmt.Errorf("evict %s: %w", candidates[i].ID, err)
			}
			removed++
		}
	}

	if removed > 0 {
		q.logger.InfoContext(ctx, "dead-letter entries pruned", slog.Int("removed", removed))
		q.emit(ctx, EventPruned, observability.LevelInfo, "", map[string]any{
			"removed": removed,
		})
	}

	return removed, nil
}

// Start launches hourly pruning. Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		go q.pruneLoop(loopCtx)
	})
}

// Shutdown stops background pruning and waits for it to exit.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() {
		q.startOnce.Do(func() { close(q.done) })
		if q.cancel != nil {
			q.cancel()
		}
		<-q.done
	})
}

func (q *Queue) pruneLoop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Prune(ctx); err != nil {
				q.logger.ErrorContext(ctx, "scheduled prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (q *Queue) emit(ctx context.Context, t observability.EventType, level observability.Level, scope string, data map[string]any) {
	q.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: q.now(),
		Source:    "deadletter.Queue",
		Scope:     scope,
		Data:      data,
	})
}
