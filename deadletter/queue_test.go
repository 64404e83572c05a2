package deadletter_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tailored-agentic-units/relay/deadletter"
	"github.com/tailored-agentic-units/relay/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureObserver struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureObserver) OnEvent(ctx context.Context, event observability.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureObserver) count(t observability.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func banJob(id string) deadletter.Job {
	return deadletter.Job{
		ID:      id,
		Name:    "BAN_USER",
		Queue:   "discord-commands",
		Scope:   "guild-1",
		Payload: map[string]any{"userId": "42", "reason": "spam"},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want deadletter.Classification
	}{
		{"Validation failed: content too long", deadletter.ClassNonRetryable},
		{"malformed payload", deadletter.ClassNonRetryable},
		{"error parsing snowflake", deadletter.ClassNonRetryable},
		{"You are being rate limited", deadletter.ClassRetryable},
		{"request timeout after 5s", deadletter.ClassRetryable},
		{"connection reset by peer", deadletter.ClassRetryable},
		{"Missing Permissions", deadletter.ClassNonRetryable},
		{"403 Forbidden", deadletter.ClassNonRetryable},
		{"401: Unauthorized", deadletter.ClassNonRetryable},
		{"Unknown Member", deadletter.ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := deadletter.Classify(errors.New(tt.msg)); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}

	if got := deadletter.Classify(nil); got != deadletter.ClassUnknown {
		t.Errorf("Classify(nil) = %s, want unknown", got)
	}
}

func TestSignature_GroupsByOperationScopeAndPayloadPrefix(t *testing.T) {
	a := banJob("1")
	b := banJob("2")
	if deadletter.Signature(a, 100) != deadletter.Signature(b, 100) {
		t.Error("jobs differing only by id produced different signatures")
	}

	c := banJob("3")
	c.Scope = "guild-2"
	if deadletter.Signature(a, 100) == deadletter.Signature(c, 100) {
		t.Error("jobs with different scopes share a signature")
	}

	long := strings.Repeat("x", 200)
	d := banJob("4")
	d.Payload = map[string]any{"text": long + "a"}
	e := banJob("5")
	e.Payload = map[string]any{"text": long + "b"}
	if deadletter.Signature(d, 100) != deadletter.Signature(e, 100) {
		t.Error("payloads differing past the prefix produced different signatures")
	}

	if !strings.HasPrefix(deadletter.Signature(a, 100), "BAN_USER:") {
		t.Errorf("Signature() = %q, want BAN_USER: prefix", deadletter.Signature(a, 100))
	}
}

func TestQueue_GroupsRepeatedFailures(t *testing.T) {
	clock := newFakeClock()
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now))
	ctx := context.Background()

	first, err := q.HandleFailedJob(ctx, banJob("1"), errors.New("connection reset"))
	if err != nil {
		t.Fatalf("HandleFailedJob() error = %v", err)
	}
	clock.Advance(time.Minute)
	second, err := q.HandleFailedJob(ctx, banJob("2"), errors.New("request timeout"))
	if err != nil {
		t.Fatalf("HandleFailedJob() error = %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("entry ids differ: %s vs %s", first.ID, second.ID)
	}
	if second.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", second.FailureCount)
	}
	if second.OriginalJobID != "1" {
		t.Errorf("OriginalJobID = %q, want 1", second.OriginalJobID)
	}
	if second.FailureReason != "request timeout" {
		t.Errorf("FailureReason = %q", second.FailureReason)
	}
	if !second.LastFailure.After(second.FirstFailure) {
		t.Error("LastFailure not after FirstFailure")
	}
	if second.Classification != deadletter.ClassRetryable {
		t.Errorf("Classification = %s, want retryable", second.Classification)
	}
}

func TestQueue_ErrorHistoryBounded(t *testing.T) {
	clock := newFakeClock()
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now), deadletter.WithPatterns())
	ctx := context.Background()

	var entry deadletter.Entry
	for i := range 25 {
		var err error
		entry, err = q.HandleFailedJob(ctx, banJob(fmt.Sprint(i)), fmt.Errorf("failure %d", i))
		if err != nil {
			t.Fatalf("HandleFailedJob() error = %v", err)
		}
		if len(entry.ErrorHistory) > 10 {
			t.Fatalf("history length %d after %d failures", len(entry.ErrorHistory), i+1)
		}
		clock.Advance(time.Second)
	}

	if len(entry.ErrorHistory) != 10 {
		t.Fatalf("history length = %d, want 10", len(entry.ErrorHistory))
	}
	if entry.ErrorHistory[0].Error != "failure 15" {
		t.Errorf("oldest retained = %q, want failure 15", entry.ErrorHistory[0].Error)
	}
	if entry.ErrorHistory[9].Error != "failure 24" {
		t.Errorf("newest retained = %q, want failure 24", entry.ErrorHistory[9].Error)
	}
}

func TestQueue_ValidationErrorQuarantinedAfterTwoFailures(t *testing.T) {
	clock := newFakeClock()
	obs := &captureObserver{}
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now), deadletter.WithObserver(obs))
	ctx := context.Background()

	entry, _ := q.HandleFailedJob(ctx, banJob("1"), errors.New("validation error: reason too long"))
	if entry.IsPoisonPill || entry.Quarantined {
		t.Fatalf("single failure marked poison: %+v", entry)
	}

	clock.Advance(2 * time.Minute)
	entry, err := q.HandleFailedJob(ctx, banJob("2"), errors.New("validation error: reason too long"))
	if err != nil {
		t.Fatalf("HandleFailedJob() error = %v", err)
	}

	if !entry.IsPoisonPill || !entry.Quarantined {
		t.Fatalf("entry not quarantined after two validation failures: %+v", entry)
	}
	if entry.Classification != deadletter.ClassPoison {
		t.Errorf("Classification = %s, want poison", entry.Classification)
	}

	quarantined, err := q.QuarantinedJobs(ctx)
	if err != nil {
		t.Fatalf("QuarantinedJobs() error = %v", err)
	}
	if len(quarantined) != 1 || quarantined[0].ID != entry.ID {
		t.Fatalf("QuarantinedJobs() = %+v, want entry %s", quarantined, entry.ID)
	}

	if got := obs.count(deadletter.EventPoisonPill); got != 1 {
		t.Errorf("poison pill alerts = %d, want 1", got)
	}

	q.HandleFailedJob(ctx, banJob("3"), errors.New("validation error: reason too long"))
	if got := obs.count(deadletter.EventPoisonPill); got != 1 {
		t.Errorf("poison pill alerts after repeat = %d, want 1", got)
	}
}

func TestQueue_ValidationFailuresOutsideWindowNotPoison(t *testing.T) {
	clock := newFakeClock()
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now))
	ctx := context.Background()

	q.HandleFailedJob(ctx, banJob("1"), errors.New("malformed embed"))
	clock.Advance(6 * time.Minute)
	entry, _ := q.HandleFailedJob(ctx, banJob("2"), errors.New("malformed embed"))

	if entry.IsPoisonPill {
		t.Error("failures 6 minutes apart marked poison, want not poison")
	}
}

func TestQueue_JobTypePattern(t *testing.T) {
	clock := newFakeClock()
	q := deadletter.New(
		deadletter.DefaultConfig(),
		deadletter.WithClock(clock.Now),
		deadletter.WithPatterns(deadletter.PoisonPillPattern{
			Name:           "kick-only",
			ErrorPattern:   regexp.MustCompile(`.*`),
			JobTypePattern: regexp.MustCompile(`^KICK_`),
			Threshold:      1,
			TimeWindow:     time.Minute,
		}),
	)
	ctx := context.Background()

	ban, _ := q.HandleFailedJob(ctx, banJob("1"), errors.New("boom"))
	if ban.IsPoisonPill {
		t.Error("BAN_USER matched a KICK_ rule")
	}

	kick := banJob("2")
	kick.Name = "KICK_USER"
	entry, _ := q.HandleFailedJob(ctx, kick, errors.New("boom"))
	if !entry.IsPoisonPill {
		t.Error("KICK_USER did not match its rule")
	}
}

func TestQueue_ReleaseFromQuarantine(t *testing.T) {
	clock := newFakeClock()
	obs := &captureObserver{}
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now), deadletter.WithObserver(obs))
	ctx := context.Background()

	q.HandleFailedJob(ctx, banJob("1"), errors.New("parse failure"))
	entry, _ := q.HandleFailedJob(ctx, banJob("2"), errors.New("parse failure"))
	if !entry.Quarantined {
		t.Fatal("precondition: entry should be quarantined")
	}

	released, err := q.Release(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released.Quarantined || released.IsPoisonPill {
		t.Errorf("released entry flags = quarantined:%v poison:%v, want both false", released.Quarantined, released.IsPoisonPill)
	}

	stored, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Quarantined || stored.IsPoisonPill {
		t.Error("stored entry still flagged after release")
	}

	quarantined, _ := q.QuarantinedJobs(ctx)
	if len(quarantined) != 0 {
		t.Errorf("QuarantinedJobs() len = %d, want 0", len(quarantined))
	}
	if got := obs.count(deadletter.EventReleased); got != 1 {
		t.Errorf("released events = %d, want 1", got)
	}

	if _, err := q.Release(ctx, entry.ID); !errors.Is(err, deadletter.ErrNotQuarantined) {
		t.Errorf("second Release() error = %v, want ErrNotQuarantined", err)
	}
}

type unreadableStore struct {
	*deadletter.MemoryStore
	failGet atomic.Bool
}

func (s *unreadableStore) Get(ctx context.Context, id string) (deadletter.Entry, bool, error) {
	if s.failGet.Load() {
		return deadletter.Entry{}, false, errors.New("database is locked")
	}
	return s.MemoryStore.Get(ctx, id)
}

func TestQueue_ReleaseReportsStoreReadFailure(t *testing.T) {
	store := &unreadableStore{MemoryStore: deadletter.NewMemoryStore()}
	obs := &captureObserver{}
	q := deadletter.New(deadletter.DefaultConfig(),
		deadletter.WithStore(store),
		deadletter.WithClock(newFakeClock().Now),
		deadletter.WithObserver(obs),
	)
	ctx := context.Background()

	q.HandleFailedJob(ctx, banJob("1"), errors.New("parse failure"))
	entry, _ := q.HandleFailedJob(ctx, banJob("2"), errors.New("parse failure"))
	if !entry.Quarantined {
		t.Fatal("precondition: entry should be quarantined")
	}

	store.failGet.Store(true)
	if _, err := q.Release(ctx, entry.ID); err == nil {
		t.Fatal("Release() error = nil with unreadable store, want error")
	}

	quarantined, err := q.QuarantinedJobs(ctx)
	if err != nil {
		t.Fatalf("QuarantinedJobs() error = %v", err)
	}
	if len(quarantined) != 1 {
		t.Errorf("QuarantinedJobs() len = %d, want 1", len(quarantined))
	}
	if got := obs.count(deadletter.EventReleased); got != 0 {
		t.Errorf("released events = %d, want 0", got)
	}
}

func TestQueue_SizeEnforcementKeepsQuarantined(t *testing.T) {
	clock := newFakeClock()
	cfg := deadletter.DefaultConfig()
	cfg.MaxSize = 5
	q := deadletter.New(cfg, deadletter.WithClock(clock.Now))
	ctx := context.Background()

	poison := banJob("p1")
	poison.Payload = map[string]any{"poison": true}
	q.HandleFailedJob(ctx, poison, errors.New("validation failed"))
	poisonEntry, _ := q.HandleFailedJob(ctx, poison, errors.New("validation failed"))
	if !poisonEntry.Quarantined {
		t.Fatal("precondition: poison entry should be quarantined")
	}

	for i := range 4 {
		clock.Advance(time.Second)
		job := banJob(fmt.Sprint(i))
		job.Payload = map[string]any{"n": i}
		q.HandleFailedJob(ctx, job, errors.New("connection refused"))
	}

	stats, _ := q.Stats(ctx)
	if stats.Total != 5 {
		t.Fatalf("precondition: total = %d, want 5", stats.Total)
	}

	clock.Advance(time.Second)
	extra := banJob("extra")
	extra.Payload = map[string]any{"n": "extra"}
	if _, err := q.HandleFailedJob(ctx, extra, errors.New("connection refused")); err != nil {
		t.Fatalf("HandleFailedJob() error = %v", err)
	}

	stats, _ = q.Stats(ctx)
	if stats.Total > 5 {
		t.Errorf("total after intake = %d, want <= 5", stats.Total)
	}
	if _, err := q.Get(ctx, poisonEntry.ID); err != nil {
		t.Errorf("quarantined entry pruned: %v", err)
	}
	first := banJob("0")
	first.Payload = map[string]any{"n": 0}
	if _, err := q.Get(ctx, deadletter.Signature(first, 100)); !errors.Is(err, deadletter.ErrNotFound) {
		t.Errorf("oldest non-quarantined entry survived eviction: %v", err)
	}
}

func TestQueue_PruneExpired(t *testing.T) {
	clock := newFakeClock()
	obs := &captureObserver{}
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now), deadletter.WithObserver(obs))
	ctx := context.Background()

	q.HandleFailedJob(ctx, banJob("1"), errors.New("connection refused"))
	stale := banJob("2")
	stale.Name = "KICK_USER"
	q.HandleFailedJob(ctx, stale, errors.New("unknown error"))

	clock.Advance(8 * 24 * time.Hour)
	fresh := banJob("3")
	fresh.Name = "WARN_USER"
	q.HandleFailedJob(ctx, fresh, errors.New("connection refused"))

	removed, err := q.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Prune() removed %d, want 2", removed)
	}

	stats, _ := q.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("total after prune = %d, want 1", stats.Total)
	}
	if got := obs.count(deadletter.EventPruned); got != 1 {
		t.Errorf("pruned events = %d, want 1", got)
	}
}

func TestQueue_Stats(t *testing.T) {
	clock := newFakeClock()
	q := deadletter.New(deadletter.DefaultConfig(), deadletter.WithClock(clock.Now))
	ctx := context.Background()

	names := []string{"BAN_USER", "KICK_USER", "WARN_USER"}
	for i, name := range names {
		job := banJob(fmt.Sprint(i))
		job.Name = name
		q.HandleFailedJob(ctx, job, errors.New("connection refused"))
	}

	old := banJob("old")
	old.Name = "SEND_MESSAGE"
	q.HandleFailedJob(ctx, old, errors.New("Unknown Channel"))
	clock.Advance(2 * time.Hour)

	invalid := banJob("invalid")
	invalid.Name = "EDIT_MESSAGE"
	q.HandleFailedJob(ctx, invalid, errors.New("validation failed"))
	q.HandleFailedJob(ctx, invalid, errors.New("validation failed"))

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.Total != 5 {
		t.Errorf("Total = %d, want 5", stats.Total)
	}
	if stats.ByClassification[deadletter.ClassRetryable] != 3 {
		t.Errorf("retryable = %d, want 3", stats.ByClassification[deadletter.ClassRetryable])
	}
	if stats.ByClassification[deadletter.ClassUnknown] != 1 {
		t.Errorf("unknown = %d, want 1", stats.ByClassification[deadletter.ClassUnknown])
	}
	if stats.Quarantined != 1 || stats.PoisonPills != 1 {
		t.Errorf("quarantined = %d poison = %d, want 1 and 1", stats.Quarantined, stats.PoisonPills)
	}
	if stats.RecentFailures != 1 {
		t.Errorf("RecentFailures = %d, want 1", stats.RecentFailures)
	}
	if len(stats.TopReasons) == 0 || stats.TopReasons[0].Reason != "connection refused" || stats.TopReasons[0].Count != 3 {
		t.Errorf("TopReasons = %+v, want connection refused x3 first", stats.TopReasons)
	}

	candidates, _ := q.RetryCandidates(ctx)
	if len(candidates) != 4 {
		t.Errorf("RetryCandidates() len = %d, want 4", len(candidates))
	}
}

func TestQueue_Clear(t *testing.T) {
	q := deadletter.New(deadletter.DefaultConfig())
	ctx := context.Background()

	q.HandleFailedJob(ctx, banJob("1"), errors.New("malformed"))
	q.HandleFailedJob(ctx, banJob("2"), errors.New("malformed"))

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Total != 0 || stats.Quarantined != 0 {
		t.Errorf("Stats() after Clear = %+v, want empty", stats)
	}
}

func TestQueue_StartShutdown(t *testing.T) {
	cfg := deadletter.DefaultConfig()
	cfg.PruneInterval = 5 * time.Millisecond
	cfg.MaxRetention = time.Nanosecond
	q := deadletter.New(cfg)
	ctx := context.Background()

	q.HandleFailedJob(ctx, banJob("1"), errors.New("connection refused"))
	q.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, _ := q.Stats(ctx)
		if stats.Total == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Shutdown()
	q.Shutdown()

	stats, _ := q.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("background prune left %d entries", stats.Total)
	}
}
