package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tailored-agentic-units/relay/deadletter"
	"github.com/tailored-agentic-units/relay/deadletter/sqlite"
)

func openTestDB(t *testing.T) (*sqlite.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deadletter.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestStore_RoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	store := db.Store(sqlite.BucketEntries)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	entry := deadletter.Entry{
		ID:            "BAN_USER:abc",
		OriginalJobID: "job-1",
		JobData:       deadletter.Job{ID: "job-1", Name: "BAN_USER", Scope: "guild-1"},
		FailureReason: "connection refused",
		FailureCount:  2,
		FirstFailure:  now,
		LastFailure:   now.Add(time.Minute),
		ErrorHistory: []deadletter.ErrorRecord{
			{Timestamp: now, Error: "connection refused", Attempt: 1},
		},
		Classification: deadletter.ClassRetryable,
	}

	if err := store.Set(ctx, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := store.Get(ctx, entry.ID)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.FailureCount != 2 || got.JobData.Scope != "guild-1" || len(got.ErrorHistory) != 1 {
		t.Errorf("Get() = %+v", got)
	}
	if !got.LastFailure.Equal(entry.LastFailure) {
		t.Errorf("LastFailure = %v, want %v", got.LastFailure, entry.LastFailure)
	}

	entry.FailureCount = 3
	if err := store.Set(ctx, entry); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}

	if err := store.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, entry.ID); ok {
		t.Error("entry still present after Delete()")
	}
}

func TestStore_BucketsAreIsolated(t *testing.T) {
	db, _ := openTestDB(t)
	entries := db.Store(sqlite.BucketEntries)
	quarantine := db.Store(sqlite.BucketQuarantine)
	ctx := context.Background()

	entries.Set(ctx, deadletter.Entry{ID: "a"})
	entries.Set(ctx, deadletter.Entry{ID: "b"})
	quarantine.Set(ctx, deadletter.Entry{ID: "b", Quarantined: true})

	list, err := entries.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("List() = %+v, want a, b", list)
	}

	if err := entries.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := quarantine.Len(ctx); n != 1 {
		t.Errorf("quarantine Len() after clearing entries = %d, want 1", n)
	}
}

func TestStore_QuarantineSurvivesReopen(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()
	q := deadletter.New(
		deadletter.DefaultConfig(),
		deadletter.WithStore(db.Store(sqlite.BucketEntries)),
		deadletter.WithQuarantineStore(db.Store(sqlite.BucketQuarantine)),
	)

	job := deadletter.Job{ID: "1", Name: "SEND_MESSAGE", Scope: "guild-9", Payload: map[string]any{"content": "hi"}}
	q.HandleFailedJob(ctx, job, errors.New("malformed embed"))
	entry, err := q.HandleFailedJob(ctx, job, errors.New("malformed embed"))
	if err != nil {
		t.Fatalf("HandleFailedJob() error = %v", err)
	}
	if !entry.Quarantined {
		t.Fatal("precondition: entry should be quarantined")
	}
	db.Close()

	reopened, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	q = deadletter.New(
		deadletter.DefaultConfig(),
		deadletter.WithStore(reopened.Store(sqlite.BucketEntries)),
		deadletter.WithQuarantineStore(reopened.Store(sqlite.BucketQuarantine)),
	)
	quarantined, err := q.QuarantinedJobs(ctx)
	if err != nil {
		t.Fatalf("QuarantinedJobs() error = %v", err)
	}
	if len(quarantined) != 1 || quarantined[0].ID != entry.ID {
		t.Errorf("QuarantinedJobs() after reopen = %+v", quarantined)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := sqlite.Open("  "); err == nil {
		t.Error("Open() with blank path succeeded")
	}
}
