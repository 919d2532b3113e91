package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{ID: id, StateFile: "/srv/archstate/top.yaml", StartedAt: startedAt}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	createTestRun(t, store, "run-file", time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// Reopening runs migrations again without error and keeps the data.
	store, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()

	if _, err := store.GetRun(ctx, "run-file"); err != nil {
		t.Errorf("expected run to survive reopen: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "state_results", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected second migrate to be a no-op, got %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "run-001", StateFile: "top.yaml", Test: true, StartedAt: time.Now()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.StateFile != "top.yaml" || !retrieved.Test {
		t.Errorf("expected top.yaml test run, got %+v", retrieved)
	}
	if retrieved.Status != RunStatusRunning {
		t.Errorf("expected Status %s, got %s", RunStatusRunning, retrieved.Status)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset")
	}
	if !retrieved.StartedAt.Equal(run.StartedAt) {
		t.Errorf("expected StartedAt %v, got %v", run.StartedAt, retrieved.StartedAt)
	}

	if err := store.CompleteRun(ctx, run.ID, RunStatusRunning, nil, nil); err == nil {
		t.Error("expected error completing with a non-final status")
	}

	summary := &RunSummary{Succeeded: 2, Failed: 1, Changed: 1, DurationMs: 1500}
	errMsg := "boom"
	if err := store.CompleteRun(ctx, run.ID, RunStatusFailed, summary, &errMsg); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	got, err := updated.ParseSummary()
	if err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	if got != *summary {
		t.Errorf("expected summary %+v, got %+v", *summary, got)
	}

	if err := store.CompleteRun(ctx, "missing", RunStatusSucceeded, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.CreateRun(ctx, run); err == nil {
		t.Error("expected duplicate run ID to fail")
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		createTestRun(t, store, id, base.Add(time.Duration(i)*time.Minute))
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	want := []string{"run-c", "run-b", "run-a"}
	if len(runs) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(runs))
	}
	for i, id := range want {
		if runs[i].ID != id {
			t.Errorf("expected run %d to be %s, got %s", i, id, runs[i].ID)
		}
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Errorf("expected second page to be run-b, got %+v", page)
	}
}

func TestStateResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-001", time.Now())

	results := []*StateResult{
		{RunID: "run-001", StateID: "yay", Function: "aur.installed", Name: "yay", Result: "true", Comment: "already installed yay"},
		{RunID: "run-001", StateID: "obsidian", Function: "appimage.installed", Name: "obsidian", Result: "false",
			Changes: `{"old":"","new":"x"}`, Comment: "Checksum mismatch", DurationMs: 42},
		{RunID: "run-001", StateID: "after", Function: "aur.installed", Name: "after", Result: "false", Skipped: true},
	}
	for _, r := range results {
		if err := store.SaveStateResult(ctx, r); err != nil {
			t.Fatalf("failed to save state result: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	listed, err := store.ListStateResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list state results: %v", err)
	}
	if len(listed) != len(results) {
		t.Fatalf("expected %d results, got %d", len(results), len(listed))
	}
	for i, r := range listed {
		if r.StateID != results[i].StateID || r.Result != results[i].Result || r.Skipped != results[i].Skipped {
			t.Errorf("expected result %d %+v, got %+v", i, results[i], r)
		}
	}
	if listed[0].Changes != "{}" {
		t.Errorf("expected default changes {}, got %s", listed[0].Changes)
	}
	if listed[1].DurationMs != 42 {
		t.Errorf("expected duration 42, got %d", listed[1].DurationMs)
	}

	bad := &StateResult{RunID: "run-001", StateID: "x", Function: "f", Result: "maybe"}
	if err := store.SaveStateResult(ctx, bad); err == nil {
		t.Error("expected invalid result value to fail")
	}
	orphan := &StateResult{RunID: "missing", StateID: "x", Function: "f", Result: "true"}
	if err := store.SaveStateResult(ctx, orphan); err == nil {
		t.Error("expected result for unknown run to fail")
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-001", time.Now())

	events := []*Event{
		{RunID: &run.ID, Level: EventLevelInfo, Message: "started"},
		{RunID: &run.ID, Level: EventLevelError, Message: "obsidian failed"},
		{Level: EventLevelWarning, Message: "cache dir not writable"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	all, err := store.ListEvents(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}
	if all[2].RunID != nil {
		t.Errorf("expected run-less event, got run %s", *all[2].RunID)
	}

	byRun, err := store.ListEvents(ctx, &run.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(byRun) != 2 {
		t.Errorf("expected 2 run events, got %d", len(byRun))
	}

	level := EventLevelError
	errorsOnly, err := store.ListEvents(ctx, &run.ID, &level, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Message != "obsidian failed" {
		t.Errorf("expected the error event, got %+v", errorsOnly)
	}
}

func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-cascade", time.Now())

	if err := store.SaveStateResult(ctx, &StateResult{RunID: run.ID, StateID: "s", Function: "f", Result: "true"}); err != nil {
		t.Fatalf("failed to save state result: %v", err)
	}
	if err := store.AppendEvent(ctx, &Event{RunID: &run.ID, Level: EventLevelInfo, Message: "x"}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	results, err := store.ListStateResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list state results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results after cascade delete, got %d", len(results))
	}

	events, err := store.ListEvents(ctx, &run.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events after cascade delete, got %d", len(events))
	}
}
