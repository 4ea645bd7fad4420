package history_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"batchscale/internal/history"
	"batchscale/internal/testsupport"
)

func TestBeginFinishRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.Begin(ctx, history.Run{
		ID:        "run-1",
		Source:    "/photos",
		OutputDir: "/photos-out",
		Model:     "x4plus",
		Format:    "png",
		StartedAt: started,
	}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	run, err := store.Get(ctx, "run-1")
	if err != nil || run == nil {
		t.Fatalf("Get: %v %v", run, err)
	}
	if run.Status != history.StatusRunning || !run.StartedAt.Equal(started) {
		t.Fatalf("unexpected running row: %+v", run)
	}
	if !run.FinishedAt.IsZero() {
		t.Fatalf("finished_at should be empty, got %v", run.FinishedAt)
	}

	err = store.Finish(ctx, "run-1", history.Outcome{
		Status:    history.StatusCompleted,
		Target:    10,
		Processed: 8,
		Elapsed:   90 * time.Second,
		Failures: []history.Failure{
			{Path: "/w/out/a.jpg.png", Kind: "rename", Message: "locked"},
			{Path: "/w/out/b.jpg.png", Kind: "conversion", Message: "corrupt"},
		},
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	run, _ = store.Get(ctx, "run-1")
	if run.Status != history.StatusCompleted || run.Target != 10 || run.Processed != 8 {
		t.Fatalf("unexpected finished row: %+v", run)
	}
	if run.Elapsed != 90*time.Second || run.FinishedAt.IsZero() {
		t.Fatalf("unexpected timing: %+v", run)
	}

	failures, err := store.Failures(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(failures) != 2 || failures[0].Kind != "rename" || failures[1].Message != "corrupt" {
		t.Fatalf("failures = %+v", failures)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := testsupport.MustOpenHistory(t, testsupport.NewConfig(t))
	run, err := store.Get(context.Background(), "nope")
	if err != nil || run != nil {
		t.Fatalf("expected nil, nil; got %v, %v", run, err)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	store := testsupport.MustOpenHistory(t, testsupport.NewConfig(t))
	if err := store.Finish(context.Background(), "ghost", history.Outcome{}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListNewestFirstWithLimit(t *testing.T) {
	store := testsupport.MustOpenHistory(t, testsupport.NewConfig(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Begin(ctx, history.Run{ID: id, Source: "/s", OutputDir: "/o", StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("Begin %s: %v", id, err)
		}
	}

	runs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("runs = %+v", runs)
	}
	all, _ := store.List(ctx, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
}

func TestBeginRequiresID(t *testing.T) {
	store := testsupport.MustOpenHistory(t, testsupport.NewConfig(t))
	if err := store.Begin(context.Background(), history.Run{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestReopenKeepsData(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := history.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Begin(context.Background(), history.Run{ID: "keep", Source: "/s", OutputDir: "/o"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	store.Close()

	reopened := testsupport.MustOpenHistory(t, cfg)
	if run, _ := reopened.Get(context.Background(), "keep"); run == nil {
		t.Fatal("run lost after reopen")
	}
}

func TestSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	db.Close()

	if _, err := history.OpenPath(path); !errors.Is(err, history.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
