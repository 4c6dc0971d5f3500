package journal

import (
	"context"
	"testing"
	"time"
)

func TestAppendAndTail(t *testing.T) {
	ctx := context.Background()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	w := Writer{DB: db, Now: func() time.Time { return ts }}

	if err := w.Append(ctx, "issue.started", 1, "pending", "in_progress", "agent-1", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ts = ts.Add(time.Minute)
	if err := w.Append(ctx, "issue.completed", 1, "in_progress", "complete", "agent-1", Payload{"pr_url": "https://example.com/pr/1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := Tail(ctx, db, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// newest first
	if entries[0].Type != "issue.completed" || entries[1].Type != "issue.started" {
		t.Fatalf("order = %q, %q", entries[0].Type, entries[1].Type)
	}
	e := entries[0]
	if e.IssueID != 1 || e.From != "in_progress" || e.To != "complete" || e.ActorID != "agent-1" {
		t.Fatalf("entry = %+v", e)
	}
	if e.ID == "" || e.TS == "" {
		t.Fatalf("missing id or ts: %+v", e)
	}
	if e.Payload == "" {
		t.Fatal("payload not recorded")
	}
}

func TestTailLimit(t *testing.T) {
	ctx := context.Background()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	w := Writer{DB: db}
	for i := 0; i < 5; i++ {
		if err := w.Append(ctx, "issue.started", i, "pending", "in_progress", "agent-1", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := Tail(ctx, db, 3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
}

func TestOpenCreatesStateDir(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
