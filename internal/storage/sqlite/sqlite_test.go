package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "warden.db")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want %q", s.Driver(), storage.DriverSQLite)
	}
}

func TestStore_AppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []audit.Event{
		{Timestamp: base, Kind: audit.KindToolCall, SessionID: "s1", CallID: "c1", Tool: "shell", Command: "ls -la", Status: "exited", Outcome: "auto_approve", DurationMs: 12, Sandbox: "landlock"},
		{Timestamp: base.Add(time.Second), Kind: audit.KindApproval, SessionID: "s1", CallID: "c2", RequestID: "r1", Status: "deny", Reason: "cancelled"},
		{Timestamp: base.Add(2 * time.Second), Kind: audit.KindToolCall, SessionID: "s2", CallID: "c3", Status: "forbidden", ExitCode: -1},
	}
	for _, e := range events {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	all, err := s.List(ctx, audit.Query{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d events, want 3", len(all))
	}
	if all[0].CallID != "c3" || all[2].CallID != "c1" {
		t.Errorf("order = %s,%s,%s, want newest first", all[0].CallID, all[1].CallID, all[2].CallID)
	}
	if all[2].ID == "" || !all[2].Timestamp.Equal(base) {
		t.Errorf("stored event id/timestamp = %q/%v", all[2].ID, all[2].Timestamp)
	}
	if got := all[2]; got.Command != "ls -la" || got.Outcome != "auto_approve" || got.Sandbox != "landlock" || got.DurationMs != 12 {
		t.Errorf("round-tripped event = %+v", got)
	}
	if all[0].ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", all[0].ExitCode)
	}

	s1, err := s.List(ctx, audit.Query{SessionID: "s1", Kind: audit.KindApproval})
	if err != nil {
		t.Fatalf("List(filtered) error: %v", err)
	}
	if len(s1) != 1 || s1[0].RequestID != "r1" {
		t.Errorf("filtered = %+v", s1)
	}

	limited, _ := s.List(ctx, audit.Query{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limited = %d events, want 2", len(limited))
	}
}

func TestStore_DeleteBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{48 * time.Hour, 36 * time.Hour, time.Hour} {
		e := audit.Event{Timestamp: now.Add(-age), Kind: audit.KindToolCall, SessionID: "s", CallID: string(rune('a' + i)), Status: "exited"}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	n, err := s.DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore() error: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}
	left, _ := s.List(ctx, audit.Query{})
	if len(left) != 1 || left[0].CallID != "c" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestStore_WorksWithSweeper(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := audit.Event{Timestamp: time.Now().UTC().Add(-10 * 24 * time.Hour), Kind: audit.KindToolCall, SessionID: "s", Status: "exited"}
	if err := s.Append(ctx, old); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	sw, err := audit.NewSweeper(s, 7*24*time.Hour, "0 3 * * *", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSweeper() error: %v", err)
	}
	n, err := sw.Sweep(ctx)
	if err != nil || n != 1 {
		t.Errorf("Sweep() = %d, %v; want 1, nil", n, err)
	}
}
