//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/audit"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_InvalidDSN(t *testing.T) {
	if _, err := Open(Config{DSN: "postgres://%zz"}, slog.Default()); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestStore_Ping(t *testing.T) {
	s := NewStore(testDB(t))
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if s.Driver() != "postgres" {
		t.Errorf("Driver() = %q", s.Driver())
	}
}

func TestAudit_AppendListBySession(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	session := uuid.NewString()

	for i, status := range []string{"exited", "timeout", "denied"} {
		e := audit.Event{
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			Kind:      audit.KindToolCall,
			SessionID: session,
			CallID:    uuid.NewString(),
			Tool:      "shell",
			Status:    status,
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	events, err := s.List(ctx, audit.Query{SessionID: session})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Status != "denied" {
		t.Errorf("newest status = %q, want denied", events[0].Status)
	}
}

func TestAudit_ConcurrentAppends(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	session := uuid.NewString()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Append(ctx, audit.Event{Kind: audit.KindApproval, SessionID: session, Status: "approve"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Append() error: %v", err)
		}
	}

	events, err := s.List(ctx, audit.Query{SessionID: session, Limit: 2 * n})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(events) != n {
		t.Errorf("got %d events, want %d", len(events), n)
	}
}

func TestAudit_DeleteBefore(t *testing.T) {
	s := NewStore(testDB(t))
	ctx := context.Background()
	session := uuid.NewString()
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	old := audit.Event{Timestamp: cutoff.Add(-time.Hour), Kind: audit.KindToolCall, SessionID: session, Status: "exited"}
	fresh := audit.Event{Timestamp: time.Now().UTC(), Kind: audit.KindToolCall, SessionID: session, Status: "exited"}
	for _, e := range []audit.Event{old, fresh} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	if _, err := s.DeleteBefore(ctx, cutoff); err != nil {
		t.Fatalf("DeleteBefore() error: %v", err)
	}
	events, _ := s.List(ctx, audit.Query{SessionID: session})
	if len(events) != 1 {
		t.Errorf("got %d events after retention, want 1", len(events))
	}
}
