package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"ionengine/internal/provider"
	"ionengine/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveSkipsSessionWithNoUserMessage(t *testing.T) {
	s := openTestStore(t)
	sess := session.New("s1", "/tmp", "model", false)
	sess.Append(provider.NewTextMessage(provider.RoleAssistant, "hello"))

	if err := s.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Load(context.Background(), "s1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sess := session.New("s2", "/tmp/proj", "claude", false)
	sess.Append(provider.NewTextMessage(provider.RoleUser, "hello there"))
	sess.Append(provider.NewTextMessage(provider.RoleAssistant, "hi, how can I help?"))

	if err := s.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(context.Background(), "s2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	history := loaded.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Text() != "hello there" || history[1].Text() != "hi, how can I help?" {
		t.Errorf("unexpected round-tripped content: %+v", history)
	}
}

func TestSaveAppendsOnlyBeyondMaxPosition(t *testing.T) {
	s := openTestStore(t)
	sess := session.New("s3", "/tmp", "model", false)
	sess.Append(provider.NewTextMessage(provider.RoleUser, "one"))
	if err := s.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sess.Append(provider.NewTextMessage(provider.RoleAssistant, "two"))
	if err := s.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(context.Background(), "s3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.History()) != 2 {
		t.Fatalf("expected 2 messages after second save, got %d", len(loaded.History()))
	}
}

func TestListRecentOrdersByUpdatedDesc(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b"} {
		sess := session.New(id, "/tmp", "model", false)
		sess.Append(provider.NewTextMessage(provider.RoleUser, "prompt-"+id))
		if err := s.Save(context.Background(), sess); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	summaries, err := s.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
}

func TestPruneEmptySessions(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.db.Exec(`INSERT INTO sessions (id, working_dir, model, created_at, updated_at) VALUES ('empty', '/tmp', 'm', 0, 0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	n, err := s.PruneEmptySessions(context.Background())
	if err != nil {
		t.Fatalf("PruneEmptySessions: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned session, got %d", n)
	}
}

func TestCleanupOldDisabledAtZero(t *testing.T) {
	s := openTestStore(t)
	n, err := s.CleanupOld(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if n != 0 {
		t.Errorf("expected cleanup disabled at 0 days, got %d deleted", n)
	}
}

// TestBeginImmediateBlocksConcurrentWriter checks that Save's write lock is
// real: a second connection to the same database cannot also BEGIN
// IMMEDIATE while the first holds it.
func TestBeginImmediateBlocksConcurrentWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	conn1, err := s.db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer conn1.Close()
	if _, err := conn1.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		t.Fatalf("BEGIN IMMEDIATE: %v", err)
	}
	defer conn1.ExecContext(ctx, `ROLLBACK`)

	db2, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	defer db2.Close()

	if _, err := db2.ExecContext(ctx, `BEGIN IMMEDIATE`); err == nil {
		t.Error("expected a second writer to be rejected while the first holds the write lock")
	}
}

func TestRecordInputTrimsToMax(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < maxInputHistory+5; i++ {
		if err := s.RecordInput(context.Background(), "line"); err != nil {
			t.Fatalf("RecordInput: %v", err)
		}
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM input_history`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != maxInputHistory {
		t.Errorf("expected input history trimmed to %d, got %d", maxInputHistory, count)
	}
}
