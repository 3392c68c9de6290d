package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(id string) SessionRecord {
	now := time.Now().Truncate(time.Millisecond)
	return SessionRecord{
		ID:          id,
		ProjectPath: "/home/user/project",
		Model:       "opus",
		PlanMode:    true,
		AutoAccept:  false,
		State:       "idle",
		SessionType: "assistant",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	rec := testRecord("abc123def456")
	if err := st.InsertSession(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.GetSession(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.ID != rec.ID || got.ProjectPath != rec.ProjectPath || got.Model != rec.Model ||
		got.PlanMode != rec.PlanMode || got.AutoAccept != rec.AutoAccept ||
		got.State != rec.State || got.SessionType != rec.SessionType {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at: got %v want %v", got.CreatedAt, rec.CreatedAt)
	}
	if got.EndedAt != nil {
		t.Fatal("fresh record must have nil ended_at")
	}
}

func TestGetMissingSession(t *testing.T) {
	st := openTestStore(t)
	got, err := st.GetSession("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil record for unknown id")
	}
}

func TestUpdateDoesNotClobberSummary(t *testing.T) {
	st := openTestStore(t)
	rec := testRecord("withsummary1")
	if err := st.InsertSession(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.SetSummary(rec.ID, "recent pane content"); err != nil {
		t.Fatalf("set summary: %v", err)
	}

	// a routine state persist carries no summary
	rec.State = "working"
	if err := st.UpdateSession(rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetSession(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "working" {
		t.Fatalf("state not updated: %s", got.State)
	}
	if got.Summary != "recent pane content" {
		t.Fatalf("summary clobbered: %q", got.Summary)
	}
}

func TestMarkEnded(t *testing.T) {
	st := openTestStore(t)
	rec := testRecord("toend1234567")
	if err := st.InsertSession(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	when := time.Now()
	if err := st.MarkEnded(rec.ID, when); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	got, _ := st.GetSession(rec.ID)
	if got.State != "dead" {
		t.Fatalf("state = %s, want dead", got.State)
	}
	if got.EndedAt == nil {
		t.Fatal("ended_at not set")
	}
	first := *got.EndedAt

	// second call must not move the timestamp
	if err := st.MarkEnded(rec.ID, when.Add(time.Hour)); err != nil {
		t.Fatalf("mark ended again: %v", err)
	}
	got, _ = st.GetSession(rec.ID)
	if !got.EndedAt.Equal(first) {
		t.Fatal("ended_at moved on second MarkEnded")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	st := openTestStore(t)
	old := testRecord("older0000001")
	old.CreatedAt = time.Now().Add(-time.Hour)
	newer := testRecord("newer0000001")
	if err := st.InsertSession(old); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertSession(newer); err != nil {
		t.Fatal(err)
	}

	recs, err := st.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != newer.ID {
		t.Fatalf("bad order: %+v", recs)
	}
}

func TestPurgeEnded(t *testing.T) {
	st := openTestStore(t)
	stale := testRecord("stale0000001")
	if err := st.InsertSession(stale); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkEnded(stale.ID, time.Now().Add(-8*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	live := testRecord("live00000001")
	if err := st.InsertSession(live); err != nil {
		t.Fatal(err)
	}

	n, err := st.PurgeEnded(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if got, _ := st.GetSession(live.ID); got == nil {
		t.Fatal("live record purged")
	}
	if got, _ := st.GetSession(stale.ID); got != nil {
		t.Fatal("stale record survived purge")
	}
}

func TestConfigKV(t *testing.T) {
	st := openTestStore(t)
	if v, err := st.GetConfig("missing"); err != nil || v != "" {
		t.Fatalf("missing key: %q, %v", v, err)
	}
	if err := st.SetConfig("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetConfig("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.GetConfig("k"); v != "v2" {
		t.Fatalf("got %q, want v2", v)
	}
}

func TestUpdateSkipsEndedRows(t *testing.T) {
	st := openTestStore(t)
	rec := testRecord("abc123def456")
	if err := st.InsertSession(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ended := time.Now().Truncate(time.Millisecond)
	if err := st.MarkEnded(rec.ID, ended); err != nil {
		t.Fatalf("mark ended: %v", err)
	}

	// a late state write for an ended row must not resurrect it
	rec.State = "idle"
	rec.Model = "sonnet"
	if err := st.UpdateSession(rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetSession(rec.ID)
	if err != nil || got == nil {
		t.Fatalf("get: rec=%v err=%v", got, err)
	}
	if got.State != "dead" {
		t.Fatalf("state = %q, want dead", got.State)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("ended_at = %v, want %v", got.EndedAt, ended)
	}
	if got.Model != "opus" {
		t.Fatalf("model = %q, ended row must be immutable", got.Model)
	}
}
