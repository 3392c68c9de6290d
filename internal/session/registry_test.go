package session

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/store"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.CaptureDebounce = time.Hour
	cfg.ResizeSettle = time.Hour
	return NewRegistry(cfg, tmux.New("ccrtest"), st, logger), st
}

// registerDead plants a session that already died (liveness probe path)
// together with its ended record, as rediscovery or a probe would leave it.
func registerDead(t *testing.T, r *Registry, st *store.Store, id string) *Session {
	t.Helper()
	s := newSession(Options{
		ID:          id,
		Kind:        KindAssistant,
		ProjectPath: t.TempDir(),
	}, r.driver, r.cfg, &r.topics, r.logger)

	if err := st.InsertSession(recordFromInfo(s.Info())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.MarkEnded(id, time.Now()); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	s.markDead()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func TestToggleModeRejectsDeadSession(t *testing.T) {
	r, st := newTestRegistry(t)
	registerDead(t, r, st, "dead00000001")

	if err := r.ToggleMode("dead00000001", "plan", true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("toggle_mode on dead session: err = %v, want ErrNotRunning", err)
	}

	rec, err := st.GetSession("dead00000001")
	if err != nil || rec == nil {
		t.Fatalf("get session: rec=%v err=%v", rec, err)
	}
	if rec.State != string(StateDead) || rec.EndedAt == nil {
		t.Fatalf("ended record disturbed: state=%s ended_at=%v", rec.State, rec.EndedAt)
	}
}

func TestSetModelRejectsDeadSession(t *testing.T) {
	r, st := newTestRegistry(t)
	registerDead(t, r, st, "dead00000002")

	if err := r.SetModel("dead00000002", "sonnet"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("change_model on dead session: err = %v, want ErrNotRunning", err)
	}

	rec, err := st.GetSession("dead00000002")
	if err != nil || rec == nil {
		t.Fatalf("get session: rec=%v err=%v", rec, err)
	}
	if rec.State != string(StateDead) || rec.EndedAt == nil {
		t.Fatalf("ended record disturbed: state=%s ended_at=%v", rec.State, rec.EndedAt)
	}
	if rec.Model == "sonnet" {
		t.Fatal("model change must not be persisted for a dead session")
	}
}

func TestUnknownModeRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := newSession(Options{
		ID:          "live00000001",
		Kind:        KindAssistant,
		ProjectPath: t.TempDir(),
	}, r.driver, r.cfg, &r.topics, r.logger)
	s.setState(StateIdle)
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	if err := r.ToggleMode("live00000001", "turbo", true); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
}

func TestCreatedPrecedesAnyOtherEvent(t *testing.T) {
	r, st := newTestRegistry(t)

	// no tmux on PATH: start fails after the session is announced
	t.Setenv("PATH", t.TempDir())

	created := r.topics.Created.Subscribe()
	killed := r.topics.Killed.Subscribe()
	defer r.topics.Created.Unsubscribe(created)
	defer r.topics.Killed.Unsubscribe(killed)

	_, err := r.Create(Options{ProjectPath: t.TempDir()})
	if err == nil {
		t.Fatal("create must fail without tmux")
	}

	var info Info
	select {
	case info = <-created:
	default:
		t.Fatal("session_created must be published before start can fail")
	}
	if info.State != StateStarting {
		t.Fatalf("created snapshot state = %s, want starting", info.State)
	}

	var killedID string
	select {
	case killedID = <-killed:
	default:
		t.Fatal("failed start must publish session_killed")
	}
	if killedID != info.ID {
		t.Fatalf("killed id = %s, want %s", killedID, info.ID)
	}

	if _, ok := r.Get(info.ID); ok {
		t.Fatal("failed session must not stay registered")
	}
	rec, err := st.GetSession(info.ID)
	if err != nil || rec == nil {
		t.Fatalf("get session: rec=%v err=%v", rec, err)
	}
	if rec.EndedAt == nil || rec.State != string(StateDead) {
		t.Fatalf("failed session record must be ended: state=%s ended_at=%v", rec.State, rec.EndedAt)
	}
}
