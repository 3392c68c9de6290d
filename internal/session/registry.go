package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/store"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
)

var ErrSessionNotFound = errors.New("session not found")

// summaryRows is how much recent pane content restart-with-summary carries
// into the new session.
const summaryRows = 40

// Registry exclusively owns Session values. Everything else refers to
// sessions by id and goes through the registry's lookup.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	driver *tmux.Driver
	st     *store.Store
	cfg    config.Config
	logger *slog.Logger
	topics Topics
}

func NewRegistry(cfg config.Config, driver *tmux.Driver, st *store.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		driver:   driver,
		st:       st,
		cfg:      cfg,
		logger:   logger,
	}
	go r.persistLoop()
	return r
}

// Topics exposes the event surface the hub and notifier subscribe to.
func (r *Registry) Topics() *Topics { return &r.topics }

// persistLoop mirrors state transitions and exits into the record store.
func (r *Registry) persistLoop() {
	updated := r.topics.Updated.Subscribe()
	exited := r.topics.Exit.Subscribe()
	for {
		select {
		case info, ok := <-updated:
			if !ok {
				return
			}
			if info.State == StateDead {
				continue // Exit handles the terminal write
			}
			if err := r.st.UpdateSession(recordFromInfo(info)); err != nil {
				r.logger.Warn("persist session update failed", "id", info.ID, "err", err)
			}
		case ev, ok := <-exited:
			if !ok {
				return
			}
			if err := r.st.MarkEnded(ev.SessionID, time.Now()); err != nil {
				r.logger.Warn("persist session end failed", "id", ev.SessionID, "err", err)
			}
		}
	}
}

// Create starts a fresh session. The id is generated; the record is
// persisted before the created event fires.
func (r *Registry) Create(opts Options) (*Session, error) {
	if opts.Kind == "" {
		opts.Kind = KindAssistant
	}
	if opts.Kind != KindAssistant && opts.Kind != KindShell {
		return nil, fmt.Errorf("unsupported session type: %s", opts.Kind)
	}
	if info, err := os.Stat(opts.ProjectPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project path does not exist: %s", opts.ProjectPath)
	}
	if opts.ID == "" {
		opts.ID = generateID()
	}

	s := newSession(opts, r.driver, r.cfg, &r.topics, r.logger)

	r.mu.Lock()
	r.sessions[opts.ID] = s
	r.mu.Unlock()

	if err := r.st.InsertSession(recordFromInfo(s.Info())); err != nil {
		r.logger.Warn("persist new session failed", "id", opts.ID, "err", err)
	}
	// created goes out before the session can emit anything else, so no
	// subscriber sees an update for an id it has not been introduced to
	r.topics.Created.publish(s.Info())

	if err := s.start(); err != nil {
		r.mu.Lock()
		delete(r.sessions, opts.ID)
		r.mu.Unlock()
		if merr := r.st.MarkEnded(opts.ID, time.Now()); merr != nil {
			r.logger.Warn("mark failed session failed", "id", opts.ID, "err", merr)
		}
		r.topics.Killed.publish(opts.ID)
		return nil, err
	}

	r.logger.Info("session created", "id", opts.ID, "type", opts.Kind, "project", opts.ProjectPath)
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns session snapshots, newest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos
}

// Kill terminates a session and its tmux backing, removes it from the
// registry, and broadcasts session_killed.
func (r *Registry) Kill(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	err := s.Kill()

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.logger.Info("session killed", "id", id)
	r.topics.Killed.publish(id)
	return err
}

// Restart kills a session and starts a replacement with the same
// configuration (optionally a new model). With withSummary, the last pane
// rows of the old session are pasted as the first prompt of the new one
// once it has settled.
func (r *Registry) Restart(id string, withSummary bool, newModel string) (*Session, error) {
	old, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	var summary string
	if withSummary {
		summary = old.RecentOutput(summaryRows)
	}

	opts := old.Options()
	if err := r.Kill(id); err != nil {
		r.logger.Warn("kill before restart failed", "id", id, "err", err)
	}

	opts.ID = ""
	if newModel != "" {
		opts.Model = newModel
	}
	next, err := r.Create(opts)
	if err != nil {
		return nil, err
	}

	if summary != "" && opts.Kind == KindAssistant {
		if err := r.st.SetSummary(next.ID(), summary); err != nil {
			r.logger.Warn("persist summary failed", "id", next.ID(), "err", err)
		}
		go func() {
			// let the fresh assistant reach its prompt before pasting
			time.Sleep(r.cfg.RestartGrace)
			prompt := "Continuing from a previous session. Recent output:\n" + summary
			if err := next.SendInput(prompt); err != nil {
				r.logger.Warn("continuation prompt failed", "id", next.ID(), "err", err)
			}
		}()
	}
	return next, nil
}

// SetModel updates the model on a live assistant session (via its /model
// command) and persists the change for restarts.
func (r *Registry) SetModel(id, model string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	s.mu.Lock()
	s.opts.Model = model
	kind := s.opts.Kind
	s.mu.Unlock()

	if kind == KindAssistant {
		if err := s.driver.SendInputLine(s.tmuxName, "/model "+model); err != nil {
			return fmt.Errorf("change model: %w", err)
		}
	}
	if err := r.st.UpdateSession(recordFromInfo(s.Info())); err != nil {
		r.logger.Warn("persist model change failed", "id", id, "err", err)
	}
	r.topics.Updated.publish(s.Info())
	return nil
}

// ToggleMode flips the plan / auto-accept flags. The new value applies to
// the next (re)start; the record is updated immediately. Terminal sessions
// are rejected so their ended record stays untouched.
func (r *Registry) ToggleMode(id, mode string, enabled bool) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	s.mu.Lock()
	switch mode {
	case "plan":
		s.opts.PlanMode = enabled
	case "autoAccept":
		s.opts.AutoAccept = enabled
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown mode: %s", mode)
	}
	s.mu.Unlock()

	if err := r.st.UpdateSession(recordFromInfo(s.Info())); err != nil {
		r.logger.Warn("persist mode change failed", "id", id, "err", err)
	}
	r.topics.Updated.publish(s.Info())
	return nil
}

// Rediscover reconciles the registry with the live tmux sessions carrying
// our prefix. Called once at daemon start, before the hub accepts clients.
func (r *Registry) Rediscover() error {
	ids, err := r.driver.ListSessionIDs()
	if err != nil {
		return fmt.Errorf("enumerate tmux sessions: %w", err)
	}

	alive := make(map[string]bool, len(ids))
	for _, id := range ids {
		rec, err := r.st.GetSession(id)
		if err != nil {
			r.logger.Warn("load session record failed", "id", id, "err", err)
		}

		opts := Options{ID: id, Kind: KindAssistant}
		if rec != nil {
			opts = Options{
				ID:          rec.ID,
				Kind:        rec.SessionType,
				ProjectPath: rec.ProjectPath,
				Model:       rec.Model,
				PlanMode:    rec.PlanMode,
				AutoAccept:  rec.AutoAccept,
			}
		}
		if opts.ProjectPath == "" {
			// record lost; synthesize a minimal config
			opts.ProjectPath, _ = os.Getwd()
		}

		s := newSession(opts, r.driver, r.cfg, &r.topics, r.logger)
		if err := s.attachExisting(); err != nil {
			if errors.Is(err, ErrDead) {
				if merr := r.st.MarkEnded(id, time.Now()); merr != nil {
					r.logger.Warn("mark dead session failed", "id", id, "err", merr)
				}
				continue
			}
			r.logger.Warn("reattach failed", "id", id, "err", err)
			continue
		}

		r.mu.Lock()
		r.sessions[id] = s
		r.mu.Unlock()
		alive[id] = true

		if rec == nil {
			if err := r.st.InsertSession(recordFromInfo(s.Info())); err != nil {
				r.logger.Warn("persist rediscovered session failed", "id", id, "err", err)
			}
		}
		r.logger.Info("session reattached", "id", id)
		r.topics.Created.publish(s.Info())
	}

	// every open record whose session was not found is over
	recs, err := r.st.ListSessions()
	if err != nil {
		return fmt.Errorf("list session records: %w", err)
	}
	now := time.Now()
	for _, rec := range recs {
		if rec.EndedAt == nil && !alive[rec.ID] {
			if err := r.st.MarkEnded(rec.ID, now); err != nil {
				r.logger.Warn("mark orphan record failed", "id", rec.ID, "err", err)
			}
		}
	}
	return nil
}

// Shutdown disconnects every session; with purge it kills the tmux
// sessions too.
func (r *Registry) Shutdown(purge bool) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if purge {
			if err := s.Kill(); err != nil {
				r.logger.Warn("purge kill failed", "id", s.ID(), "err", err)
			}
		} else {
			s.Disconnect()
		}
	}
}

// PurgeOldRecords removes rows ended before the retention cutoff. Run
// daily by the scheduler.
func (r *Registry) PurgeOldRecords(retention time.Duration) {
	n, err := r.st.PurgeEnded(time.Now().Add(-retention))
	if err != nil {
		r.logger.Warn("purge old records failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Info("purged old session records", "count", n)
	}
}

// ProjectRoot returns the project path of a session, for the file surface.
func (r *Registry) ProjectRoot(id string) (string, error) {
	s, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return strings.TrimSpace(s.Options().ProjectPath), nil
}

func recordFromInfo(info Info) store.SessionRecord {
	return store.SessionRecord{
		ID:          info.ID,
		ProjectPath: info.ProjectPath,
		Model:       info.Model,
		PlanMode:    info.PlanMode,
		AutoAccept:  info.AutoAccept,
		State:       string(info.State),
		SessionType: info.SessionType,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   time.Now(),
	}
}
