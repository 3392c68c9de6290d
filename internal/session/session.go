// Package session owns the lifecycle of one hosted terminal session: the
// tmux session that backs it, the read-only output stream, the state
// machine inferred from that output, and the debounced screen-capture
// pipeline that feeds subscribers.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/classifier"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/tmux"
)

// State is the session lifecycle state. Only dead and error are terminal.
type State string

const (
	StateStarting             State = "starting"
	StateIdle                 State = "idle"
	StateWorking              State = "working"
	StateAwaitingInput        State = "awaiting_input"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateContextLimit         State = "context_limit"
	StateDead                 State = "dead"
	StateError                State = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool { return s == StateDead || s == StateError }

// Session kinds.
const (
	KindAssistant = "assistant"
	KindShell     = "shell"
)

// assistantCommand is the CLI binary hosted in assistant sessions.
const assistantCommand = "claude"

var (
	ErrNotRunning = errors.New("session is not running")
	ErrDead       = errors.New("tmux session is dead")
)

// Options is the immutable-ish configuration a session starts from.
type Options struct {
	ID          string
	Kind        string
	ProjectPath string
	Model       string
	PlanMode    bool
	AutoAccept  bool
}

// Info is the serialisable snapshot sent to clients.
type Info struct {
	ID           string    `json:"id"`
	SessionType  string    `json:"sessionType"`
	ProjectPath  string    `json:"projectPath"`
	Model        string    `json:"model,omitempty"`
	PlanMode     bool      `json:"planMode"`
	AutoAccept   bool      `json:"autoAccept"`
	State        State     `json:"state"`
	Cols         int       `json:"cols"`
	Rows         int       `json:"rows"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Session wraps one tmux-hosted terminal. All mutable state is guarded by
// mu; event publication happens outside the lock.
type Session struct {
	mu sync.Mutex

	opts         Options
	tmuxName     string
	state        State
	createdAt    time.Time
	lastActivity time.Time
	cols, rows   int

	driver *tmux.Driver
	cfg    config.Config
	logger *slog.Logger
	topics *Topics

	cls    *classifier.Classifier
	reader *tmux.Reader

	// capture pipeline (see capture.go)
	hasReceivedResize bool
	lastEmittedScreen []byte
	captureInFlight   bool
	debounceTimer     *time.Timer
	resizeTimer       *time.Timer

	// input_required coalescing: identical questions within a short bucket
	// are forwarded once
	lastQuestion   string
	lastQuestionAt time.Time

	stop chan struct{} // closed by Disconnect/markDead; stops loops
	done chan struct{} // closed exactly once when the session is dead
}

// newSession builds the in-memory structure; it does not touch tmux.
func newSession(opts Options, driver *tmux.Driver, cfg config.Config, topics *Topics, logger *slog.Logger) *Session {
	return &Session{
		opts:      opts,
		tmuxName:  driver.SessionName(opts.ID),
		state:     StateStarting,
		createdAt: time.Now(),
		cols:      80,
		rows:      24,
		driver:    driver,
		cfg:       cfg,
		logger:    logger.With("session", opts.ID),
		topics:    topics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// buildArgv returns the child argv for a fresh start.
func buildArgv(opts Options) []string {
	if opts.Kind == KindShell {
		return tmux.LoginShellArgv()
	}
	argv := []string{assistantCommand}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PlanMode {
		argv = append(argv, "--plan")
	}
	if opts.AutoAccept {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	return argv
}

// start creates the backing tmux session and attaches. Fatal errors leave
// the session in StateError.
func (s *Session) start() error {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	if err := s.driver.Create(s.tmuxName, cols, rows, s.opts.ProjectPath, buildArgv(s.opts)); err != nil {
		s.setState(StateError)
		return fmt.Errorf("start session %s: %w", s.opts.ID, err)
	}
	return s.attach()
}

// attachExisting verifies liveness and attaches to an already-running tmux
// session (daemon restart path). Options are re-applied; that is
// idempotent.
func (s *Session) attachExisting() error {
	if !s.driver.IsAlive(s.tmuxName) {
		s.setState(StateDead)
		return ErrDead
	}
	if err := s.driver.ApplyOptions(s.tmuxName); err != nil {
		s.logger.Warn("apply tmux options failed", "err", err)
	}
	return s.attach()
}

// attach wires the read stream, classifier and liveness probe, then
// transitions starting → idle.
func (s *Session) attach() error {
	reader, err := s.driver.AttachReader(s.tmuxName)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("attach reader %s: %w", s.opts.ID, err)
	}

	cls := classifier.New(s.cfg.IdleThreshold, s.handleClassifierEvent)

	s.mu.Lock()
	s.reader = reader
	s.cls = cls
	s.mu.Unlock()

	go s.readLoop(reader, cls)
	go s.livenessLoop()

	s.setState(StateIdle)
	return nil
}

// readLoop pumps the attach stream into the classifier until the stream
// fails or the session stops. A read error with a dead tmux session means
// the hosted process exited.
func (s *Session) readLoop(reader *tmux.Reader, cls *classifier.Classifier) {
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			cls.Feed(data)
		}
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if err != io.EOF {
				s.logger.Debug("reader error", "err", err)
			}
			if !s.driver.IsAlive(s.tmuxName) {
				s.markDead()
			}
			return
		}
	}
}

// livenessLoop probes the tmux session periodically; a failed probe marks
// the session dead even when the reader is still blocked.
func (s *Session) livenessLoop() {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.driver.IsAlive(s.tmuxName) {
				s.markDead()
				return
			}
		}
	}
}

// handleClassifierEvent applies one classifier emission to the state
// machine and event topics.
func (s *Session) handleClassifierEvent(ev classifier.Event) {
	switch ev.Kind {
	case classifier.EventActivity:
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.triggerCapture()

	case classifier.EventWorking:
		s.setState(StateWorking)

	case classifier.EventPossiblyIdle:
		s.mu.Lock()
		wasWorking := s.state == StateWorking
		s.mu.Unlock()
		if wasWorking {
			s.setState(StateIdle)
		}

	case classifier.EventInputRequired:
		if ev.InputType == classifier.InputConfirmation {
			s.setState(StateAwaitingConfirmation)
		} else {
			s.setState(StateAwaitingInput)
		}
		now := time.Now()
		s.mu.Lock()
		dup := ev.Question == s.lastQuestion && now.Sub(s.lastQuestionAt) < 2*time.Second
		if !dup {
			s.lastQuestion = ev.Question
			s.lastQuestionAt = now
		}
		s.mu.Unlock()
		if dup {
			return
		}
		s.topics.InputRequired.publish(InputRequiredEvent{
			SessionID: s.opts.ID,
			InputType: ev.InputType,
			Question:  ev.Question,
			Options:   ev.Options,
			Timestamp: now,
		})

	case classifier.EventContextExhausted:
		s.setState(StateContextLimit)
		s.topics.ContextLimit.publish(ContextLimitEvent{
			SessionID: s.opts.ID,
			Message:   ev.Window,
		})
	}
}

// setState serializes transitions and publishes session_updated. Terminal
// states are sticky.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.topics.Updated.publish(s.Info())
}

// markDead transitions to dead, fires exit, and releases resources. Safe
// to call more than once.
func (s *Session) markDead() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.mu.Unlock()

	s.teardown()
	s.topics.Updated.publish(s.Info())
	s.topics.Exit.publish(ExitEvent{SessionID: s.opts.ID})
	close(s.done)
}

// Disconnect tears down the reader and timers without killing tmux; the
// hosted session keeps running for later rediscovery.
func (s *Session) Disconnect() {
	s.teardown()
}

// teardown stops loops and timers. Idempotent.
func (s *Session) teardown() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	reader := s.reader
	cls := s.cls
	s.reader = nil
	s.cls = nil
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	s.mu.Unlock()

	if cls != nil {
		cls.Close()
	}
	if reader != nil {
		reader.Close()
	}
}

// Kill terminates the backing tmux session and marks the session dead.
func (s *Session) Kill() error {
	alive := s.driver.IsAlive(s.tmuxName)
	var err error
	if alive {
		err = s.driver.Kill(s.tmuxName)
	}
	s.markDead()
	return err
}

// Done is closed when the session reaches dead.
func (s *Session) Done() <-chan struct{} { return s.done }

// ID returns the session id.
func (s *Session) ID() string { return s.opts.ID }

// Options returns the session's current configuration.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Info returns a snapshot for the wire.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.opts.ID,
		SessionType:  s.opts.Kind,
		ProjectPath:  s.opts.ProjectPath,
		Model:        s.opts.Model,
		PlanMode:     s.opts.PlanMode,
		AutoAccept:   s.opts.AutoAccept,
		State:        s.state,
		Cols:         s.cols,
		Rows:         s.rows,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendInput writes a line of input (text + Enter). Assistant sessions
// transition to working since a prompt was just submitted.
func (s *Session) SendInput(text string) error {
	if s.State().Terminal() {
		return ErrNotRunning
	}
	if err := s.driver.SendInputLine(s.tmuxName, text); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	if s.opts.Kind == KindAssistant {
		s.setState(StateWorking)
	}
	return nil
}

// SendKey forwards a single key payload (raw encoding or literal text).
func (s *Session) SendKey(input string) error {
	if s.State().Terminal() {
		return ErrNotRunning
	}
	return s.driver.SendKey(s.tmuxName, input)
}

// Scrollback returns the whole history buffer verbatim.
func (s *Session) Scrollback() []byte {
	return s.driver.Scrollback(s.tmuxName)
}

// RecentOutput returns the last n rows of the current pane, used as the
// continuation context for restart-with-summary.
func (s *Session) RecentOutput(n int) string {
	raw := s.driver.CapturePane(s.tmuxName)
	if len(raw) == 0 {
		return ""
	}
	rows := splitRows(raw)
	rows = trimTrailingEmpty(rows)
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return string(joinRows(rows))
}

// generateID returns a 12-character URL-safe session id.
func generateID() string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
