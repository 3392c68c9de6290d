// Package tmux drives the external terminal multiplexer. Every ccremote
// session lives in a detached tmux session named "<prefix>-<id>" so it
// survives daemon restarts and can be attached from a local terminal.
//
// Create and Kill propagate failures; everything else is best-effort and
// degrades to empty output, because a transient tmux hiccup must not take
// the session down with it.
package tmux

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	ErrSessionNotFound = errors.New("tmux session not found")
	ErrCreateFailed    = errors.New("failed to create tmux session")
)

// Driver invokes the tmux binary against a fixed session-name prefix.
type Driver struct {
	prefix  string
	fifoDir string
}

// New returns a driver namespaced by prefix. FIFOs for pipe-pane readers
// are created under the system temp dir.
func New(prefix string) *Driver {
	return &Driver{
		prefix:  prefix,
		fifoDir: filepath.Join(os.TempDir(), "ccremote"),
	}
}

// SessionName maps a session id to its tmux session name. This is a pure
// function of the id; the registry relies on the inverse via ParseName.
func (d *Driver) SessionName(id string) string {
	return d.prefix + "-" + id
}

// ParseName extracts the session id from a tmux session name, or "" when
// the name is not ours.
func (d *Driver) ParseName(name string) string {
	rest, ok := strings.CutPrefix(name, d.prefix+"-")
	if !ok || rest == "" {
		return ""
	}
	return rest
}

// shellQuote wraps a string in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// loginShellPath returns the user's login shell from $SHELL, falling back
// to /bin/sh.
func loginShellPath() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// LoginShellArgv is the argv for a plain shell session.
func LoginShellArgv() []string {
	return []string{loginShellPath(), "-l"}
}

// Create starts a new detached tmux session running argv in cwd with the
// given initial dimensions, then applies the session options ccremote
// depends on: no status bar, "largest attached" window sizing, mouse
// input, and a deep history buffer for scrollback requests.
func (d *Driver) Create(name string, cols, rows int, cwd string, argv []string) error {
	// Wrap in a login shell so PATH, agents and credential helpers match
	// the user's normal terminal.
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	wrapped := "unset PATH; " + shellQuote(loginShellPath()) + " -lc " + shellQuote(strings.Join(parts, " "))

	args := []string{
		"new-session", "-d",
		"-s", name,
		"-c", cwd,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
		wrapped,
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrCreateFailed, strings.TrimSpace(string(out)))
	}
	return d.ApplyOptions(name)
}

// ApplyOptions sets the per-session options. Idempotent; also called when
// attaching to a rediscovered session in case the tmux server restarted.
func (d *Driver) ApplyOptions(name string) error {
	opts := [][]string{
		{"set-option", "-t", name, "status", "off"},
		{"set-option", "-t", name, "window-size", "largest"},
		{"set-option", "-t", name, "mouse", "on"},
		{"set-option", "-t", name, "history-limit", "10000"},
		{"set-option", "-t", name, "default-terminal", "xterm-256color"},
	}
	for _, o := range opts {
		if err := exec.Command("tmux", o...).Run(); err != nil {
			return fmt.Errorf("tmux %s: %w", o[0], err)
		}
	}
	return nil
}

// AttachReader starts a read-only output stream for the named session via
// pipe-pane into a FIFO. The returned ReadCloser yields the raw bytes the
// hosted program writes to its PTY, escape sequences included; Close stops
// the pipe and removes the FIFO.
//
// The FIFO is opened O_RDWR so reads don't hit EOF while the pipe-pane
// writer is briefly absent (startup race, tmux server restart).
func (d *Driver) AttachReader(name string) (*Reader, error) {
	if err := os.MkdirAll(d.fifoDir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir fifo dir: %w", err)
	}
	fifoPath := filepath.Join(d.fifoDir, name+".pipe")
	os.Remove(fifoPath) // stale FIFO from a previous run

	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo: %w", err)
	}
	fd, err := syscall.Open(fifoPath, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(fifoPath)
		return nil, fmt.Errorf("open fifo: %w", err)
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		os.Remove(fifoPath)
		return nil, fmt.Errorf("set blocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), fifoPath)

	// -o = output only. exec cat avoids a lingering sh.
	if err := exec.Command("tmux", "pipe-pane", "-t", name, "-o",
		fmt.Sprintf("exec cat > %s", shellQuote(fifoPath))).Run(); err != nil {
		f.Close()
		os.Remove(fifoPath)
		return nil, fmt.Errorf("pipe-pane: %w", err)
	}

	return &Reader{driver: d, session: name, f: f, fifoPath: fifoPath}, nil
}

// Reader is the read-only attach stream produced by AttachReader.
type Reader struct {
	driver   *Driver
	session  string
	f        *os.File
	fifoPath string
}

func (r *Reader) Read(p []byte) (int, error) { return r.f.Read(p) }

// Close stops pipe-pane (if the session still exists) and removes the FIFO.
func (r *Reader) Close() error {
	if r.driver.IsAlive(r.session) {
		// pipe-pane without a command stops the active pipe
		_ = exec.Command("tmux", "pipe-pane", "-t", r.session).Run()
	}
	err := r.f.Close()
	os.Remove(r.fifoPath)
	return err
}

// SendLiteral sends text verbatim, with no key-name interpretation.
func (d *Driver) SendLiteral(name, text string) error {
	return exec.Command("tmux", "send-keys", "-t", name, "-l", text).Run()
}

// SendNamedKey sends one of the enumerated key names (C-c, Escape, Enter,
// Tab, BSpace, Up, Down, Left, Right, PageUp, PageDown).
func (d *Driver) SendNamedKey(name, key string) error {
	return exec.Command("tmux", "send-keys", "-t", name, key).Run()
}

// SendInputLine sends text literally followed by Enter, as two calls.
func (d *Driver) SendInputLine(name, text string) error {
	if err := d.SendLiteral(name, text); err != nil {
		return err
	}
	return d.SendNamedKey(name, "Enter")
}

// CapturePane returns the full current pane including colors, one LF per
// row. Returns nil on failure.
func (d *Driver) CapturePane(name string) []byte {
	out, err := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-e").Output()
	if err != nil {
		return nil
	}
	return out
}

// CursorPosition returns the 0-based cursor row and column. Best-effort:
// failures yield (0, 0).
func (d *Driver) CursorPosition(name string) (row, col int) {
	out, err := exec.Command("tmux", "display-message", "-t", name, "-p",
		"#{cursor_y}:#{cursor_x}").Output()
	if err != nil {
		return 0, 0
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	row, _ = strconv.Atoi(parts[0])
	col, _ = strconv.Atoi(parts[1])
	return row, col
}

// Scrollback returns the entire history buffer plus the visible pane.
// Returns nil on failure.
func (d *Driver) Scrollback(name string) []byte {
	out, err := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-e", "-S", "-").Output()
	if err != nil {
		return nil
	}
	return out
}

// IsAlive probes whether the named tmux session exists.
func (d *Driver) IsAlive(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// Kill terminates the named tmux session. Killing a session that does not
// exist returns ErrSessionNotFound.
func (d *Driver) Kill(name string) error {
	if out, err := exec.Command("tmux", "kill-session", "-t", name).CombinedOutput(); err != nil {
		if !d.IsAlive(name) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return fmt.Errorf("tmux kill-session %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Resize resizes the session's window. Failures are returned so the
// caller can skip its dedup-state update and retry later.
func (d *Driver) Resize(name string, cols, rows int) error {
	return exec.Command("tmux", "resize-window", "-t", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)).Run()
}

// ListSessionIDs enumerates tmux sessions carrying our prefix and returns
// their ccremote ids. A missing tmux server means no sessions, not an error.
func (d *Driver) ListSessionIDs() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if id := d.ParseName(strings.TrimSpace(line)); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AttachCommand returns the argv to natively attach a local terminal.
func (d *Driver) AttachCommand(name string) []string {
	return []string{"tmux", "attach-session", "-t", name}
}
