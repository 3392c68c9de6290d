// Package config carries the daemon-wide settings that used to live as
// package globals: filesystem layout, the tmux session prefix, and the
// timing knobs shared by the session and capture layers.
package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// TmuxPrefix namespaces every multiplexer session owned by ccremote.
	// A session with id X lives in the tmux session "ccr-X".
	TmuxPrefix = "ccr"

	DefaultPort = 8377
)

// Config is built once in cmd/ccremote and passed to every component.
type Config struct {
	// Dir is the per-user state directory (~/.config/ccremote).
	Dir string

	// Port is the TCP port the daemon listens on (localhost).
	Port int

	// WebRoot, when non-empty, is served as the static asset root.
	WebRoot string

	// SlackWebhookURL, when non-empty, enables Slack notifications.
	SlackWebhookURL string

	// Timing knobs. Tests shrink these; production uses the defaults.
	CaptureDebounce  time.Duration // trailing debounce for screen captures
	ResizeSettle     time.Duration // forced capture delay after a resize
	IdleThreshold    time.Duration // classifier silence before possibly_idle
	LivenessInterval time.Duration // tmux liveness probe period
	RestartGrace     time.Duration // idle wait before the continuation prompt
}

// Default returns the production configuration rooted under the user's
// home directory.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Dir:              filepath.Join(home, ".config", "ccremote"),
		Port:             DefaultPort,
		CaptureDebounce:  30 * time.Millisecond,
		ResizeSettle:     150 * time.Millisecond,
		IdleThreshold:    3 * time.Second,
		LivenessInterval: 5 * time.Second,
		RestartGrace:     2 * time.Second,
	}
}

// DBPath is the sqlite store file.
func (c Config) DBPath() string { return filepath.Join(c.Dir, "ccremote.db") }

// PIDPath is the supervisor pid file.
func (c Config) PIDPath() string { return filepath.Join(c.Dir, "supervisor.pid") }

// LogPath is the daemon log file.
func (c Config) LogPath() string { return filepath.Join(c.Dir, "daemon.log") }

// EnsureDir creates the state directory if missing.
func (c Config) EnsureDir() error { return os.MkdirAll(c.Dir, 0o755) }
