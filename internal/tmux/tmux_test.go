package tmux

import (
	"errors"
	"testing"
)

func TestKillMissingSession(t *testing.T) {
	// no tmux on PATH: kill-session fails and the liveness probe agrees
	// the session does not exist
	t.Setenv("PATH", t.TempDir())

	d := New("ccrtest")
	err := d.Kill(d.SessionName("doesnotexist"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
