package session

import (
	"bytes"
	"testing"
)

func TestPostProcessScreenTrimsRowsAndAppendsCursor(t *testing.T) {
	raw := []byte("hello   \nworld\t\n\n   \n")
	out := PostProcessScreen(raw, 1, 5)

	want := []byte("hello\nworld\n\x1b[2;6H")
	if !bytes.Equal(out, want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestPostProcessScreenKeepsInteriorEmptyRows(t *testing.T) {
	raw := []byte("a\n\nb\n")
	out := PostProcessScreen(raw, 0, 0)

	want := []byte("a\n\nb\n\x1b[1;1H")
	if !bytes.Equal(out, want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestPostProcessScreenEmptyPane(t *testing.T) {
	out := PostProcessScreen([]byte("\n\n\n"), 0, 0)
	want := []byte("\x1b[1;1H")
	if !bytes.Equal(out, want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestPostProcessScreenCursorIsOneBased(t *testing.T) {
	out := PostProcessScreen([]byte("x\n"), 9, 19)
	if !bytes.HasSuffix(out, []byte("\x1b[10;20H")) {
		t.Fatalf("cursor escape must be 1-based, got %q", out)
	}
}

func TestPostProcessScreenDeterministic(t *testing.T) {
	raw := []byte("line one  \nline two\n")
	a := PostProcessScreen(raw, 2, 3)
	b := PostProcessScreen(raw, 2, 3)
	if !bytes.Equal(a, b) {
		t.Fatal("identical input must post-process identically")
	}
}

func TestTriggerCaptureGatedOnResize(t *testing.T) {
	s := newTestSession(t)

	// no resize yet: activity must not arm the debounce timer
	s.triggerCapture()
	s.mu.Lock()
	armed := s.debounceTimer != nil
	s.mu.Unlock()
	if armed {
		t.Fatal("capture scheduled before the first resize")
	}

	s.mu.Lock()
	s.hasReceivedResize = true
	s.mu.Unlock()

	s.triggerCapture()
	s.mu.Lock()
	armed = s.debounceTimer != nil
	s.mu.Unlock()
	if !armed {
		t.Fatal("capture not scheduled after resize gate opened")
	}
}

func TestTriggerCaptureStoppedSession(t *testing.T) {
	s := newTestSession(t)
	s.mu.Lock()
	s.hasReceivedResize = true
	s.mu.Unlock()
	close(s.stop)

	s.triggerCapture()
	s.mu.Lock()
	armed := s.debounceTimer != nil
	s.mu.Unlock()
	if armed {
		t.Fatal("stopped session must not schedule captures")
	}
}

func TestCaptureInFlightGuard(t *testing.T) {
	s := newTestSession(t)
	s.mu.Lock()
	s.captureInFlight = true
	s.lastEmittedScreen = []byte("sentinel")
	s.mu.Unlock()

	// with the guard set, capture is a no-op and leaves state alone
	s.capture()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.captureInFlight {
		t.Fatal("skipped capture must not clear the in-flight guard")
	}
	if string(s.lastEmittedScreen) != "sentinel" {
		t.Fatal("skipped capture must not touch lastEmittedScreen")
	}
}
